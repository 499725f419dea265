package middleware_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gridguard/gridguard/pkg/gateway/middleware"
)

var _ = Describe("NewSanitizingLogger", func() {
	var (
		out      *bytes.Buffer
		nextBody []byte
	)

	BeforeEach(func() {
		out = &bytes.Buffer{}
		nextBody = nil
	})

	handler := func() http.Handler {
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var err error
			nextBody, err = io.ReadAll(r.Body)
			Expect(err).NotTo(HaveOccurred())
			w.WriteHeader(http.StatusOK)
		})
		return middleware.NewSanitizingLogger(out)(next)
	}

	It("redacts a top-level sensitive field and restores the body for the next handler", func() {
		body := `{"password":"hunter2","prompt":"hello"}`
		req := httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader(body))
		rec := httptest.NewRecorder()

		handler().ServeHTTP(rec, req)

		Expect(out.String()).To(ContainSubstring("[REDACTED]"))
		Expect(out.String()).NotTo(ContainSubstring("hunter2"))
		Expect(out.String()).To(ContainSubstring("hello"))
		Expect(string(nextBody)).To(Equal(body))
	})

	It("redacts a sensitive field nested inside the payload", func() {
		body := `{"metadata":{"annotations":{"token":"abc123"}}}`
		req := httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader(body))
		rec := httptest.NewRecorder()

		handler().ServeHTTP(rec, req)

		Expect(out.String()).NotTo(ContainSubstring("abc123"))
	})

	It("redacts a bearer token from the Authorization header", func() {
		req := httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader(`{}`))
		req.Header.Set("Authorization", "Bearer super-secret-value")
		rec := httptest.NewRecorder()

		handler().ServeHTTP(rec, req)

		Expect(out.String()).NotTo(ContainSubstring("super-secret-value"))
		Expect(out.String()).To(ContainSubstring("Bearer [REDACTED]"))
	})

	It("redacts a query-string token in a non-JSON body", func() {
		body := "callback_url=https://example.com?token=abc123"
		req := httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader(body))
		rec := httptest.NewRecorder()

		handler().ServeHTTP(rec, req)

		Expect(out.String()).NotTo(ContainSubstring("abc123"))
	})
})
