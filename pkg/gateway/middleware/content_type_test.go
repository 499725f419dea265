package middleware_test

import (
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gridguard/gridguard/pkg/gateway/middleware"
)

var _ = Describe("ValidateContentType", func() {
	var next http.Handler

	BeforeEach(func() {
		next = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	It("allows application/json", func() {
		req := httptest.NewRequest(http.MethodPost, "/infer", nil)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		middleware.ValidateContentType(next).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("allows application/json with a charset parameter", func() {
		req := httptest.NewRequest(http.MethodPost, "/infer", nil)
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		rec := httptest.NewRecorder()

		middleware.ValidateContentType(next).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("allows a missing Content-Type header", func() {
		req := httptest.NewRequest(http.MethodPost, "/infer", nil)
		rec := httptest.NewRecorder()

		middleware.ValidateContentType(next).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("rejects text/plain with 415", func() {
		req := httptest.NewRequest(http.MethodPost, "/infer", nil)
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()

		middleware.ValidateContentType(next).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusUnsupportedMediaType))
		Expect(rec.Header().Get("Content-Type")).To(Equal("application/problem+json"))
	})

	It("rejects a malformed Content-Type with 400", func() {
		req := httptest.NewRequest(http.MethodPost, "/infer", nil)
		req.Header.Set("Content-Type", "invalid/type/extra/slashes")
		rec := httptest.NewRecorder()

		middleware.ValidateContentType(next).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})
})
