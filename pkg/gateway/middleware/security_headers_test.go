package middleware_test

import (
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gridguard/gridguard/pkg/gateway/middleware"
)

var _ = Describe("SecurityHeaders", func() {
	It("sets the full fixed header set on every response", func() {
		handler := middleware.SecurityHeaders()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		}))

		req := httptest.NewRequest(http.MethodPost, "/infer", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		h := rec.Header()
		Expect(h.Get("X-Content-Type-Options")).To(Equal("nosniff"))
		Expect(h.Get("X-Frame-Options")).To(Equal("DENY"))
		Expect(h.Get("X-XSS-Protection")).To(Equal("1; mode=block"))
		Expect(h.Get("Strict-Transport-Security")).To(Equal("max-age=31536000; includeSubDomains"))
		Expect(h.Get("Content-Security-Policy")).To(Equal("default-src 'none'"))
		Expect(h.Get("Referrer-Policy")).To(Equal("no-referrer"))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("OK"))
	})
})
