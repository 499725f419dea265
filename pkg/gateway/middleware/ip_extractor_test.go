package middleware_test

import (
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gridguard/gridguard/pkg/gateway/middleware"
)

var _ = Describe("ExtractClientIP", func() {
	It("prefers the first hop of X-Forwarded-For", func() {
		req := httptest.NewRequest(http.MethodGet, "/infer", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
		req.RemoteAddr = "192.0.2.1:5555"

		Expect(middleware.ExtractClientIP(req)).To(Equal("203.0.113.5"))
	})

	It("falls back to X-Real-IP when there is no X-Forwarded-For", func() {
		req := httptest.NewRequest(http.MethodGet, "/infer", nil)
		req.Header.Set("X-Real-IP", "203.0.113.9")
		req.RemoteAddr = "192.0.2.1:5555"

		Expect(middleware.ExtractClientIP(req)).To(Equal("203.0.113.9"))
	})

	It("falls back to RemoteAddr with the port stripped", func() {
		req := httptest.NewRequest(http.MethodGet, "/infer", nil)
		req.RemoteAddr = "192.0.2.1:5555"

		Expect(middleware.ExtractClientIP(req)).To(Equal("192.0.2.1"))
	})

	It("preserves IPv6 bracket notation when stripping the port", func() {
		req := httptest.NewRequest(http.MethodGet, "/infer", nil)
		req.RemoteAddr = "[::1]:54321"

		Expect(middleware.ExtractClientIP(req)).To(Equal("[::1]"))
	})

	It("ignores a blank X-Forwarded-For header", func() {
		req := httptest.NewRequest(http.MethodGet, "/infer", nil)
		req.Header.Set("X-Forwarded-For", "   ")
		req.RemoteAddr = "192.0.2.1:5555"

		Expect(middleware.ExtractClientIP(req)).To(Equal("192.0.2.1"))
	})
})
