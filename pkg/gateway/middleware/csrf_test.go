package middleware_test

import (
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gridguard/gridguard/pkg/gateway/middleware"
)

var _ = Describe("CSRF", func() {
	var (
		next   http.Handler
		secret []byte
	)

	BeforeEach(func() {
		secret = []byte("test-secret")
		next = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	It("allows GET requests without a token", func() {
		req := httptest.NewRequest(http.MethodGet, "/review", nil)
		rec := httptest.NewRecorder()

		middleware.CSRF(secret)(next).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("allows exempt paths without a token even on POST", func() {
		req := httptest.NewRequest(http.MethodPost, "/infer", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		rec := httptest.NewRecorder()

		middleware.CSRF(secret)(next).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("rejects a state-changing request on a protected path with no token", func() {
		req := httptest.NewRequest(http.MethodPost, "/review", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		rec := httptest.NewRecorder()

		middleware.CSRF(secret)(next).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("rejects an invalid token", func() {
		req := httptest.NewRequest(http.MethodPost, "/review", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		req.Header.Set("X-CSRF-Token", "garbage")
		rec := httptest.NewRecorder()

		middleware.CSRF(secret)(next).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("accepts a token issued for the same session", func() {
		req := httptest.NewRequest(http.MethodPost, "/review", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		token := middleware.IssueCSRFToken(secret, "192.0.2.1")
		req.Header.Set("X-CSRF-Token", token)
		rec := httptest.NewRecorder()

		middleware.CSRF(secret)(next).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("rejects a token issued for a different session", func() {
		req := httptest.NewRequest(http.MethodPost, "/review", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		token := middleware.IssueCSRFToken(secret, "198.51.100.2")
		req.Header.Set("X-CSRF-Token", token)
		rec := httptest.NewRecorder()

		middleware.CSRF(secret)(next).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("rejects a token signed with a different secret", func() {
		req := httptest.NewRequest(http.MethodPost, "/review", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		token := middleware.IssueCSRFToken([]byte("wrong-secret"), "192.0.2.1")
		req.Header.Set("X-CSRF-Token", token)
		rec := httptest.NewRecorder()

		middleware.CSRF(secret)(next).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})
})
