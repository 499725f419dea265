package middleware_test

import (
	"net/http"
	"net/http/httptest"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gridguard/gridguard/pkg/gateway/middleware"
)

var _ = Describe("RequestIDMiddleware", func() {
	var captured string

	next := func() http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = middleware.GetRequestID(r.Context())
			log := middleware.GetLogger(r.Context())
			Expect(log).NotTo(BeNil())
			w.WriteHeader(http.StatusOK)
		})
	}

	It("assigns a request id, echoes it in the response header, and attaches it to the context", func() {
		handler := middleware.RequestIDMiddleware(logr.Discard())(next())

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		Expect(rec.Header().Get("X-Request-ID")).NotTo(BeEmpty())
		Expect(captured).To(Equal(rec.Header().Get("X-Request-ID")))
	})

	It("assigns a distinct request id per request", func() {
		handler := middleware.RequestIDMiddleware(logr.Discard())(next())

		req1 := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec1 := httptest.NewRecorder()
		handler.ServeHTTP(rec1, req1)

		req2 := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec2 := httptest.NewRecorder()
		handler.ServeHTTP(rec2, req2)

		Expect(rec1.Header().Get("X-Request-ID")).NotTo(Equal(rec2.Header().Get("X-Request-ID")))
	})

	It("falls back to \"unknown\" and a discard logger when the middleware was never applied", func() {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		Expect(middleware.GetRequestID(req.Context())).To(Equal("unknown"))
		Expect(middleware.GetLogger(req.Context())).To(Equal(logr.Discard()))
	})
})
