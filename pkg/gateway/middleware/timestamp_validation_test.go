package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gridguard/gridguard/pkg/gateway/middleware"
)

var _ = Describe("TimestampValidator", func() {
	var next http.Handler

	BeforeEach(func() {
		next = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	handler := func() http.Handler {
		return middleware.TimestampValidator(5 * time.Minute)(next)
	}

	It("allows a request with no X-Timestamp header", func() {
		req := httptest.NewRequest(http.MethodPost, "/submit", nil)
		rec := httptest.NewRecorder()

		handler().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("allows a timestamp within tolerance", func() {
		req := httptest.NewRequest(http.MethodPost, "/submit", nil)
		req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
		rec := httptest.NewRecorder()

		handler().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("rejects a non-numeric timestamp", func() {
		req := httptest.NewRequest(http.MethodPost, "/submit", nil)
		req.Header.Set("X-Timestamp", "not-a-number")
		rec := httptest.NewRecorder()

		handler().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("rejects a negative timestamp", func() {
		req := httptest.NewRequest(http.MethodPost, "/submit", nil)
		req.Header.Set("X-Timestamp", "-5")
		rec := httptest.NewRecorder()

		handler().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("rejects a timestamp older than the tolerance window", func() {
		req := httptest.NewRequest(http.MethodPost, "/submit", nil)
		old := time.Now().Add(-10 * time.Minute)
		req.Header.Set("X-Timestamp", strconv.FormatInt(old.Unix(), 10))
		rec := httptest.NewRecorder()

		handler().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("rejects a timestamp further in the future than the tolerance window", func() {
		req := httptest.NewRequest(http.MethodPost, "/submit", nil)
		future := time.Now().Add(10 * time.Minute)
		req.Header.Set("X-Timestamp", strconv.FormatInt(future.Unix(), 10))
		rec := httptest.NewRecorder()

		handler().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})
})
