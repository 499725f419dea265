package middleware_test

import (
	"net/http"
	"net/http/httptest"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gridguard/gridguard/pkg/gateway/metrics"
	"github.com/gridguard/gridguard/pkg/gateway/middleware"
)

func gatherCounter(reg *prometheus.Registry, name string) []*dto.Metric {
	families, err := reg.Gather()
	Expect(err).NotTo(HaveOccurred())
	for _, fam := range families {
		if fam.GetName() == name {
			return fam.GetMetric()
		}
	}
	return nil
}

var _ = Describe("HTTPMetrics", func() {
	It("records request duration labeled by path, method and status", func() {
		reg := prometheus.NewRegistry()
		m := metrics.NewMetricsWithRegistry(reg)

		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})

		req := httptest.NewRequest(http.MethodGet, "/status/abc", nil)
		rec := httptest.NewRecorder()

		middleware.HTTPMetrics(m)(next).ServeHTTP(rec, req)

		samples := gatherCounter(reg, "gateway_http_request_duration_seconds")
		Expect(samples).NotTo(BeEmpty())
	})

	It("is a no-op when metrics is nil", func() {
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/status/abc", nil)
		rec := httptest.NewRecorder()

		Expect(func() {
			middleware.HTTPMetrics(nil)(next).ServeHTTP(rec, req)
		}).NotTo(Panic())
		Expect(rec.Code).To(Equal(http.StatusOK))
	})
})

var _ = Describe("InFlightRequests", func() {
	It("increments the gauge while the request is being served and decrements after", func() {
		reg := prometheus.NewRegistry()
		m := metrics.NewMetricsWithRegistry(reg)

		var duringCount float64
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			duringCount = testGaugeValue(m)
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/infer", nil)
		rec := httptest.NewRecorder()

		middleware.InFlightRequests(m)(next).ServeHTTP(rec, req)

		Expect(duringCount).To(Equal(float64(1)))
		Expect(testGaugeValue(m)).To(Equal(float64(0)))
	})

	It("is a no-op when metrics is nil", func() {
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/infer", nil)
		rec := httptest.NewRecorder()

		Expect(func() {
			middleware.InFlightRequests(nil)(next).ServeHTTP(rec, req)
		}).NotTo(Panic())
	})
})

func testGaugeValue(m *metrics.Metrics) float64 {
	var out dto.Metric
	_ = m.RequestsInFlight.Write(&out)
	return out.GetGauge().GetValue()
}
