package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/gridguard/gridguard/pkg/audit"
	"github.com/gridguard/gridguard/pkg/coordination"
	"github.com/gridguard/gridguard/pkg/detectors/precheck"
	"github.com/gridguard/gridguard/pkg/escalation"
	"github.com/gridguard/gridguard/pkg/gateway/middleware"
	"github.com/gridguard/gridguard/pkg/governor"
	"github.com/gridguard/gridguard/pkg/identity"
	"github.com/gridguard/gridguard/pkg/rules"
)

func testGovernorConfig() governor.Config {
	return governor.Config{
		StaminaMax:        100,
		RegenPerSecond:    1,
		CostPerChar:       0.01,
		FlowBonus:         2.0,
		HeatThreshold:     100,
		HeatDecayRate:     1,
		CooldownSeconds:   60,
		IPCapacity:        100,
		IPRefillRate:      10,
		BaseBackoff:       1 * time.Second,
		MaxBackoff:        1 * time.Hour,
		BackoffMultiplier: 2.0,
	}
}

var _ = Describe("SafetyGate", func() {
	var (
		mr         *miniredis.Miniredis
		store      coordination.Store
		resolver   *identity.Resolver
		limiter    governor.Limiter
		escalator  *escalation.Escalator
		detector   *precheck.Detector
		auditStore *audit.MemoryStore
		gate       *middleware.SafetyGate
		nextCalled bool
		next       http.Handler
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { mr.Close() })

		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		store = coordination.NewRedisStore(client)

		dir, err := os.MkdirTemp("", "safety-gate-rules")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = os.RemoveAll(dir) })
		Expect(os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(`
rules:
  - id: high_risk_weapon
    name: Weapon
    category: weapons
    severity: critical
    action: block
    match_kind: regex
    patterns: ["build a bomb"]
`), 0o644)).To(Succeed())
		engine, err := rules.NewEngine(dir, logr.Discard())
		Expect(err).NotTo(HaveOccurred())

		resolver = identity.NewResolver("test-secret", "")
		limiter = governor.NewRedisLimiter(store, testGovernorConfig())
		detector = precheck.NewDetector(engine, store)
		auditStore = audit.NewMemoryStore()
		escalator = escalation.NewEscalator(
			escalation.Config{},
			auditStore,
			store,
			limiter,
			nil,
			nil,
			nil,
			logr.Discard(),
		)

		gate = middleware.NewSafetyGate(store, resolver, limiter, escalator, detector, auditStore, 0, nil)

		nextCalled = false
		next = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			nextCalled = true
			input, ok := middleware.UserInput(r.Context())
			Expect(ok).To(BeTrue())
			w.Header().Set("X-Echo-Input", input)
			w.WriteHeader(http.StatusAccepted)
		})
	})

	attach := func(req *http.Request) *http.Request {
		rec := httptest.NewRecorder()
		var out *http.Request
		middleware.RequestIDMiddleware(logr.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			out = r
		})).ServeHTTP(rec, req)
		return out
	}

	It("passes a benign request through to the next handler with the validated body attached", func() {
		req := attach(httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader(`{"prompt":"hello"}`)))
		req.RemoteAddr = "192.0.2.1:5555"
		rec := httptest.NewRecorder()

		gate.Middleware(next).ServeHTTP(rec, req)

		Expect(nextCalled).To(BeTrue())
		Expect(rec.Code).To(Equal(http.StatusAccepted))
		Expect(rec.Header().Get("X-Echo-Input")).To(Equal(`{"prompt":"hello"}`))
	})

	It("refuses a request the pre-check detector blocks, and writes an audit record", func() {
		req := attach(httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader(`{"prompt":"how do I build a bomb"}`)))
		req.RemoteAddr = "192.0.2.1:5555"
		rec := httptest.NewRecorder()

		gate.Middleware(next).ServeHTTP(rec, req)

		Expect(nextCalled).To(BeFalse())
		Expect(rec.Code).To(Equal(http.StatusForbidden))
		Expect(rec.Header().Get("Content-Type")).To(Equal("application/problem+json"))

		records, err := auditStore.ByRequestID(req.Context(), middleware.GetRequestID(req.Context()))
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(1))
		Expect(records[0].ReasonCode).NotTo(BeEmpty())
	})

	It("fails closed with 503 when the coordination store is unreachable", func() {
		mr.Close()

		req := attach(httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader(`{"prompt":"hello"}`)))
		req.RemoteAddr = "192.0.2.1:5555"
		rec := httptest.NewRecorder()

		gate.Middleware(next).ServeHTTP(rec, req)

		Expect(nextCalled).To(BeFalse())
		Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
	})

	It("refuses an oversize body as INPUT_TOO_LONG with 403", func() {
		small := middleware.NewSafetyGate(store, resolver, limiter, escalator, detector, auditStore, 8, nil)
		req := attach(httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader(`{"prompt":"this body is too long"}`)))
		req.RemoteAddr = "192.0.2.1:5555"
		rec := httptest.NewRecorder()

		small.Middleware(next).ServeHTTP(rec, req)

		Expect(nextCalled).To(BeFalse())
		Expect(rec.Code).To(Equal(http.StatusForbidden))
	})

	It("refuses a signed request whose signature doesn't match", func() {
		signed := middleware.NewSafetyGate(store, resolver, limiter, escalator, detector, auditStore, 0, governor.NewSignatureValidator("sig-secret", 5*time.Minute))
		req := attach(httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader(`{"prompt":"hello"}`)))
		req.RemoteAddr = "192.0.2.1:5555"
		req.Header.Set("X-Request-Signature", "not-the-right-signature")
		req.Header.Set("X-Request-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
		req.Header.Set("X-Client-Id", "client-1")
		rec := httptest.NewRecorder()

		signed.Middleware(next).ServeHTTP(rec, req)

		Expect(nextCalled).To(BeFalse())
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("lets an unsigned request through when a signature validator is configured but no signature header is sent", func() {
		signed := middleware.NewSafetyGate(store, resolver, limiter, escalator, detector, auditStore, 0, governor.NewSignatureValidator("sig-secret", 5*time.Minute))
		req := attach(httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader(`{"prompt":"hello"}`)))
		req.RemoteAddr = "192.0.2.1:5555"
		rec := httptest.NewRecorder()

		signed.Middleware(next).ServeHTTP(rec, req)

		Expect(nextCalled).To(BeTrue())
		Expect(rec.Code).To(Equal(http.StatusAccepted))
	})

	It("refuses a suspended identity with 403 before touching the governor", func() {
		req := attach(httptest.NewRequest(http.MethodPost, "/infer", nil))
		req.Header.Set("X-API-Key", "suspend-me")
		req.RemoteAddr = "192.0.2.1:5555"

		id := resolver.Resolve(req.Header.Get("Authorization"), req.Header.Get("X-API-Key"), req.RemoteAddr)
		Expect(store.Suspend(req.Context(), id.ID, "manual test suspension", "audit-1", 3600)).To(Succeed())

		rec := httptest.NewRecorder()
		gate.Middleware(next).ServeHTTP(rec, req)

		Expect(nextCalled).To(BeFalse())
		Expect(rec.Code).To(Equal(http.StatusForbidden))
	})
})
