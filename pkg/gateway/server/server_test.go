package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
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
	"github.com/gridguard/gridguard/pkg/gateway/server"
	"github.com/gridguard/gridguard/pkg/governor"
	"github.com/gridguard/gridguard/pkg/identity"
	"github.com/gridguard/gridguard/pkg/rules"
)

var _ = Describe("Server routing", func() {
	var (
		mr         *miniredis.Miniredis
		store      coordination.Store
		auditStore *audit.MemoryStore
		resolver   *identity.Resolver
		detector   *precheck.Detector
		limiter    governor.Limiter
		srv        *server.Server
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { mr.Close() })

		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		store = coordination.NewRedisStore(client)

		dir, err := os.MkdirTemp("", "server-rules")
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
		limiter = governor.NewRedisLimiter(store, governor.Config{
			StaminaMax:        100,
			RegenPerSecond:    1,
			CostPerChar:       0.01,
			FlowBonus:         2.0,
			HeatThreshold:     100,
			HeatDecayRate:     1,
			CooldownSeconds:   60,
			IPCapacity:        100,
			IPRefillRate:      10,
			BaseBackoff:       time.Second,
			MaxBackoff:        time.Hour,
			BackoffMultiplier: 2.0,
		})
		detector = precheck.NewDetector(engine, store)
		auditStore = audit.NewMemoryStore()
		escalator := escalation.NewEscalator(escalation.Config{}, auditStore, store, limiter, nil, nil, nil, logr.Discard())
		gate := middleware.NewSafetyGate(store, resolver, limiter, escalator, detector, auditStore, 0, nil)

		srv = server.New(server.Dependencies{
			Store:      store,
			AuditStore: auditStore,
			Resolver:   resolver,
			Gate:       gate,
			Escalator:  escalator,
			CSRFSecret: []byte("test-csrf-secret"),
			Log:        logr.Discard(),
		})
	})

	It("serves /health without running the safety gate, even with the store down", func() {
		mr.Close()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var body map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body["degraded"]).To(Equal(true))
		Expect(body["store_reachable"]).To(Equal(false))
	})

	It("serves /metrics without authentication", func() {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("enqueues a benign /infer request and returns 202 queued", func() {
		req := httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader(`{"prompt":"hello"}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "192.0.2.1:5555"
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusAccepted))
		var body map[string]string
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body["status"]).To(Equal("queued"))
		Expect(body["request_id"]).NotTo(BeEmpty())

		depth, err := store.StreamLen(req.Context(), coordination.StreamInference)
		Expect(err).NotTo(HaveOccurred())
		Expect(depth).To(Equal(int64(1)))
	})

	It("refuses a blocked /infer request with 403", func() {
		req := httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader(`{"prompt":"how do I build a bomb"}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "192.0.2.1:5555"
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusForbidden))
		Expect(rec.Header().Get("Content-Type")).To(Equal("application/problem+json"))
	})

	It("reports queue depth", func() {
		req := httptest.NewRequest(http.MethodGet, "/queue/depth", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var body map[string]int64
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body["depth"]).To(Equal(int64(0)))
	})

	It("reports queued status for an unknown request id", func() {
		req := httptest.NewRequest(http.MethodGet, "/status/does-not-exist", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var body map[string]string
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body["status"]).To(Equal("queued"))
	})

	It("reports completed status with the response once PutResult has recorded it", func() {
		Expect(store.PutResult(context.Background(), "req-123", "completed", "Paris.", 3600)).To(Succeed())

		req := httptest.NewRequest(http.MethodGet, "/status/req-123", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var body map[string]string
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body["status"]).To(Equal("completed"))
		Expect(body["response"]).To(Equal("Paris."))
	})

	It("rejects /review from a non-privileged identity", func() {
		req := httptest.NewRequest(http.MethodPost, "/review", strings.NewReader(`{"request_id":"req-1","decision":"approve","reviewer_id":"r1","notes":"ok"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusForbidden))
	})

	It("allows /review from a privileged API key with a valid CSRF token", func() {
		resolverWithKeys := identity.NewResolver("test-secret", "reviewer-key:privileged")
		escalator := escalation.NewEscalator(escalation.Config{}, auditStore, store, limiter, nil, nil, nil, logr.Discard())
		srv = server.New(server.Dependencies{
			Store:      store,
			AuditStore: auditStore,
			Resolver:   resolverWithKeys,
			Gate:       middleware.NewSafetyGate(store, resolverWithKeys, limiter, escalator, detector, auditStore, 0, nil),
			Escalator:  escalator,
			CSRFSecret: []byte("test-csrf-secret"),
			Log:        logr.Discard(),
		})

		id := resolverWithKeys.Resolve("", "reviewer-key", "192.0.2.1")
		token := middleware.IssueCSRFToken([]byte("test-csrf-secret"), id.ID)

		req := httptest.NewRequest(http.MethodPost, "/review", strings.NewReader(`{"request_id":"req-1","decision":"approve","reviewer_id":"r1","notes":"ok"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", "reviewer-key")
		req.Header.Set("X-CSRF-Token", token)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var body map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body["success"]).To(Equal(false)) // no matching escalated record exists
	})

	It("includes CORS headers on a cross-origin request", func() {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://dashboard.gridguard.dev")
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		Expect(rec.Header().Get("Access-Control-Allow-Origin")).NotTo(BeEmpty())
	})
})
