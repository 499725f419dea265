// Package escalation routes a flagged request to a human reviewer: it
// writes the audit record, notifies Slack (and PagerDuty for high/critical
// severity), auto-suspends the user when the policy says so, detects
// systematic misuse across a sliding window, and exposes the
// approve/block API a reviewer's decision comes back through. See
// spec.md §4.8.
package escalation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridguard/gridguard/pkg/audit"
	"github.com/gridguard/gridguard/pkg/coordination"
	"github.com/gridguard/gridguard/pkg/governor"
)

var (
	escalationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridguard_escalations_total",
		Help: "Escalated requests, by severity.",
	}, []string{"severity"})
	falsePositivesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridguard_false_positives_total",
		Help: "Escalations a reviewer approved, by reason code.",
	}, []string{"reason_code"})
	resolutionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gridguard_escalation_resolution_seconds",
		Help:    "Time between an escalation being written and a reviewer resolving it.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})
)

func init() {
	prometheus.MustRegister(escalationsTotal, falsePositivesTotal, resolutionLatency)
}

// resultTTLSeconds bounds how long an approved outcome stays queryable via
// /status/{request_id} before it expires from Redis, matching the worker
// pool's own result TTL.
const resultTTLSeconds = 24 * 3600

// Config holds the escalation handler's tunables.
type Config struct {
	AutoSuspendSeverity string // default "high"
	MisuseWindowSeconds int64  // default 3600
	MisuseThreshold     int64  // default 5
	SuspensionTTLSeconds int64 // default 86400
}

func (c Config) withDefaults() Config {
	if c.AutoSuspendSeverity == "" {
		c.AutoSuspendSeverity = "high"
	}
	if c.MisuseWindowSeconds == 0 {
		c.MisuseWindowSeconds = 3600
	}
	if c.MisuseThreshold == 0 {
		c.MisuseThreshold = 5
	}
	if c.SuspensionTTLSeconds == 0 {
		c.SuspensionTTLSeconds = 86400
	}
	return c
}

// EscalateParams mirrors the original handler's escalate() keyword
// arguments.
type EscalateParams struct {
	RequestID      string
	UserID         string
	TrustTier      string
	ReasonCode     string
	Severity       string
	InputText      string
	ModelOutput    *string
	DetectorScores map[string]float64
	TraceID        string
}

// notifier is satisfied by both SlackNotifier and IncidentNotifier.
type notifier interface {
	Notify(ctx context.Context, e EscalateParams, auditID string) error
}

// Escalator composes the audit store, the coordination store, the
// notification sinks, the auto-suspend/tightening policy, and the
// governor (so systematic misuse can actually tighten the offending
// user's rate limits, not just log that it should).
type Escalator struct {
	cfg       Config
	auditStore audit.Store
	coord     coordination.Store
	limiter   governor.Limiter
	policy    Policy
	slack     notifier
	incident  notifier
	log       logr.Logger
}

func NewEscalator(cfg Config, auditStore audit.Store, coord coordination.Store, limiter governor.Limiter, policy Policy, slack, incident notifier, log logr.Logger) *Escalator {
	if policy == nil {
		policy = defaultPolicy{autoSuspendSeverity: cfg.withDefaults().AutoSuspendSeverity, misuseThreshold: cfg.withDefaults().MisuseThreshold}
	}
	return &Escalator{
		cfg:        cfg.withDefaults(),
		auditStore: auditStore,
		coord:      coord,
		limiter:    limiter,
		policy:     policy,
		slack:      slack,
		incident:   incident,
		log:        log,
	}
}

// Escalate runs the full escalation sequence and returns the new audit
// record's ID. Steps 2 (notify) through 6 (misuse check, audit stream)
// proceed even if step 1 (the audit DB write) fails — degraded telemetry
// is better than a silently dropped escalation.
func (e *Escalator) Escalate(ctx context.Context, p EscalateParams) (string, error) {
	traceID := p.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	severity := audit.Severity(p.Severity)
	if !severity.Valid() {
		severity = audit.SeverityMedium
	}
	tier := audit.TrustTier(p.TrustTier)

	record := &audit.Record{
		RequestID:      p.RequestID,
		UserID:         p.UserID,
		TrustTier:      tier,
		Input:          p.InputText,
		ModelOutput:    p.ModelOutput,
		DetectorScores: p.DetectorScores,
		ReasonCode:     p.ReasonCode,
		Severity:       severity,
		Status:         audit.StatusEscalated,
		CreatedAt:      time.Now(),
		TraceID:        traceID,
	}

	auditID, err := e.auditStore.Insert(ctx, record)
	if err != nil {
		e.log.Error(err, "audit record write failed", "requestID", p.RequestID)
		auditID = uuid.NewString() // still surfaced to notifications and the stream
	} else {
		e.log.Info("audit record created", "auditID", auditID, "reasonCode", p.ReasonCode)
	}

	escalationsTotal.WithLabelValues(p.Severity).Inc()

	if e.slack != nil {
		if err := e.slack.Notify(ctx, p, auditID); err != nil {
			e.log.Error(err, "slack notification failed", "auditID", auditID)
		}
	}
	if severityGTE(p.Severity, "high") && e.incident != nil {
		if err := e.incident.Notify(ctx, p, auditID); err != nil {
			e.log.Error(err, "incident notification failed", "auditID", auditID)
		}
	}

	misuseCount, err := e.coord.MisuseWindow(ctx, p.UserID, nowUnix(), e.cfg.MisuseWindowSeconds)
	if err != nil {
		e.log.Error(err, "misuse window check failed", "userID", p.UserID)
	}

	decision, err := e.policy.Decide(ctx, PolicyInput{Severity: p.Severity, TrustTier: p.TrustTier, MisuseCount: misuseCount})
	if err != nil {
		e.log.Error(err, "escalation policy evaluation failed, falling back to auto-suspend threshold")
		decision = PolicyDecision{AutoSuspend: severityGTE(p.Severity, e.cfg.AutoSuspendSeverity), TightenFactor: 1.0}
	}

	if decision.AutoSuspend {
		e.suspend(ctx, p.UserID, auditID, p.ReasonCode)
	}

	if misuseCount >= e.cfg.MisuseThreshold {
		e.log.Info("systematic misuse detected", "userID", p.UserID, "count", misuseCount, "windowSeconds", e.cfg.MisuseWindowSeconds)
		if e.limiter != nil {
			e.limiter.Tighten(p.UserID, decision.TightenFactor)
		}
		e.suspend(ctx, p.UserID, "misuse-auto", "SYSTEMATIC_MISUSE")
		if _, err := e.coord.StreamEnqueue(ctx, coordination.StreamAudit, map[string]string{
			"event":            "systematic_misuse",
			"user_id":          p.UserID,
			"escalation_count": fmt.Sprintf("%d", misuseCount),
		}); err != nil {
			e.log.Error(err, "misuse audit stream write failed")
		}
	}

	if _, err := e.coord.StreamEnqueue(ctx, coordination.StreamAudit, map[string]string{
		"event":      "escalation",
		"request_id": p.RequestID,
		"user_id":    p.UserID,
		"reason":     p.ReasonCode,
		"severity":   p.Severity,
		"audit_id":   auditID,
	}); err != nil {
		e.log.Error(err, "audit stream write failed", "auditID", auditID)
	}

	return auditID, nil
}

func (e *Escalator) suspend(ctx context.Context, userID, auditID, reason string) {
	if err := e.coord.Suspend(ctx, userID, reason, auditID, e.cfg.SuspensionTTLSeconds); err != nil {
		e.log.Error(err, "user suspension failed", "userID", userID)
		return
	}
	e.log.Info("user suspended", "userID", userID, "auditID", auditID, "reason", reason)
}

// Approve records a reviewer's decision on an escalated request. "approve"
// releases the stored model output to the response stream and counts a
// false positive; "block" adds the offending input to the dynamic
// blocklist. Returns false (not an error) when no matching escalated
// record exists, matching the original's not-found-is-a-no-op contract.
func (e *Escalator) Approve(ctx context.Context, requestID, decision, reviewerID, notes string) (bool, error) {
	records, err := e.auditStore.ByRequestID(ctx, requestID)
	if err != nil {
		return false, fmt.Errorf("escalation: lookup request %s: %w", requestID, err)
	}

	var record *audit.Record
	for _, r := range records {
		if r.Status == audit.StatusEscalated {
			record = r
			break
		}
	}
	if record == nil {
		e.log.Info("approve: no escalated record found", "requestID", requestID)
		return false, nil
	}

	if err := e.auditStore.Resolve(ctx, record.ID, audit.Resolution{
		ReviewerID: reviewerID,
		Notes:      fmt.Sprintf("[%s] %s", decision, notes),
		ResolvedAt: time.Now(),
	}); err != nil {
		return false, fmt.Errorf("escalation: resolve %s: %w", record.ID, err)
	}
	resolutionLatency.Observe(time.Since(record.CreatedAt).Seconds())

	switch decision {
	case "approve":
		if record.ModelOutput != nil {
			if _, err := e.coord.StreamEnqueue(ctx, coordination.StreamResponse, map[string]string{
				"request_id": requestID,
				"response":   *record.ModelOutput,
				"status":     "approved",
			}); err != nil {
				e.log.Error(err, "response release failed", "requestID", requestID)
			}
			if err := e.coord.PutResult(ctx, requestID, "approved", *record.ModelOutput, resultTTLSeconds); err != nil {
				e.log.Error(err, "failed to record approved result", "requestID", requestID)
			}
		}
		falsePositivesTotal.WithLabelValues(record.ReasonCode).Inc()
		e.log.Info("escalation approved", "requestID", requestID, "reviewerID", reviewerID)

	case "block":
		if err := e.coord.BlocklistAdd(ctx, strings.ToLower(strings.TrimSpace(record.Input))); err != nil {
			e.log.Error(err, "blocklist update failed", "requestID", requestID)
		}
		e.log.Info("escalation blocked", "requestID", requestID, "reviewerID", reviewerID)
	}

	return true, nil
}

// IsUserSuspended reports whether a user is currently suspended.
// Fail-closed: if the coordination store can't be reached, the user is
// treated as suspended (security audit 2026-02-07 fixed a prior fail-open
// bug here — see DESIGN.md).
func (e *Escalator) IsUserSuspended(ctx context.Context, userID string) (bool, string) {
	suspended, reason, err := e.coord.IsSuspended(ctx, userID)
	if err != nil {
		e.log.Error(err, "suspension check failed", "userID", userID)
		return true, "SUSPENSION_CHECK_UNAVAILABLE"
	}
	return suspended, reason
}

func nowUnix() float64 {
	return float64(time.Now().Unix())
}
