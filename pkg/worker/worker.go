// Package worker consumes the inference stream and runs each queued
// request through the sandbox and the post-check detector, releasing the
// response or escalating it. See spec.md §4.7.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/gridguard/gridguard/pkg/coordination"
	"github.com/gridguard/gridguard/pkg/detectors/precheck"
	"github.com/gridguard/gridguard/pkg/detectors/postcheck"
	"github.com/gridguard/gridguard/pkg/escalation"
	"github.com/gridguard/gridguard/pkg/governor"
	"github.com/gridguard/gridguard/pkg/identity"
	"github.com/gridguard/gridguard/pkg/sandbox"
)

// riskCanaryThreshold is the decayed risk score above which a released
// response is watermarked with an invisible canary token, so any later
// leak of it can be traced back to this request. 20 on the governor's
// 0-100 scale is the proportional equivalent of the original's 0.2 on a
// 0-1 scale.
const riskCanaryThreshold = 20.0

const postCheckTimeout = 10 * time.Second

// resultTTLSeconds bounds how long a completed or escalated outcome stays
// queryable via /status/{request_id} before it expires from Redis.
const resultTTLSeconds = 24 * 3600

var jobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "gridguard_worker_jobs_processed_total",
	Help: "Inference jobs processed by the worker pool, by outcome.",
}, []string{"result"})

var detectionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "gridguard_worker_detection_duration_seconds",
	Help:    "Combined sandbox-call plus post-check latency per job.",
	Buckets: prometheus.DefBuckets,
})

func init() {
	prometheus.MustRegister(jobsProcessed, detectionLatency)
}

// Config is the worker pool's tunables.
type Config struct {
	ConsumerName string
	BatchSize    int64
	BlockMillis  int64
	Concurrency  int
}

func (c Config) withDefaults() Config {
	if c.ConsumerName == "" {
		c.ConsumerName = "worker"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.BlockMillis <= 0 {
		c.BlockMillis = 5000
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return c
}

// Invoker is the sandbox's public contract from the worker's point of
// view; *sandbox.Invoker satisfies it. A narrow interface here (rather
// than depending on the concrete type) is what lets the worker's tests
// exercise the pipeline without an outbound model call.
type Invoker interface {
	Invoke(ctx context.Context, req sandbox.Request) (sandbox.Result, error)
}

// Pool is a stream-consumer worker pool: it reads batches from the
// inference stream under a shared consumer group and processes each
// message through the sandbox and post-check, acking only on a handled
// outcome (success, flagged, or a detector timeout) — an unhandled panic
// or error leaves the message pending for redelivery.
type Pool struct {
	cfg       Config
	store     coordination.Store
	invoker   Invoker
	postcheck *postcheck.Detector
	escalator *escalation.Escalator
	limiter   governor.Limiter
	log       logr.Logger
}

func NewPool(cfg Config, store coordination.Store, invoker Invoker, postcheckDetector *postcheck.Detector, escalator *escalation.Escalator, limiter governor.Limiter, log logr.Logger) *Pool {
	return &Pool{
		cfg:       cfg.withDefaults(),
		store:     store,
		invoker:   invoker,
		postcheck: postcheckDetector,
		escalator: escalator,
		limiter:   limiter,
		log:       log,
	}
}

// jobFields is the inference-stream message shape enqueued by the gateway.
type jobFields struct {
	RequestID string
	UserID    string
	Input     string
	TrustTier string
	TraceID   string
	Metadata  jobMetadata
}

type jobMetadata struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

func parseFields(fields map[string]string) jobFields {
	meta := jobMetadata{Temperature: 0.7, MaxTokens: 4096}
	if raw := fields["metadata"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &meta)
	}
	return jobFields{
		RequestID: orDefault(fields["request_id"], "unknown"),
		UserID:    orDefault(fields["user_id"], "unknown"),
		Input:     fields["input"],
		TrustTier: orDefault(fields["trust_tier"], "user"),
		TraceID:   fields["trace_id"],
		Metadata:  meta,
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Run blocks, reading batches from the inference stream until ctx is
// canceled. Each batch's messages are processed concurrently up to
// Config.Concurrency, and the pool waits for the in-flight batch to
// finish before reading the next one — so a shutdown signal lets
// in-flight work complete rather than abandoning it mid-message.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool started", "consumer", p.cfg.ConsumerName, "group", coordination.ConsumerGroup)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("worker pool shutting down", "consumer", p.cfg.ConsumerName)
			return nil
		default:
		}

		messages, err := p.store.StreamReadGroup(ctx, coordination.StreamInference, coordination.ConsumerGroup, p.cfg.ConsumerName, p.cfg.BatchSize, p.cfg.BlockMillis)
		if err != nil {
			p.log.Error(err, "stream read failed")
			sleepOrDone(ctx, 5*time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.Concurrency)
		for _, m := range messages {
			m := m
			g.Go(func() error {
				p.handle(gCtx, m)
				return nil
			})
		}
		_ = g.Wait() // handle() never returns an error; failures are logged, not acked
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// handle processes one message end to end. It acks on every outcome the
// pipeline actually decided (released, flagged, or a post-check timeout);
// it leaves the message pending — for redelivery to this or another
// consumer — only when something unexpected happened before a decision
// was reached.
func (p *Pool) handle(ctx context.Context, msg coordination.StreamMessage) {
	job := parseFields(msg.Fields)
	start := time.Now()

	id := identity.Identity{ID: job.UserID, TrustTier: identity.TrustTier(job.TrustTier)}

	result, err := p.invoker.Invoke(ctx, sandbox.Request{
		Prompt:     job.Input,
		Identity:   id,
		AllowTools: false,
		MaxTokens:  job.Metadata.MaxTokens,
	})
	if err != nil {
		p.log.Error(err, "sandbox invocation failed", "requestID", job.RequestID)
		jobsProcessed.WithLabelValues("error").Inc()
		p.writeAuditEvent(ctx, "processing_error", job, "PROCESSING_ERROR", map[string]any{"error": err.Error()})
		return // leave pending: the model call itself never completed
	}

	checkResult := p.runPostCheckWithTimeout(ctx, result.Text, job.Input)
	detectionLatency.Observe(time.Since(start).Seconds())

	if checkResult.Flagged {
		p.log.Info("output flagged", "requestID", job.RequestID, "reasonCode", checkResult.ReasonCode, "severity", checkResult.Severity)
		modelOutput := result.Text
		scores := map[string]float64{}
		if v, ok := checkResult.Evidence["ml_detector"].(map[string]any); ok {
			if s, ok := v["score"].(float64); ok {
				scores["ml_score"] = s
			}
		}
		if _, err := p.escalator.Escalate(ctx, escalation.EscalateParams{
			RequestID:      job.RequestID,
			UserID:         job.UserID,
			TrustTier:      job.TrustTier,
			ReasonCode:     checkResult.ReasonCode,
			Severity:       checkResult.Severity,
			InputText:      job.Input,
			ModelOutput:    &modelOutput,
			DetectorScores: scores,
			TraceID:        job.TraceID,
		}); err != nil {
			p.log.Error(err, "escalation failed", "requestID", job.RequestID)
		}
		p.writeAuditEvent(ctx, "postcheck_flag", job, checkResult.ReasonCode, checkResult.Evidence)
		if err := p.store.PutResult(ctx, job.RequestID, "escalated", checkResult.ReasonCode, resultTTLSeconds); err != nil {
			p.log.Error(err, "failed to record escalated result", "requestID", job.RequestID)
		}
		jobsProcessed.WithLabelValues("flagged").Inc()
		p.ack(ctx, msg.ID)
		return
	}

	responseText := result.Text
	riskScore := 0.0
	if p.limiter != nil {
		riskScore = p.limiter.RiskScore(job.UserID)
	}
	canaried := riskScore > riskCanaryThreshold
	if canaried {
		responseText = precheck.InjectCanary(responseText, 0)
		p.log.Info("safety canary injected", "requestID", job.RequestID, "riskScore", riskScore)
	}

	if _, err := p.store.StreamEnqueue(ctx, coordination.StreamResponse, map[string]string{
		"request_id": job.RequestID,
		"response":   responseText,
		"status":     "completed",
	}); err != nil {
		p.log.Error(err, "response publish failed", "requestID", job.RequestID)
		return // leave pending: the response never reached the response stream
	}
	if err := p.store.PutResult(ctx, job.RequestID, "completed", responseText, resultTTLSeconds); err != nil {
		p.log.Error(err, "failed to record completed result", "requestID", job.RequestID)
	}

	jobsProcessed.WithLabelValues("passed").Inc()
	p.log.Info("output released", "requestID", job.RequestID, "tokensUsed", result.TokensUsed, "canaryInjected", canaried)
	p.ack(ctx, msg.ID)
}

// runPostCheckWithTimeout fails closed: a post-check that doesn't finish
// within postCheckTimeout is treated as flagged, not passed.
func (p *Pool) runPostCheckWithTimeout(ctx context.Context, modelOutput, originalInput string) postcheck.Result {
	checkCtx, cancel := context.WithTimeout(ctx, postCheckTimeout)
	defer cancel()

	type outcome struct {
		result postcheck.Result
	}
	done := make(chan outcome, 1)
	go func() {
		done <- outcome{result: p.postcheck.Check(checkCtx, modelOutput, originalInput)}
	}()

	select {
	case o := <-done:
		return o.result
	case <-checkCtx.Done():
		return postcheck.Result{
			Flagged:    true,
			ReasonCode: "POST_CHECK_TIMEOUT",
			Severity:   "high",
			Evidence:   map[string]any{"error": "timeout_10s_exceeded"},
		}
	}
}

func (p *Pool) ack(ctx context.Context, msgID string) {
	if err := p.store.StreamAck(ctx, coordination.StreamInference, coordination.ConsumerGroup, msgID); err != nil {
		p.log.Error(err, "stream ack failed", "msgID", msgID)
	}
}

func (p *Pool) writeAuditEvent(ctx context.Context, event string, job jobFields, reason string, payload map[string]any) {
	encoded, _ := json.Marshal(payload)
	if _, err := p.store.StreamEnqueue(ctx, coordination.StreamAudit, map[string]string{
		"event":      event,
		"request_id": job.RequestID,
		"user_id":    job.UserID,
		"reason":     reason,
		"payload":    string(encoded),
	}); err != nil {
		p.log.Error(err, "audit stream write failed", "event", event)
	}
}

