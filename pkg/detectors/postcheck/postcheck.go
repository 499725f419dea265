// Package postcheck runs the safety gate on model output after inference:
// output heuristics first, then an optional ML classifier, then an optional
// input/output coherence cross-check. See spec.md §4.6.
package postcheck

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
)

var postcheckLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "gridguard_postcheck_duration_seconds",
	Help:    "Latency of the post-inference safety check.",
	Buckets: prometheus.DefBuckets,
})

func init() {
	prometheus.MustRegister(postcheckLatency)
}

// mlFlagThreshold is the score at or above which the classifier's verdict flags
// the output. The coherence cross-check uses 80% of this threshold, since
// it is looking for output that merely trends unsafe relative to a safe
// input, not output that clears the bar on its own.
const mlFlagThreshold = 0.65

// severityByReason mirrors the reason-code -> severity table the rest of
// the gate uses for escalation routing.
var severityByReason = map[string]string{
	"HIGH_RISK_WEAPON":        "critical",
	"HIGH_RISK_CHEM_WEAPON":   "critical",
	"HIGH_RISK_BIO":           "critical",
	"CSAM_BLOCK":              "critical",
	"HIGH_RISK_SELF_HARM":     "high",
	"HIGH_RISK_CYBER":         "high",
	"HIGH_RISK_MANIPULATION":  "high",
	"HIGH_RISK_DRUGS":         "high",
	"EXPLOIT_JAILBREAK":       "medium",
	"DYNAMIC_BLOCKLIST":       "medium",
	"DETECTOR_ERROR":          "high",
	"HEURISTIC_OUTPUT_UNSAFE": "medium",
}

type outputPattern struct {
	re   *regexp.Regexp
	code string
}

// outputBlockPatterns are things the model should never emit, regardless of
// what was asked for: synthesis instructions, malware scaffolding, and
// leaked PII.
var outputBlockPatterns = []outputPattern{
	{
		re:   regexp.MustCompile(`(?is)step\s+\d+[:.].*?(mix|combine|heat|dissolve|react)\s.*?(nitro|ammonium|sulfur|phosph|chlor|acid|base)`),
		code: "HIGH_RISK_CHEM_WEAPON",
	},
	{
		re:   regexp.MustCompile(`(?is)import\s+(socket|subprocess|ctypes|winreg).*?(reverse.shell|keylog|encrypt.*?ransom|exfiltrat)`),
		code: "HIGH_RISK_CYBER",
	},
	{
		re:   regexp.MustCompile(`(?i)\b\d{3}[-.\s]?\d{2}[-.\s]?\d{4}\b`),
		code: "PII_LEAKAGE",
	},
	{
		re:   regexp.MustCompile(`(?is)\b[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}\b.*?password\s*[:=]`),
		code: "PII_LEAKAGE",
	},
}

// Result is the outcome of one post-check pass. If Flagged, the output
// must not be returned to the caller.
type Result struct {
	Flagged    bool
	ReasonCode string
	Severity   string
	Evidence   map[string]any
}

func severityFor(code string) string {
	if s, ok := severityByReason[code]; ok {
		return s
	}
	return "medium"
}

// Detector runs the post-inference gate. Classifier is optional: a nil
// Classifier skips steps 2 and 3 entirely (Open Question: no classifier
// configured means skipped, not flagged — under-detection from a missing
// component is a deployment gap, not a reason to fail closed on every
// response).
type Detector struct {
	classifier Classifier
	log        logr.Logger
}

func NewDetector(classifier Classifier, log logr.Logger) *Detector {
	return &Detector{classifier: classifier, log: log}
}

// Check runs the post-check order: heuristic patterns (first match wins),
// then ML classification, then an optional input/output coherence
// cross-check when originalInput is non-empty. Any error from the
// classifier fails closed to DETECTOR_ERROR/high, never to SAFE.
func (d *Detector) Check(ctx context.Context, modelOutput, originalInput string) Result {
	start := time.Now()
	defer func() { postcheckLatency.Observe(time.Since(start).Seconds()) }()

	if isBlank(modelOutput) {
		return Result{Flagged: false, ReasonCode: "SAFE", Severity: "low"}
	}

	evidence := map[string]any{}

	for _, p := range outputBlockPatterns {
		loc := p.re.FindStringIndex(modelOutput)
		if loc == nil {
			continue
		}
		severity := severityFor(p.code)
		evidence["heuristic_match"] = map[string]any{
			"pattern": p.code,
			"snippet": snippet(modelOutput, loc[0], loc[1]),
		}
		d.log.Info("postcheck heuristic flag", "reasonCode", p.code, "severity", severity)
		return Result{Flagged: true, ReasonCode: p.code, Severity: severity, Evidence: evidence}
	}

	if d.classifier == nil {
		return Result{Flagged: false, ReasonCode: "SAFE", Severity: "low", Evidence: evidence}
	}

	mlResult, err := d.classifier.Classify(ctx, modelOutput)
	if err != nil {
		d.log.Error(err, "postcheck classifier error")
		return Result{
			Flagged:    true,
			ReasonCode: "DETECTOR_ERROR",
			Severity:   "high",
			Evidence:   map[string]any{"error": err.Error()},
		}
	}
	evidence["ml_detector"] = map[string]any{
		"score":      mlResult.Score,
		"label":      mlResult.Label,
		"confidence": mlResult.Confidence,
		"method":     mlResult.Method,
	}

	if mlResult.Label != "SAFE" && mlResult.Score >= mlFlagThreshold {
		severity := severityFor(mlResult.Label)
		d.log.Info("postcheck ml flag", "reasonCode", mlResult.Label, "score", mlResult.Score, "severity", severity)
		return Result{Flagged: true, ReasonCode: mlResult.Label, Severity: severity, Evidence: evidence}
	}

	if !isBlank(originalInput) {
		inputResult, err := d.classifier.Classify(ctx, originalInput)
		if err != nil {
			d.log.Error(err, "postcheck classifier error on input coherence check")
			return Result{
				Flagged:    true,
				ReasonCode: "DETECTOR_ERROR",
				Severity:   "high",
				Evidence:   map[string]any{"error": err.Error()},
			}
		}
		evidence["input_ml_detector"] = map[string]any{
			"score":      inputResult.Score,
			"label":      inputResult.Label,
			"confidence": inputResult.Confidence,
		}
		if inputResult.Label == "SAFE" && mlResult.Score >= mlFlagThreshold*0.8 && mlResult.Label != "SAFE" {
			d.log.Info("postcheck coherence flag", "inputLabel", inputResult.Label, "outputLabel", mlResult.Label, "outputScore", mlResult.Score)
			return Result{Flagged: true, ReasonCode: "OUTPUT_COHERENCE_MISMATCH", Severity: "medium", Evidence: evidence}
		}
	}

	return Result{Flagged: false, ReasonCode: "SAFE", Severity: "low", Evidence: evidence}
}

func snippet(s string, start, end int) string {
	lo := start - 50
	if lo < 0 {
		lo = 0
	}
	hi := end + 50
	if hi > len(s) {
		hi = len(s)
	}
	return s[lo:hi]
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
