package escalation

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// severityOrder gives severity strings a total order for threshold
// comparison, mirroring the original's _SEVERITY_ORDER table.
var severityOrder = map[string]int{
	"low":      0,
	"medium":   1,
	"high":     2,
	"critical": 3,
}

func severityGTE(a, b string) bool {
	return severityOrder[a] >= severityOrder[b]
}

// PolicyInput is what the auto-suspend/tightening policy decides against.
type PolicyInput struct {
	Severity    string `json:"severity"`
	TrustTier   string `json:"trust_tier"`
	MisuseCount int64  `json:"misuse_count"`
}

// PolicyDecision is what the policy decides: whether this escalation alone
// should auto-suspend the user, and what factor (if any) systematic misuse
// should tighten their rate limits to.
type PolicyDecision struct {
	AutoSuspend   bool
	TightenFactor float64 // 1.0 means "no change"
}

// Policy decides auto-suspend and misuse-tightening outcomes. OPAPolicy is
// the production implementation; defaultPolicy is the fixed-threshold
// fallback used when no policy bundle is configured.
type Policy interface {
	Decide(ctx context.Context, in PolicyInput) (PolicyDecision, error)
}

// defaultPolicy hardcodes the original's two thresholds: auto-suspend at
// severity >= high, and tighten to a quarter capacity on misuse.
type defaultPolicy struct {
	autoSuspendSeverity string
	misuseThreshold     int64
}

func (p defaultPolicy) Decide(_ context.Context, in PolicyInput) (PolicyDecision, error) {
	decision := PolicyDecision{TightenFactor: 1.0}
	if severityGTE(in.Severity, p.autoSuspendSeverity) {
		decision.AutoSuspend = true
	}
	if in.MisuseCount >= p.misuseThreshold {
		decision.TightenFactor = 0.25
	}
	return decision, nil
}

// OPAPolicy evaluates the auto-suspend/tightening decision against a rego
// bundle, letting operators change escalation thresholds (e.g. per trust
// tier) without a binary rebuild.
type OPAPolicy struct {
	compiled rego.PreparedEvalQuery
}

// NewOPAPolicy compiles query against the given rego modules (source text
// keyed by module name) into a prepared query.
func NewOPAPolicy(ctx context.Context, query string, modules map[string]string) (*OPAPolicy, error) {
	opts := []func(*rego.Rego){rego.Query(query)}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("escalation: compile policy: %w", err)
	}
	return &OPAPolicy{compiled: compiled}, nil
}

func (p *OPAPolicy) Decide(ctx context.Context, in PolicyInput) (PolicyDecision, error) {
	input := map[string]any{
		"severity":     in.Severity,
		"trust_tier":   in.TrustTier,
		"misuse_count": in.MisuseCount,
	}

	results, err := p.compiled.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return PolicyDecision{}, fmt.Errorf("escalation: evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return PolicyDecision{}, fmt.Errorf("escalation: policy returned no result")
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return PolicyDecision{}, fmt.Errorf("escalation: policy result is not an object")
	}

	decision := PolicyDecision{TightenFactor: 1.0}
	if v, ok := obj["auto_suspend"].(bool); ok {
		decision.AutoSuspend = v
	}
	if v, ok := obj["tighten_factor"].(float64); ok {
		decision.TightenFactor = v
	}
	return decision, nil
}
