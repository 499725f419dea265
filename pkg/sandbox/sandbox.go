// Package sandbox wraps the outbound call to the completion model behind a
// circuit breaker, a per-user rate limiter, tool stripping, token clamping,
// and a hard wall-clock timeout — the boundary past which nothing the model
// does can have an external side effect. See spec.md §4.5.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/gridguard/gridguard/pkg/identity"
)

// Config is the sandbox's tunables, loaded from internal/config.
type Config struct {
	MaxTokens      int
	TimeoutSeconds float64
	MaxRPS         float64
	Model          string
	BaseURL        string
	APIKey         string
}

// Request is one sandboxed completion request.
type Request struct {
	Prompt      string
	Identity    identity.Identity
	AllowTools  bool
	Tools       []openai.ChatCompletionToolUnionParam
	MaxTokens   int // caller-requested cap; clamped to Config.MaxTokens
}

// Result mirrors the original SandboxResult shape.
type Result struct {
	Text            string
	TokensUsed      int
	LatencySeconds  float64
	Truncated       bool
}

// Invoker executes sandboxed completions against an OpenAI-compatible
// endpoint (WithBaseURL points it at vLLM/TGI/Ollama/Azure/etc, exactly as
// the model client it's grounded on was endpoint-agnostic).
type Invoker struct {
	client  openai.Client
	cfg     Config
	breaker *gobreaker.CircuitBreaker[Result]

	mu      sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewInvoker(cfg Config) *Invoker {
	var clientOpts []option.RequestOption
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}

	breaker := gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        "sandbox-model-call",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Invoker{
		client:   openai.NewClient(clientOpts...),
		cfg:      cfg,
		breaker:  breaker,
		limiters: map[string]*rate.Limiter{},
	}
}

// Invoke runs one sandboxed completion for req, enforcing per-user RPS,
// tool stripping, max_tokens clamping, a hard timeout, and output
// truncation when the model reports more tokens than the cap allows.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (Result, error) {
	limiter := inv.limiterFor(req.Identity.ID)
	if !limiter.Allow() {
		return Result{}, fmt.Errorf("sandbox: model rps limit exceeded for %s", req.Identity.ID)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > inv.cfg.MaxTokens {
		maxTokens = inv.cfg.MaxTokens
	}

	tools := req.Tools
	if !req.AllowTools {
		tools = nil
	}

	timeout := time.Duration(inv.cfg.TimeoutSeconds * float64(time.Second))
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := inv.breaker.Execute(func() (Result, error) {
		return inv.call(callCtx, req.Prompt, tools, maxTokens)
	})
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: model call: %w", err)
	}
	result.LatencySeconds = time.Since(start).Seconds()

	if result.TokensUsed > maxTokens {
		ratio := float64(maxTokens) / maxFloat(float64(result.TokensUsed), 1)
		charLimit := int(float64(len(result.Text)) * ratio)
		if charLimit < len(result.Text) {
			result.Text = result.Text[:charLimit]
		}
		result.Truncated = true
	}

	return result, nil
}

func (inv *Invoker) call(ctx context.Context, prompt string, tools []openai.ChatCompletionToolUnionParam, maxTokens int) (Result, error) {
	params := openai.ChatCompletionNewParams{
		Model:     inv.cfg.Model,
		Messages:  []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
		MaxTokens: openai.Int(int64(maxTokens)),
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	completion, err := inv.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Result{}, err
	}
	if len(completion.Choices) == 0 {
		return Result{}, fmt.Errorf("model returned no choices")
	}

	return Result{
		Text:       completion.Choices[0].Message.Content,
		TokensUsed: int(completion.Usage.TotalTokens),
	}, nil
}

func (inv *Invoker) limiterFor(userID string) *rate.Limiter {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	l, ok := inv.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(inv.cfg.MaxRPS), int(maxFloat(inv.cfg.MaxRPS, 1)))
		inv.limiters[userID] = l
	}
	return l
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
