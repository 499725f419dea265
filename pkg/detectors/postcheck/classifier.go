package postcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DetectionResult is the ML classifier's verdict on one piece of text.
type DetectionResult struct {
	Score      float64 // 0.0 (safe) to 1.0 (unsafe)
	Label      string  // a reason code, or "SAFE"
	Confidence float64
	Method     string // "classifier" identifies the backend that produced this
}

// Classifier scores a piece of text for safety. A nil Classifier is a
// valid configuration: the post-check gate treats it as "not configured"
// and skips the steps that depend on it, rather than failing closed.
type Classifier interface {
	Classify(ctx context.Context, text string) (DetectionResult, error)
}

// knownLabels bounds what the model is allowed to answer with, mirroring
// the fixed exemplar categories the original's cosine-similarity fallback
// classified against.
var knownLabels = []string{
	"SAFE",
	"HIGH_RISK_WEAPON",
	"HIGH_RISK_CHEM_WEAPON",
	"HIGH_RISK_BIO",
	"HIGH_RISK_CYBER",
	"CSAM_BLOCK",
	"HIGH_RISK_SELF_HARM",
	"HIGH_RISK_MANIPULATION",
	"HIGH_RISK_DRUGS",
}

// AnthropicClassifier uses a Claude model as the safety classifier backend,
// in place of the sentence-transformer embedding + sklearn classifier the
// gate was originally built on — there is no Go-ecosystem equivalent to
// either in this pack. The model is instructed to return strict JSON so the
// response can be parsed without a general-purpose LLM output parser.
type AnthropicClassifier struct {
	client anthropic.Client
	model  anthropic.Model
}

func NewAnthropicClassifier(apiKey string, model anthropic.Model) *AnthropicClassifier {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicClassifier{client: anthropic.NewClient(opts...), model: model}
}

func (c *AnthropicClassifier) Classify(ctx context.Context, text string) (DetectionResult, error) {
	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(classificationPrompt(text))),
		},
	})
	if err != nil {
		return DetectionResult{}, fmt.Errorf("postcheck: anthropic classify: %w", err)
	}
	if len(message.Content) == 0 {
		return DetectionResult{}, fmt.Errorf("postcheck: anthropic classify: empty response")
	}

	return parseClassification(message.Content[0].Text)
}

func classificationPrompt(text string) string {
	var b strings.Builder
	b.WriteString("Classify the following text for safety. Respond with only a JSON object of the form ")
	b.WriteString(`{"label": "<one of `)
	b.WriteString(strings.Join(knownLabels, ", "))
	b.WriteString(`>", "score": <0.0-1.0 unsafe likelihood>, "confidence": <0.0-1.0>}. `)
	b.WriteString("Text follows between the markers.\n<<<TEXT>>>\n")
	b.WriteString(text)
	b.WriteString("\n<<<END>>>")
	return b.String()
}

type classificationResponse struct {
	Label      string  `json:"label"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

func parseClassification(raw string) (DetectionResult, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < 0 || end < start {
		return DetectionResult{}, fmt.Errorf("postcheck: classifier returned no JSON object")
	}

	var resp classificationResponse
	if err := json.Unmarshal([]byte(raw[start:end+1]), &resp); err != nil {
		return DetectionResult{}, fmt.Errorf("postcheck: classifier response unmarshal: %w", err)
	}
	if resp.Label == "" {
		return DetectionResult{}, fmt.Errorf("postcheck: classifier returned no label")
	}

	return DetectionResult{
		Score:      resp.Score,
		Label:      resp.Label,
		Confidence: resp.Confidence,
		Method:     "classifier",
	}, nil
}
