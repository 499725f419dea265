package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	goslack "github.com/slack-go/slack"

	sharedhttp "github.com/gridguard/gridguard/pkg/shared/http"
)

func truncate(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen-3] + "..."
}

var severityEmoji = map[string]string{
	"critical": ":rotating_light:",
	"high":     ":warning:",
	"medium":   ":large_yellow_circle:",
	"low":      ":white_circle:",
}

// SlackNotifier posts an escalation to a fixed Slack channel. A zero-value
// token disables it (Notify becomes a no-op returning nil, matching the
// original's "webhook not configured" skip).
type SlackNotifier struct {
	api       *goslack.Client
	channelID string
}

func NewSlackNotifier(token, channelID string) *SlackNotifier {
	if token == "" {
		return &SlackNotifier{}
	}
	return &SlackNotifier{api: goslack.New(token), channelID: channelID}
}

func (n *SlackNotifier) Notify(ctx context.Context, e EscalateParams, auditID string) error {
	if n.api == nil {
		return nil
	}

	emoji := severityEmoji[e.Severity]
	if emoji == "" {
		emoji = ":question:"
	}

	scoresJSON, _ := json.MarshalIndent(e.DetectorScores, "", "  ")

	blocks := []goslack.Block{
		goslack.NewHeaderBlock(goslack.NewTextBlockObject(goslack.PlainTextType, fmt.Sprintf("%s Safety Escalation: %s", emoji, e.ReasonCode), false, false)),
		goslack.NewSectionBlock(nil, []*goslack.TextBlockObject{
			goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Audit ID:*\n`%s`", auditID), false, false),
			goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Request ID:*\n`%s`", e.RequestID), false, false),
			goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*User ID:*\n`%s`", e.UserID), false, false),
			goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Trust Tier:*\n%s", e.TrustTier), false, false),
			goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Severity:*\n%s", e.Severity), false, false),
			goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Reason:*\n%s", e.ReasonCode), false, false),
		}, nil),
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Input (truncated):*\n```%s```", truncate(e.InputText, 500)), false, false), nil, nil),
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Detector Scores:*\n```%s```", truncate(string(scoresJSON), 500)), false, false), nil, nil),
		goslack.NewContextBlock("", goslack.NewTextBlockObject(goslack.MarkdownType, "Created at: "+time.Now().UTC().Format(time.RFC3339), false, false)),
	}

	_, _, err := n.api.PostMessageContext(ctx, n.channelID, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("escalation: slack notify: %w", err)
	}
	return nil
}

// incidentSeverity maps a gridguard severity onto the PagerDuty Events v2
// severity enum.
var incidentSeverity = map[string]string{
	"critical": "critical",
	"high":     "error",
	"medium":   "warning",
	"low":      "info",
}

// IncidentNotifier triggers a PagerDuty Events v2 incident over plain HTTP
// — there is no PagerDuty Go SDK anywhere in the example pack, and the
// Events v2 API is a single documented POST, so a hand-rolled client here
// is the right call rather than reaching for a heavier dependency that
// doesn't exist in the corpus.
type IncidentNotifier struct {
	routingKey string
	endpoint   string
	client     *http.Client
}

func NewIncidentNotifier(routingKey string) *IncidentNotifier {
	clientCfg := sharedhttp.DefaultClientConfig()
	clientCfg.Timeout = 10 * time.Second
	return &IncidentNotifier{
		routingKey: routingKey,
		endpoint:   "https://events.pagerduty.com/v2/enqueue",
		client:     sharedhttp.NewClient(clientCfg),
	}
}

func (n *IncidentNotifier) Notify(ctx context.Context, e EscalateParams, auditID string) error {
	if n.routingKey == "" {
		return nil
	}

	sev := incidentSeverity[e.Severity]
	if sev == "" {
		sev = "warning"
	}

	payload := map[string]any{
		"routing_key":  n.routingKey,
		"event_action": "trigger",
		"dedup_key":    "safety-" + auditID,
		"payload": map[string]any{
			"summary":   fmt.Sprintf("[Safety] %s: %s", e.ReasonCode, truncate(e.InputText, 200)),
			"severity":  sev,
			"source":    "gridguard",
			"component": "post-check-detector",
			"custom_details": map[string]any{
				"audit_id":    auditID,
				"reason_code": e.ReasonCode,
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escalation: marshal incident payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("escalation: build incident request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("escalation: incident POST: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("escalation: incident POST returned %d", resp.StatusCode)
	}
	return nil
}
