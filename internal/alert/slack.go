package alert

import (
	"context"
	"fmt"
	"time"

	pkghttp "taskfleet/pkg/http"
)

// slackMessage is the webhook payload. One alert maps to one attachment.
type slackMessage struct {
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color     string       `json:"color"`
	Pretext   string       `json:"pretext"`
	Text      string       `json:"text"`
	Fields    []slackField `json:"fields,omitempty"`
	Timestamp int64        `json:"ts"`
	Footer    string       `json:"footer"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func slackColor(level AlertLevel) string {
	switch level {
	case Warning:
		return "#ffcc00"
	case Error:
		return "#ff0000"
	case Critical:
		return "#8b0000"
	default:
		return "#36a64f"
	}
}

// SlackChannel posts alerts to an incoming-webhook URL. An empty URL makes
// the channel inert.
type SlackChannel struct {
	webhookURL string
	client     *pkghttp.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     pkghttp.NewClient(webhookURL, 5*time.Second),
	}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, alert AlertPayload) error {
	if s.webhookURL == "" {
		return nil
	}

	fields := make([]slackField, 0, len(alert.Fields))
	for k, v := range alert.Fields {
		fields = append(fields, slackField{Title: k, Value: v, Short: true})
	}

	message := slackMessage{Attachments: []slackAttachment{{
		Color:     slackColor(alert.Level),
		Pretext:   fmt.Sprintf("[%s] %s", alert.Level, alert.Title),
		Text:      alert.Message,
		Fields:    fields,
		Timestamp: alert.Timestamp.Unix(),
		Footer:    "taskfleet",
	}}}

	if _, err := s.client.Post(ctx, "", message); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
