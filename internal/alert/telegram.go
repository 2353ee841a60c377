package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	pkghttp "taskfleet/pkg/http"
)

const telegramAPIHost = "https://api.telegram.org"

// telegramMessage is the sendMessage request body.
type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func telegramIcon(level AlertLevel) string {
	switch level {
	case Warning:
		return "⚠️"
	case Error:
		return "❌"
	case Critical:
		return "🚨"
	default:
		return "ℹ️"
	}
}

// TelegramChannel sends alerts to a chat through the bot API. Missing
// credentials make the channel inert.
type TelegramChannel struct {
	botToken string
	chatID   string
	client   *pkghttp.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		client:   pkghttp.NewClient(telegramAPIHost, 5*time.Second),
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, alert AlertPayload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	message := telegramMessage{
		ChatID:    t.chatID,
		Text:      renderTelegramText(alert),
		ParseMode: "Markdown",
	}
	if _, err := t.client.Post(ctx, fmt.Sprintf("/bot%s/sendMessage", t.botToken), message); err != nil {
		return fmt.Errorf("telegram api: %w", err)
	}
	return nil
}

func renderTelegramText(alert AlertPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s] %s*\n\n%s", telegramIcon(alert.Level), alert.Level, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		b.WriteString("\n")
		for k, v := range alert.Fields {
			fmt.Fprintf(&b, "\n- *%s*: %s", k, v)
		}
	}
	return b.String()
}
