// Package alert fans fleet incidents out to operator channels. Channels
// with empty credentials are inert, so wiring them unconditionally is safe.
package alert

import (
	"context"
	"sync"
	"time"

	"taskfleet/internal/core"
)

// AlertLevel tags how urgent an incident is.
type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

// AlertPayload is one incident: a title, free-form message and key/value
// context such as the node tag that raised it.
type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// AlertChannel delivers a payload to one destination.
type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager fans payloads out to registered channels without blocking
// the caller.
type AlertManager struct {
	mu       sync.RWMutex
	channels []AlertChannel
	logger   core.ILogger
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		logger: logger.WithField("component", "alert_manager"),
	}
}

// AddChannel registers a delivery destination.
func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert delivers the payload to every channel. Delivery runs on its own
// goroutines with a context detached from the caller, so node teardown
// cannot cancel an in-flight notification and a slow webhook never stalls
// the fleet loop.
func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}
	am.logger.Info("Triggering alert", "title", title, "level", level)

	for _, ch := range am.snapshot() {
		go am.deliver(context.WithoutCancel(ctx), ch, payload)
	}
}

func (am *AlertManager) snapshot() []AlertChannel {
	am.mu.RLock()
	defer am.mu.RUnlock()
	channels := make([]AlertChannel, len(am.channels))
	copy(channels, am.channels)
	return channels
}

func (am *AlertManager) deliver(ctx context.Context, ch AlertChannel, payload AlertPayload) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := ch.Send(ctx, payload); err != nil {
		am.logger.Error("Failed to send alert", "channel", ch.Name(), "error", err)
	}
}
