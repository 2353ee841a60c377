package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskfleet/internal/core"
)

// sinkChannel hands every delivered payload to a buffered channel so tests
// can wait for the async fan-out without sleeping.
type sinkChannel struct {
	name string
	got  chan AlertPayload
	err  error
}

func newSinkChannel(name string) *sinkChannel {
	return &sinkChannel{name: name, got: make(chan AlertPayload, 8)}
}

func (s *sinkChannel) Name() string { return s.name }

func (s *sinkChannel) Send(ctx context.Context, payload AlertPayload) error {
	s.got <- payload
	return s.err
}

func (s *sinkChannel) wait(t *testing.T) AlertPayload {
	t.Helper()
	select {
	case p := <-s.got:
		return p
	case <-time.After(5 * time.Second):
		t.Fatalf("channel %s never received the alert", s.name)
		return AlertPayload{}
	}
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func TestAlertFansOutToEveryChannel(t *testing.T) {
	am := NewAlertManager(&mockLogger{})
	slack := newSinkChannel("slack")
	telegram := newSinkChannel("telegram")
	am.AddChannel(slack)
	am.AddChannel(telegram)

	am.Alert(context.Background(), "Node loop failed", "cannot create order", Error,
		map[string]string{"node": "miner_3"})

	for _, ch := range []*sinkChannel{slack, telegram} {
		payload := ch.wait(t)
		if payload.Title != "Node loop failed" {
			t.Errorf("%s title = %q", ch.name, payload.Title)
		}
		if payload.Level != Error {
			t.Errorf("%s level = %s, want ERROR", ch.name, payload.Level)
		}
		if payload.Fields["node"] != "miner_3" {
			t.Errorf("%s node field = %q", ch.name, payload.Fields["node"])
		}
		if payload.Timestamp.IsZero() {
			t.Errorf("%s payload has no timestamp", ch.name)
		}
	}
}

func TestAlertDeliversAfterCallerContextIsGone(t *testing.T) {
	am := NewAlertManager(&mockLogger{})
	sink := newSinkChannel("slack")
	am.AddChannel(sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	am.Alert(ctx, "Low balance", "live balance n/a", Warning, nil)

	payload := sink.wait(t)
	if payload.Title != "Low balance" {
		t.Errorf("title = %q", payload.Title)
	}
}

func TestAlertChannelFailureIsIsolated(t *testing.T) {
	am := NewAlertManager(&mockLogger{})
	broken := newSinkChannel("slack")
	broken.err = errors.New("webhook gone")
	healthy := newSinkChannel("telegram")
	am.AddChannel(broken)
	am.AddChannel(healthy)

	am.Alert(context.Background(), "Node loop failed", "boom", Critical, nil)

	broken.wait(t)
	if payload := healthy.wait(t); payload.Level != Critical {
		t.Errorf("healthy channel level = %s, want CRITICAL", payload.Level)
	}
}
