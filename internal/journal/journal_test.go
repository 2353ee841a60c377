package journal

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalRecordAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	events := []struct{ tag, event, detail string }{
		{"miner_1", EventOrderPlaced, "order 1234 price 0.1000 USD/h"},
		{"miner_1", EventDealOpened, "deal 501"},
		{"miner_2", EventOrderPlaced, "order 1235 price 0.1000 USD/h"},
		{"miner_1", EventTaskStarted, "task abc deal 501"},
	}
	for _, e := range events {
		if err := j.Record(ctx, e.tag, e.event, e.detail); err != nil {
			t.Fatalf("failed to record %s: %v", e.event, err)
		}
	}

	recent, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("failed to read recent: %v", err)
	}
	if len(recent) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(recent))
	}
	// Newest first.
	if recent[0].Event != EventTaskStarted {
		t.Errorf("expected newest entry %s, got %s", EventTaskStarted, recent[0].Event)
	}
	if recent[3].Event != EventOrderPlaced || recent[3].NodeTag != "miner_1" {
		t.Errorf("expected oldest entry to be the first order, got %s/%s", recent[3].NodeTag, recent[3].Event)
	}
	for _, e := range recent {
		if e.ID == "" {
			t.Error("entry has empty id")
		}
		if e.At.IsZero() {
			t.Error("entry has zero timestamp")
		}
	}
}

func TestJournalNodeEvents(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	if err := j.Record(ctx, "miner_1", EventDealOpened, "deal 501"); err != nil {
		t.Fatalf("failed to record: %v", err)
	}
	if err := j.Record(ctx, "miner_2", EventDealOpened, "deal 502"); err != nil {
		t.Fatalf("failed to record: %v", err)
	}
	if err := j.Record(ctx, "miner_1", EventDealClosed, "deal 501 blacklist=false"); err != nil {
		t.Fatalf("failed to record: %v", err)
	}

	entries, err := j.NodeEvents(ctx, "miner_1", 10)
	if err != nil {
		t.Fatalf("failed to read node events: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for miner_1, got %d", len(entries))
	}
	for _, e := range entries {
		if e.NodeTag != "miner_1" {
			t.Errorf("unexpected node tag %s", e.NodeTag)
		}
	}
	if entries[0].Event != EventDealClosed {
		t.Errorf("expected newest event %s, got %s", EventDealClosed, entries[0].Event)
	}
}

func TestJournalRecentLimit(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := j.Record(ctx, "miner_1", EventNodeReset, ""); err != nil {
			t.Fatalf("failed to record: %v", err)
		}
	}

	recent, err := j.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("failed to read recent: %v", err)
	}
	if len(recent) != 3 {
		t.Errorf("expected 3 entries, got %d", len(recent))
	}
}

func TestJournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")
	ctx := context.Background()

	j, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	if err := j.Record(ctx, "miner_1", EventOrderPlaced, "order 1"); err != nil {
		t.Fatalf("failed to record: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("failed to reopen journal: %v", err)
	}
	defer reopened.Close()

	recent, err := reopened.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("failed to read recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected the recorded entry to survive reopen, got %d entries", len(recent))
	}

	var journalMode string
	if err := reopened.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("failed to query journal mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected WAL mode, got %s", journalMode)
	}
}

func TestNilJournalIsInert(t *testing.T) {
	var j *Journal
	ctx := context.Background()

	if err := j.Record(ctx, "miner_1", EventOrderPlaced, ""); err != nil {
		t.Errorf("nil journal Record returned error: %v", err)
	}
	entries, err := j.Recent(ctx, 10)
	if err != nil || entries != nil {
		t.Errorf("nil journal Recent returned %v, %v", entries, err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("nil journal Close returned error: %v", err)
	}
}
