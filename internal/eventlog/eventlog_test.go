package eventlog

import (
	"context"
	"strings"
	"testing"

	"Agora-Substrate/internal/intent"
)

func TestNewRecordRedactsWriteContent(t *testing.T) {
	in := &intent.Intent{
		Proposer:   "alice",
		ActionType: intent.KindWrite,
		ArtifactID: "diary",
		Content:    "secret-123",
	}
	rec := NewRecord(in, 7, OutcomeAccepted)
	if strings.Contains(rec.Summary, "secret-123") {
		t.Fatalf("record leaked write content: %s", rec.Summary)
	}
	if rec.Tick != 7 || rec.Proposer != "alice" {
		t.Fatalf("record metadata wrong: %+v", rec)
	}
	if rec.ID == "" {
		t.Fatal("expected generated record id")
	}
}

func TestMemoryStoreAppendAndReload(t *testing.T) {
	dir := t.TempDir()
	store, err := NewMemoryStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		in := &intent.Intent{Proposer: "bob", ActionType: intent.KindNoop}
		rec := NewRecord(in, int64(i), OutcomeAccepted).WithCosts(1, 1)
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records, err := store.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Tick != 2 {
		t.Fatalf("expected newest first, got tick %d", records[0].Tick)
	}

	// 重新打开应从磁盘恢复。
	reopened, err := NewMemoryStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	records, err = reopened.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("list after reload: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records after reload, got %d", len(records))
	}
}

func TestRecordFailureMetadata(t *testing.T) {
	in := &intent.Intent{Proposer: "carol", ActionType: intent.KindRead, ArtifactID: "x"}
	rec := NewRecord(in, 0, OutcomeRejected).WithFailure("permission denied", nil).WithCosts(1, 0)
	if rec.Outcome != OutcomeRejected || rec.Reason != "permission denied" {
		t.Fatalf("failure metadata wrong: %+v", rec)
	}
	if rec.ProxyCost != 1 || rec.SettledCost != 0 {
		t.Fatalf("cost metadata wrong: %+v", rec)
	}
}
