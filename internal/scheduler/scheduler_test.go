package scheduler

import (
	"context"
	"testing"
	"time"

	"Agora-Substrate/internal/artifact"
	"Agora-Substrate/internal/eventlog"
	"Agora-Substrate/internal/intent"
	"Agora-Substrate/internal/ledger"
	"Agora-Substrate/internal/pipeline"
	"Agora-Substrate/internal/sandbox"
)

type agentFunc func(ctx context.Context, view *WorldView) (*intent.Intent, error)

func (f agentFunc) Propose(ctx context.Context, view *WorldView) (*intent.Intent, error) {
	return f(ctx, view)
}

type fixture struct {
	ledger    *ledger.Ledger
	store     *artifact.Store
	events    *eventlog.MemoryStore
	pipeline  *pipeline.Pipeline
	scheduler *Scheduler
}

func newFixture(t *testing.T, cfg Config, principals ...string) *fixture {
	t.Helper()
	led := ledger.New([]ledger.ResourceSpec{
		{Name: "compute", Kind: ledger.ResourceFlow, Rate: 100, Capacity: 1000},
		{Name: "storage", Kind: ledger.ResourceStock, Quota: 10000},
	})
	for _, id := range principals {
		if _, err := led.Spawn(id, 100); err != nil {
			t.Fatalf("spawn %s: %v", id, err)
		}
	}
	store := artifact.NewStore()
	events, err := eventlog.NewMemoryStore(t.TempDir())
	if err != nil {
		t.Fatalf("event store: %v", err)
	}
	pipe, err := pipeline.New(context.Background(), pipeline.Config{}, led, store, events, sandbox.Config{})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(func() { _ = pipe.Close(context.Background()) })
	return &fixture{
		ledger:    led,
		store:     store,
		events:    events,
		pipeline:  pipe,
		scheduler: New(cfg, led, store, pipe),
	}
}

func TestTickObserveThenAct(t *testing.T) {
	f := newFixture(t, Config{ProposalUnits: 2, Seed: 7}, "alice", "bob")

	var aliceView, bobView int64
	f.scheduler.Register("alice", agentFunc(func(_ context.Context, view *WorldView) (*intent.Intent, error) {
		aliceView = view.Tick
		return &intent.Intent{ActionType: intent.KindWrite, ArtifactID: "a", Content: "from alice"}, nil
	}))
	f.scheduler.Register("bob", agentFunc(func(_ context.Context, view *WorldView) (*intent.Intent, error) {
		bobView = view.Tick
		return &intent.Intent{ActionType: intent.KindNoop}, nil
	}))

	f.scheduler.RunTick(context.Background())

	if aliceView != 1 || bobView != 1 {
		t.Fatalf("agents must see the same frozen tick: %d vs %d", aliceView, bobView)
	}
	if !f.store.Exists("a") {
		t.Fatal("accepted proposal not applied")
	}
	records, _ := f.events.ListLatest(context.Background(), 10)
	if len(records) != 2 {
		t.Fatalf("expected one record per proposal, got %d", len(records))
	}
	// 提案费在执行结算之外单独收取。
	balance, _ := f.ledger.Balance("bob", "compute")
	if balance >= 1000-2 {
		t.Fatalf("proposal charge missing: %v", balance)
	}
}

func TestTimedOutProposerContributesNoop(t *testing.T) {
	f := newFixture(t, Config{ProposalUnits: 2, ProposalTimeout: 30 * time.Millisecond, Seed: 7}, "alice")
	f.scheduler.Register("alice", agentFunc(func(ctx context.Context, _ *WorldView) (*intent.Intent, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	f.scheduler.RunTick(context.Background())

	records, _ := f.events.ListLatest(context.Background(), 10)
	if len(records) != 1 || records[0].ActionType != string(intent.KindNoop) {
		t.Fatalf("timed-out proposer should contribute a noop: %+v", records)
	}
	balance, _ := f.ledger.Balance("alice", "compute")
	if balance >= 1000 {
		t.Fatal("the proposal charge must stand after timeout")
	}
}

func TestShuffleReproducibleWithSeed(t *testing.T) {
	run := func() []string {
		f := newFixture(t, Config{Seed: 42}, "a1", "a2", "a3", "a4")
		for _, id := range []string{"a1", "a2", "a3", "a4"} {
			f.scheduler.Register(id, agentFunc(func(_ context.Context, _ *WorldView) (*intent.Intent, error) {
				return &intent.Intent{ActionType: intent.KindNoop}, nil
			}))
		}
		f.scheduler.RunTick(context.Background())
		records, _ := f.events.ListLatest(context.Background(), 10)
		order := make([]string, 0, len(records))
		for i := len(records) - 1; i >= 0; i-- {
			order = append(order, records[i].Proposer)
		}
		return order
	}

	first := run()
	second := run()
	if len(first) != 4 {
		t.Fatalf("expected 4 executed proposals, got %d", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("same seed must give same order: %v vs %v", first, second)
		}
	}
}

func TestFrozenAgentNotEligible(t *testing.T) {
	f := newFixture(t, Config{Seed: 7}, "alice")
	called := false
	f.scheduler.Register("alice", agentFunc(func(_ context.Context, _ *WorldView) (*intent.Intent, error) {
		called = true
		return &intent.Intent{ActionType: intent.KindNoop}, nil
	}))
	if err := f.ledger.Freeze("alice"); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	f.scheduler.RunTick(context.Background())
	if called {
		t.Fatal("frozen agent must not propose")
	}
}

func TestCooldownSkipsNextTicks(t *testing.T) {
	f := newFixture(t, Config{Seed: 7, CooldownTicks: 2, ProposalTimeout: 20 * time.Millisecond}, "alice")
	calls := 0
	f.scheduler.Register("alice", agentFunc(func(ctx context.Context, _ *WorldView) (*intent.Intent, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &intent.Intent{ActionType: intent.KindNoop}, nil
	}))

	ctx := context.Background()
	f.scheduler.RunTick(ctx) // tick 1: 超时，进入冷却
	f.scheduler.RunTick(ctx) // tick 2: 冷却中
	f.scheduler.RunTick(ctx) // tick 3: 恢复
	if calls != 2 {
		t.Fatalf("expected 2 proposal calls around the cooldown, got %d", calls)
	}
}

func TestStorageRentFreezesBelowThreshold(t *testing.T) {
	f := newFixture(t, Config{Seed: 7, StorageRent: 1, FreezeThreshold: 80}, "alice")
	f.scheduler.Register("alice", agentFunc(func(_ context.Context, _ *WorldView) (*intent.Intent, error) {
		return &intent.Intent{
			ActionType: intent.KindWrite, ArtifactID: "hoard",
			Content: "0123456789012345678901234567890123456789", // 40 bytes
		}, nil
	}))

	ctx := context.Background()
	f.scheduler.RunTick(ctx) // 写入后收 40 scrip 租金，余额 60 < 80
	if !f.ledger.IsFrozen("alice") {
		p, _ := f.ledger.Get("alice")
		t.Fatalf("expected freeze below threshold, scrip=%d", p.Scrip)
	}
}
