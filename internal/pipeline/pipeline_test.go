package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"Agora-Substrate/internal/artifact"
	"Agora-Substrate/internal/contract"
	xerrors "Agora-Substrate/internal/errors"
	"Agora-Substrate/internal/eventlog"
	"Agora-Substrate/internal/intent"
	"Agora-Substrate/internal/ledger"
	"Agora-Substrate/internal/sandbox"
)

func testSpecs() []ledger.ResourceSpec {
	return []ledger.ResourceSpec{
		{Name: "compute", Kind: ledger.ResourceFlow, Rate: 100, Capacity: 1000},
		{Name: "storage", Kind: ledger.ResourceStock, Quota: 10000},
	}
}

type fixture struct {
	ledger   *ledger.Ledger
	store    *artifact.Store
	events   *eventlog.MemoryStore
	pipeline *Pipeline
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	led := ledger.New(testSpecs())
	if _, err := led.Spawn("alice", 100); err != nil {
		t.Fatalf("spawn alice: %v", err)
	}
	if _, err := led.Spawn("bob", 50); err != nil {
		t.Fatalf("spawn bob: %v", err)
	}
	store := artifact.NewStore()
	events, err := eventlog.NewMemoryStore(t.TempDir())
	if err != nil {
		t.Fatalf("event store: %v", err)
	}
	p, err := New(context.Background(), cfg, led, store, events, sandbox.Config{})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return &fixture{ledger: led, store: store, events: events, pipeline: p}
}

func TestNoopProducesOneRecord(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.pipeline.Process(context.Background(), &intent.Intent{
		Proposer: "alice", ActionType: intent.KindNoop,
	}, 1)
	if !res.Success || res.Outcome != eventlog.OutcomeAccepted {
		t.Fatalf("noop should be accepted: %+v", res)
	}
	records, _ := f.events.ListLatest(context.Background(), 10)
	if len(records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(records))
	}
}

func TestSchemaRejectionIsFree(t *testing.T) {
	f := newFixture(t, Config{RejectCharge: RejectChargeAll})
	before, _ := f.ledger.Balance("alice", "compute")

	res := f.pipeline.Process(context.Background(), &intent.Intent{
		Proposer: "alice", ActionType: "bogus",
	}, 1)
	if res.Success {
		t.Fatal("expected rejection")
	}
	if res.ErrorCode != xerrors.CodeSchemaInvalid {
		t.Fatalf("expected SchemaInvalid, got %v", res.ErrorCode)
	}
	after, _ := f.ledger.Balance("alice", "compute")
	if after < before {
		t.Fatalf("schema rejection must be free: %v -> %v", before, after)
	}
}

func TestWriteCreateAndRedaction(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.pipeline.Process(context.Background(), &intent.Intent{
		Proposer: "alice", ActionType: intent.KindWrite,
		ArtifactID: "diary", Content: "secret-123",
	}, 1)
	if !res.Success {
		t.Fatalf("create failed: %+v", res)
	}
	art, err := f.store.Get("diary")
	if err != nil || art.Content != "secret-123" {
		t.Fatalf("artifact not stored: %v", err)
	}

	records, _ := f.events.ListLatest(context.Background(), 10)
	encoded, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal records: %v", err)
	}
	if strings.Contains(string(encoded), "secret-123") {
		t.Fatalf("event log leaked write content: %s", encoded)
	}
}

func TestWriteUpdateGatedByOwnerPolicy(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.pipeline.Process(ctx, &intent.Intent{
		Proposer: "alice", ActionType: intent.KindWrite,
		ArtifactID: "doc", Content: "v1", PolicyRef: contract.PolicyOwner,
	}, 1)

	res := f.pipeline.Process(ctx, &intent.Intent{
		Proposer: "bob", ActionType: intent.KindWrite,
		ArtifactID: "doc", Content: "hijacked",
	}, 2)
	if res.Success {
		t.Fatal("non-creator write should be denied")
	}
	if res.ErrorCode != xerrors.CodePermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", res.ErrorCode)
	}
	art, _ := f.store.Get("doc")
	if art.Content != "v1" {
		t.Fatalf("denied write mutated state: %s", art.Content)
	}
}

func TestWriteRejectedOverStorageQuota(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.pipeline.Process(context.Background(), &intent.Intent{
		Proposer: "alice", ActionType: intent.KindWrite,
		ArtifactID: "huge", Content: strings.Repeat("x", 20000),
	}, 1)
	if res.Success {
		t.Fatal("expected quota rejection")
	}
	if res.ErrorCode != xerrors.CodeInsufficientCapacity {
		t.Fatalf("expected InsufficientCapacity, got %v", res.ErrorCode)
	}
	if f.store.Exists("huge") {
		t.Fatal("rejected write must not create the artifact")
	}
}

func TestDeleteFreesQuota(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.pipeline.Process(ctx, &intent.Intent{
		Proposer: "alice", ActionType: intent.KindWrite,
		ArtifactID: "tmp", Content: strings.Repeat("x", 100),
	}, 1)
	used, _ := f.ledger.Balance("alice", "storage")

	res := f.pipeline.Process(ctx, &intent.Intent{
		Proposer: "alice", ActionType: intent.KindDelete, ArtifactID: "tmp",
	}, 2)
	if !res.Success {
		t.Fatalf("delete failed: %+v", res)
	}
	after, _ := f.ledger.Balance("alice", "storage")
	if after != used+100 {
		t.Fatalf("quota not freed: %v -> %v", used, after)
	}
	if f.store.Exists("tmp") {
		t.Fatal("artifact still present after delete")
	}
}

func TestInvokeChargesAndReturns(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.pipeline.Process(ctx, &intent.Intent{
		Proposer: "alice", ActionType: intent.KindWrite,
		ArtifactID: "adder", ArtifactKind: artifact.KindExecutable,
		Body: `double(args.a) + double(args.b)`, Language: artifact.LanguageCEL,
		PolicyRef: contract.PolicyOpen,
	}, 1)
	before, _ := f.ledger.Balance("bob", "compute")

	res := f.pipeline.Process(ctx, &intent.Intent{
		Proposer: "bob", ActionType: intent.KindInvoke,
		ArtifactID: "adder", Method: "add",
		Args: map[string]any{"a": 2, "b": 3},
	}, 2)
	if !res.Success {
		t.Fatalf("invoke failed: %+v", res)
	}
	if got, ok := res.ReturnValue.(float64); !ok || got != 5 {
		t.Fatalf("unexpected return: %#v", res.ReturnValue)
	}
	after, _ := f.ledger.Balance("bob", "compute")
	if after >= before {
		t.Fatalf("invoke must charge the caller: %v -> %v", before, after)
	}
}

func TestContractScripCostRoutedToCreator(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	// 治理合约：读取收 5 scrip，付给创建者。
	f.pipeline.Process(ctx, &intent.Intent{
		Proposer: "alice", ActionType: intent.KindWrite,
		ArtifactID: "toll", ArtifactKind: artifact.KindExecutable,
		Body:      `{"allowed": true, "scrip_cost": 5}`,
		Language:  artifact.LanguageCEL,
		PolicyRef: contract.PolicyOpen,
	}, 1)
	f.pipeline.Process(ctx, &intent.Intent{
		Proposer: "alice", ActionType: intent.KindWrite,
		ArtifactID: "paper", Content: "findings", PolicyRef: "toll",
	}, 2)

	res := f.pipeline.Process(ctx, &intent.Intent{
		Proposer: "bob", ActionType: intent.KindRead, ArtifactID: "paper",
	}, 3)
	if !res.Success {
		t.Fatalf("gated read failed: %+v", res)
	}
	if res.ScripCost != 5 {
		t.Fatalf("expected scrip cost 5, got %d", res.ScripCost)
	}
	alice, _ := f.ledger.Get("alice")
	bob, _ := f.ledger.Get("bob")
	if alice.Scrip != 105 || bob.Scrip != 45 {
		t.Fatalf("payment not routed: alice=%d bob=%d", alice.Scrip, bob.Scrip)
	}
}

func TestSpawnConservesScrip(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.pipeline.Process(context.Background(), &intent.Intent{
		Proposer: "alice", ActionType: intent.KindSpawn, To: "carol", Amount: 40,
	}, 1)
	if !res.Success {
		t.Fatalf("spawn failed: %+v", res)
	}
	alice, _ := f.ledger.Get("alice")
	carol, _ := f.ledger.Get("carol")
	if alice.Scrip != 60 || carol.Scrip != 40 {
		t.Fatalf("scrip not conserved: alice=%d carol=%d", alice.Scrip, carol.Scrip)
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.pipeline.Process(context.Background(), &intent.Intent{
		Proposer: "bob", ActionType: intent.KindTransfer, To: "alice", Amount: 500,
	}, 1)
	if res.Success {
		t.Fatal("expected rejection")
	}
	if res.ErrorCode != xerrors.CodeInsufficientFunds {
		t.Fatalf("expected InsufficientFunds, got %v", res.ErrorCode)
	}
	bob, _ := f.ledger.Get("bob")
	if bob.Scrip != 50 {
		t.Fatalf("failed transfer mutated balance: %d", bob.Scrip)
	}
}

func TestRejectChargeModes(t *testing.T) {
	ctx := context.Background()

	// evaluated 模式：合约拒绝后收基础费用。
	f := newFixture(t, Config{RejectCharge: RejectChargeEvaluated})
	f.pipeline.Process(ctx, &intent.Intent{
		Proposer: "alice", ActionType: intent.KindWrite,
		ArtifactID: "doc", Content: "v1", PolicyRef: contract.PolicySealed,
	}, 1)
	before, _ := f.ledger.Balance("bob", "compute")
	res := f.pipeline.Process(ctx, &intent.Intent{
		Proposer: "bob", ActionType: intent.KindRead, ArtifactID: "doc",
	}, 2)
	if res.Success {
		t.Fatal("sealed artifact read should be denied")
	}
	after, _ := f.ledger.Balance("bob", "compute")
	if after >= before {
		t.Fatal("evaluated rejection should charge")
	}

	// none 模式：同样的拒绝不收费。
	f2 := newFixture(t, Config{RejectCharge: RejectChargeNone})
	f2.pipeline.Process(ctx, &intent.Intent{
		Proposer: "alice", ActionType: intent.KindWrite,
		ArtifactID: "doc", Content: "v1", PolicyRef: contract.PolicySealed,
	}, 1)
	before2, _ := f2.ledger.Balance("bob", "compute")
	f2.pipeline.Process(ctx, &intent.Intent{
		Proposer: "bob", ActionType: intent.KindRead, ArtifactID: "doc",
	}, 2)
	after2, _ := f2.ledger.Balance("bob", "compute")
	if after2 < before2 {
		t.Fatal("none mode must not charge rejections")
	}
}

func TestReplayDeterminism(t *testing.T) {
	// 同一串被接受的意图在两份全新状态上重放，结局与效果一致。
	sequence := []*intent.Intent{
		{Proposer: "alice", ActionType: intent.KindWrite, ArtifactID: "a", Content: "one"},
		{Proposer: "alice", ActionType: intent.KindWrite, ArtifactID: "b", Content: "keep"},
		{Proposer: "alice", ActionType: intent.KindTransfer, To: "bob", Amount: 10},
		{Proposer: "bob", ActionType: intent.KindRead, ArtifactID: "a"},
		{Proposer: "alice", ActionType: intent.KindDelete, ArtifactID: "a"},
	}

	run := func() ([]eventlog.Outcome, *fixture) {
		f := newFixture(t, Config{})
		var outcomes []eventlog.Outcome
		for i, in := range sequence {
			copied := *in
			res := f.pipeline.Process(context.Background(), &copied, int64(i))
			outcomes = append(outcomes, res.Outcome)
		}
		return outcomes, f
	}

	first, f1 := run()
	second, f2 := run()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("replay diverged at %d: %v vs %v", i, first[i], second[i])
		}
	}

	// 终态账本一致：scrip、冻结位与存量用量逐主体比对。
	// flow 余额随墙钟回充，不参与确定性比较。
	led1, led2 := f1.ledger.Export(), f2.ledger.Export()
	if len(led1) != len(led2) {
		t.Fatalf("principal count diverged: %d vs %d", len(led1), len(led2))
	}
	for i := range led1 {
		a, b := led1[i], led2[i]
		if a.ID != b.ID || a.Scrip != b.Scrip || a.Frozen != b.Frozen {
			t.Fatalf("ledger diverged for %s: %+v vs %+v", a.ID, a, b)
		}
		for name, used := range a.StockUsed {
			if b.StockUsed[name] != used {
				t.Fatalf("stock usage diverged for %s/%s: %d vs %d", a.ID, name, used, b.StockUsed[name])
			}
		}
	}

	// 终态存储一致：存活的 Artifact 及其内容逐一比对。
	arts1, arts2 := f1.store.List(), f2.store.List()
	if len(arts1) != len(arts2) {
		t.Fatalf("artifact count diverged: %d vs %d", len(arts1), len(arts2))
	}
	for i := range arts1 {
		a, b := arts1[i], arts2[i]
		if a.ID != b.ID || a.Content != b.Content || a.Size != b.Size || a.Version != b.Version {
			t.Fatalf("artifact diverged: %+v vs %+v", a, b)
		}
	}
}

func TestDanglingFallbackMarkedOnAcceptedRecord(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	// 治理合约随后被删除，目标 Artifact 留下悬空引用。
	f.pipeline.Process(ctx, &intent.Intent{
		Proposer: "alice", ActionType: intent.KindWrite,
		ArtifactID: "policy", ArtifactKind: artifact.KindExecutable,
		Body: "true", Language: artifact.LanguageCEL, PolicyRef: contract.PolicyOpen,
	}, 1)
	f.pipeline.Process(ctx, &intent.Intent{
		Proposer: "alice", ActionType: intent.KindWrite,
		ArtifactID: "doc", Content: "x", PolicyRef: "policy",
	}, 2)
	f.pipeline.Process(ctx, &intent.Intent{
		Proposer: "alice", ActionType: intent.KindDelete, ArtifactID: "policy",
	}, 3)

	// 回退 owner 策略放行创建者的读取，但事件记录必须留下
	// 走了回退策略的痕迹。
	res := f.pipeline.Process(ctx, &intent.Intent{
		Proposer: "alice", ActionType: intent.KindRead, ArtifactID: "doc",
	}, 4)
	if !res.Success {
		t.Fatalf("fallback read should pass: %+v", res)
	}
	if res.Record == nil || res.Record.ErrorCode != string(xerrors.CodeDanglingPolicy) {
		t.Fatalf("accepted record must flag the dangling fallback: %+v", res.Record)
	}
}

func TestFrozenProposerRejected(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.ledger.Freeze("bob"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	res := f.pipeline.Process(context.Background(), &intent.Intent{
		Proposer: "bob", ActionType: intent.KindNoop,
	}, 1)
	if res.Success {
		t.Fatal("frozen proposer must be rejected")
	}
}

func TestInvokeTimeoutStillCharges(t *testing.T) {
	f := newFixture(t, Config{InvokeTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	f.pipeline.Process(ctx, &intent.Intent{
		Proposer: "alice", ActionType: intent.KindWrite,
		ArtifactID: "spin", ArtifactKind: artifact.KindExecutable,
		Body:      `size(["a","b","c","d","e","f","g","h"].map(x, ["a","b","c","d","e","f","g","h"].map(y, x + y)))`,
		Language:  artifact.LanguageCEL,
		PolicyRef: contract.PolicyOpen,
	}, 1)

	res := f.pipeline.Process(ctx, &intent.Intent{
		Proposer: "bob", ActionType: intent.KindInvoke,
		ArtifactID: "spin", Method: "run",
	}, 2)
	// 表达式可能在预算内完成，也可能被预算截断；两种情况都必须计费。
	if res.Outcome == eventlog.OutcomeAccepted && res.UnitsConsumed <= 0 {
		t.Fatalf("completed work must cost units: %+v", res)
	}
	if res.Outcome == eventlog.OutcomeRejected && res.UnitsConsumed <= 0 {
		t.Fatalf("interrupted work must still cost units: %+v", res)
	}
}
