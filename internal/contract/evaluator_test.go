package contract

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"Agora-Substrate/internal/artifact"
	xerrors "Agora-Substrate/internal/errors"
	"Agora-Substrate/internal/ledger"
)

func testFixture(t *testing.T) (*artifact.Store, *ledger.Ledger, *Evaluator) {
	t.Helper()
	store := artifact.NewStore()
	l := ledger.New([]ledger.ResourceSpec{
		{Name: "storage", Kind: ledger.ResourceStock, Quota: 10_000},
	})
	eval, err := NewEvaluator(store, l.ReadOnly(), nil, WithEvalTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	return store, l, eval
}

func mustCreate(t *testing.T, store *artifact.Store, in artifact.CreateInput) *artifact.Artifact {
	t.Helper()
	a, err := store.Create(in)
	if err != nil {
		t.Fatalf("create %s: %v", in.ID, err)
	}
	return a
}

func TestOwnerPolicy(t *testing.T) {
	store, _, eval := testFixture(t)
	target := mustCreate(t, store, artifact.CreateInput{
		ID: "doc", Creator: "alice", Content: "x", Kind: artifact.KindData,
		AccessContractID: PolicyOwner,
	})

	cases := []struct {
		caller  string
		action  string
		allowed bool
	}{
		{"alice", "write", true},
		{"bob", "write", false},
		{"bob", "read", true},
		{"bob", "delete", false},
		{"alice", "delete", true},
	}
	for _, tc := range cases {
		decision, _ := eval.Evaluate(context.Background(), Request{Caller: tc.caller, Action: tc.action, Target: target})
		if decision.Allowed != tc.allowed {
			t.Fatalf("%s %s: expected allowed=%v, got %+v", tc.caller, tc.action, tc.allowed, decision)
		}
	}
}

func TestCELContractDecision(t *testing.T) {
	store, l, eval := testFixture(t)
	if _, err := l.Spawn("rich", 1000); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := l.Spawn("poor", 1); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	// 付费读取：余额达到 100 的调用者放行，收 5 scrip。
	mustCreate(t, store, artifact.CreateInput{
		ID: "gate", Creator: "alice", Kind: artifact.KindExecutable,
		Language: artifact.LanguageCEL,
		Body: `{
			"allowed": balance(caller, "scrip") >= 100.0,
			"reason": "需要至少 100 scrip",
			"scrip_cost": 5,
			"payment_dest": target.creator
		}`,
	})
	target := mustCreate(t, store, artifact.CreateInput{
		ID: "paid-doc", Creator: "alice", Content: "data", Kind: artifact.KindData,
		AccessContractID: "gate",
	})

	decision, outcome := eval.Evaluate(context.Background(), Request{Caller: "rich", Action: "read", Target: target})
	if !decision.Allowed {
		t.Fatalf("expected rich caller to pass: %+v", decision)
	}
	if decision.ScripCost != 5 || decision.PaymentDest != "alice" {
		t.Fatalf("unexpected pricing: %+v", decision)
	}
	if outcome.Code != "" {
		t.Fatalf("unexpected outcome code: %+v", outcome)
	}

	decision, outcome = eval.Evaluate(context.Background(), Request{Caller: "poor", Action: "read", Target: target})
	if decision.Allowed {
		t.Fatalf("expected poor caller to be denied: %+v", decision)
	}
	if outcome.Code != xerrors.CodePermissionDenied {
		t.Fatalf("expected PermissionDenied, got %+v", outcome)
	}
}

func TestSelfGoverningContract(t *testing.T) {
	store, _, eval := testFixture(t)

	// 合约的 access_contract_id 指向自身：对它的修改请求由它自己裁决，
	// 不会递归触发第二次评估。
	self := mustCreate(t, store, artifact.CreateInput{
		ID: "self-gov", Creator: "alice", Kind: artifact.KindExecutable,
		Language:         artifact.LanguageCEL,
		Body:             `caller == target.creator || action == "read"`,
		AccessContractID: "self-gov",
	})

	decision, outcome := eval.Evaluate(context.Background(), Request{Caller: "alice", Action: "write", Target: self})
	if !decision.Allowed {
		t.Fatalf("self-governing write by creator should pass: %+v", decision)
	}
	if outcome.Code != "" || outcome.Dangling {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	decision, _ = eval.Evaluate(context.Background(), Request{Caller: "mallory", Action: "write", Target: self})
	if decision.Allowed {
		t.Fatal("self-governing write by stranger should be denied")
	}
}

func TestDanglingPolicyFallsBack(t *testing.T) {
	store, _, eval := testFixture(t)
	mustCreate(t, store, artifact.CreateInput{
		ID: "gone-contract", Creator: "alice", Kind: artifact.KindExecutable,
		Language: artifact.LanguageCEL, Body: "true",
	})
	target := mustCreate(t, store, artifact.CreateInput{
		ID: "doc", Creator: "alice", Content: "x", Kind: artifact.KindData,
		AccessContractID: "gone-contract",
	})
	if _, err := store.Delete("gone-contract"); err != nil {
		t.Fatalf("delete contract: %v", err)
	}

	// 悬空引用回退到默认策略（owner）：创建者仍可写，非致命。
	decision, outcome := eval.Evaluate(context.Background(), Request{Caller: "alice", Action: "write", Target: target})
	if !decision.Allowed {
		t.Fatalf("fallback policy should allow creator write: %+v", decision)
	}
	if !outcome.Dangling || outcome.Code != xerrors.CodeDanglingPolicy {
		t.Fatalf("expected dangling outcome, got %+v", outcome)
	}
}

func TestEvaluationErrorFailsClosed(t *testing.T) {
	store, _, eval := testFixture(t)
	// 除零在求值期失败：必须拒绝，而不是放行。
	mustCreate(t, store, artifact.CreateInput{
		ID: "broken", Creator: "alice", Kind: artifact.KindExecutable,
		Language: artifact.LanguageCEL, Body: `1 / 0 == 1`,
	})
	target := mustCreate(t, store, artifact.CreateInput{
		ID: "doc", Creator: "alice", Content: "x", Kind: artifact.KindData,
		AccessContractID: "broken",
	})

	decision, outcome := eval.Evaluate(context.Background(), Request{Caller: "alice", Action: "read", Target: target})
	if decision.Allowed {
		t.Fatal("evaluation failure must deny")
	}
	if outcome.Code != xerrors.CodePermissionDenied {
		t.Fatalf("expected PermissionDenied, got %+v", outcome)
	}
}

func TestDepthCapDenies(t *testing.T) {
	store, _, eval := testFixture(t)
	target := mustCreate(t, store, artifact.CreateInput{
		ID: "doc", Creator: "alice", Content: "x", Kind: artifact.KindData,
		AccessContractID: PolicyOpen,
	})

	decision, outcome := eval.Evaluate(context.Background(), Request{Caller: "alice", Action: "read", Target: target, Depth: 11})
	if decision.Allowed {
		t.Fatal("depth cap exceeded must deny")
	}
	if outcome.Code != xerrors.CodeDepthExceeded {
		t.Fatalf("expected DepthExceeded, got %+v", outcome)
	}
}

// echoInvoker 返回发起调用的主体，用于检验调用帧的归属。
type echoInvoker struct{}

func (echoInvoker) Invoke(_ context.Context, caller, _, _, _ string, _ map[string]any, _ int) (any, error) {
	return caller, nil
}

func TestConcurrentEvaluationsKeepOwnCaller(t *testing.T) {
	// 裁决可能与调度器的执行阶段并发发生，每次求值内的 invoke
	// 必须看到本次请求的调用者，而不是别的并发请求的。
	store := artifact.NewStore()
	l := ledger.New([]ledger.ResourceSpec{
		{Name: "storage", Kind: ledger.ResourceStock, Quota: 10_000},
	})
	eval, err := NewEvaluator(store, l.ReadOnly(), echoInvoker{}, WithEvalTimeout(time.Second))
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}

	mustCreate(t, store, artifact.CreateInput{
		ID: "mirror-gate", Creator: "alice", Kind: artifact.KindExecutable,
		Language: artifact.LanguageCEL,
		Body:     `invoke("mirror", "who") == caller`,
	})
	target := mustCreate(t, store, artifact.CreateInput{
		ID: "doc", Creator: "alice", Content: "x", Kind: artifact.KindData,
		AccessContractID: "mirror-gate",
	})

	var wg sync.WaitGroup
	failures := make(chan string, 16)
	for i := 0; i < 16; i++ {
		caller := fmt.Sprintf("agent-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				decision, _ := eval.Evaluate(context.Background(), Request{Caller: caller, Action: "read", Target: target})
				if !decision.Allowed {
					failures <- caller + ": " + decision.Reason
					return
				}
			}
		}()
	}
	wg.Wait()
	close(failures)
	if msg, ok := <-failures; ok {
		t.Fatalf("evaluation saw a foreign call frame: %s", msg)
	}
}

func TestNonEvaluableContractDenies(t *testing.T) {
	store, _, eval := testFixture(t)
	mustCreate(t, store, artifact.CreateInput{
		ID: "plain-data", Creator: "alice", Content: "not code", Kind: artifact.KindData,
	})
	target := mustCreate(t, store, artifact.CreateInput{
		ID: "doc", Creator: "alice", Content: "x", Kind: artifact.KindData,
		AccessContractID: "plain-data",
	})

	decision, outcome := eval.Evaluate(context.Background(), Request{Caller: "alice", Action: "read", Target: target})
	if decision.Allowed {
		t.Fatal("non-executable governing contract must deny")
	}
	if outcome.Dangling {
		t.Fatalf("present but non-evaluable contract is not dangling: %+v", outcome)
	}
}
