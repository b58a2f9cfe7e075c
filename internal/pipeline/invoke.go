package pipeline

import (
	"context"
	"time"

	"Agora-Substrate/internal/artifact"
	"Agora-Substrate/internal/contract"
	xerrors "Agora-Substrate/internal/errors"
	"Agora-Substrate/internal/sandbox"
)

// Invoke 承载沙箱代码与合约的有界重入：以 depth+1 重新进入
// 流水线的执行阶段。计费主体沿调用帧按值传递，嵌套消耗默认
// 记在链条发起者头上。嵌套调用不产生独立的事件记录，
// 其消耗汇入顶层动作的结算。
func (p *Pipeline) Invoke(ctx context.Context, caller, billing, artifactID, method string, args map[string]any, depth int) (any, error) {
	if depth > p.cfg.DepthCap {
		return nil, xerrors.New(xerrors.CodeDepthExceeded, "调用链超过深度上限")
	}

	art, err := p.store.Get(artifactID)
	if err != nil {
		return nil, xerrors.New(xerrors.CodeNotFound, "artifact 不存在: "+artifactID)
	}
	if !art.Executable() {
		return nil, xerrors.New(xerrors.CodeExecutionFailure, "artifact 不可执行: "+artifactID)
	}

	decision, outcome := p.evaluator.Evaluate(ctx, contract.Request{
		Caller:  caller,
		Action:  "invoke",
		Target:  art,
		Context: map[string]any{"method": method},
		Depth:   depth,
	})
	if !decision.Allowed {
		code := outcome.Code
		if code == "" {
			code = xerrors.CodePermissionDenied
		}
		return nil, xerrors.New(code, decision.Reason)
	}
	if decision.Payer == contract.PayerArtifact {
		billing = art.Creator
	}

	budget := p.invokeBudget(billing)
	result := p.executor.Execute(ctx, art, method, args,
		sandbox.Budget{Units: budget, Timeout: p.cfg.InvokeTimeout},
		sandbox.Frame{Caller: artifactID, Billing: billing, Depth: depth},
	)
	_ = p.store.AppendHistory(art.ID, artifact.HistoryEntry{
		Actor:     caller,
		Action:    "invoke " + method,
		Timestamp: time.Now().Unix(),
	})

	// 嵌套消耗当场结算到计费主体，失败的工作同样收费。
	p.settleUnits(billing, result.UnitsConsumed)
	if decision.ScripCost > 0 {
		res := &Result{}
		p.routePayment(caller, art, decision, res)
	}

	if !result.Success {
		if result.Err != nil {
			return nil, xerrors.Wrap(xerrors.CodeExecutionFailure, result.Err, "嵌套调用失败")
		}
		return nil, xerrors.New(xerrors.CodeExecutionFailure, "嵌套调用失败")
	}
	return result.ReturnValue, nil
}
