package contract

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	celfuncs "github.com/google/cel-go/common/functions"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"Agora-Substrate/internal/artifact"
	xerrors "Agora-Substrate/internal/errors"
)

// celEngine 把 Artifact 的 CEL 可执行体编译为治理合约程序。
// 环境内只暴露纯函数与账本只读能力，合约代码无法产生副作用。
type celEngine struct {
	env     *cel.Env
	invoker Invoker
}

// celCostLimit 限制单次裁决的求值开销。许可检查免费（不计入账本），
// 但求值本身仍需有界，防止恶意合约拖死评估器。
const celCostLimit = 100_000

func newCELEngine(view LedgerView, invoker Invoker) (*celEngine, error) {
	e := &celEngine{invoker: invoker}
	env, err := cel.NewEnv(
		cel.Variable("caller", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("target", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("balance",
			cel.Overload("balance_principal_resource",
				[]*cel.Type{cel.StringType, cel.StringType}, cel.DoubleType,
				cel.BinaryBinding(func(principal, resource ref.Val) ref.Val {
					p, _ := principal.Value().(string)
					r, _ := resource.Value().(string)
					if view == nil {
						return types.Double(0)
					}
					amount, err := view.Balance(p, r)
					if err != nil {
						return types.Double(0)
					}
					return types.Double(amount)
				}))),
		cel.Function("frozen",
			cel.Overload("frozen_principal",
				[]*cel.Type{cel.StringType}, cel.BoolType,
				cel.UnaryBinding(func(principal ref.Val) ref.Val {
					p, _ := principal.Value().(string)
					if view == nil {
						return types.True
					}
					return types.Bool(view.IsFrozen(p))
				}))),
		cel.Function("invoke",
			cel.Overload("invoke_artifact_method",
				[]*cel.Type{cel.StringType, cel.StringType}, cel.DynType)),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "构建 CEL 环境失败")
	}
	e.env = env
	return e, nil
}

// invokeBinding 把合约内的 invoke(id, method) 转交给动作流水线。
// 绑定随每次裁决构造，调用帧由闭包按值携带，嵌套与并发的裁决
// 互不干扰。
func (e *celEngine) invokeBinding(ctx context.Context, frame callFrame) celfuncs.BinaryOp {
	return func(id, method ref.Val) ref.Val {
		if e.invoker == nil {
			return types.NewErr("invoke 不可用：未配置流水线")
		}
		artifactID, _ := id.Value().(string)
		methodName, _ := method.Value().(string)
		result, err := e.invoker.Invoke(ctx, frame.caller, frame.billing, artifactID, methodName, nil, frame.depth+1)
		if err != nil {
			return types.NewErr("嵌套调用失败: %v", err)
		}
		return types.DefaultTypeAdapter.NativeToValue(result)
	}
}

// callFrame 按值携带一次裁决的 (caller, billing, depth)。
type callFrame struct {
	caller  string
	billing string
	depth   int
}

// compile 只做语法与类型检查，程序在每次裁决时构造。
func (e *celEngine) compile(body string) (*cel.Ast, error) {
	ast, issues := e.env.Compile(body)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("编译合约失败: %w", issues.Err())
	}
	return ast, nil
}

// evaluate 对编译好的合约求值并转换为 Decision。
func (e *celEngine) evaluate(ctx context.Context, ast *cel.Ast, req Request) (Decision, error) {
	frame := callFrame{caller: req.Caller, billing: req.Caller, depth: req.Depth}
	prg, err := e.env.Program(ast,
		cel.Functions(&celfuncs.Overload{
			Operator: "invoke_artifact_method",
			Binary:   e.invokeBinding(ctx, frame),
		}),
		cel.EvalOptions(cel.OptTrackCost),
		cel.CostLimit(celCostLimit),
		cel.InterruptCheckFrequency(64),
	)
	if err != nil {
		return Decision{}, fmt.Errorf("构建合约程序失败: %w", err)
	}

	val, _, err := prg.ContextEval(ctx, map[string]any{
		"caller":  req.Caller,
		"action":  req.Action,
		"target":  targetMap(req.Target),
		"context": nonNil(req.Context),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("合约求值失败: %w", err)
	}
	return toDecision(val)
}

func targetMap(a *artifact.Artifact) map[string]any {
	if a == nil {
		return map[string]any{}
	}
	return map[string]any{
		"id":                 a.ID,
		"creator":            a.Creator,
		"kind":               string(a.Kind),
		"size":               a.Size,
		"content":            a.Content,
		"access_contract_id": a.AccessContractID,
		"created_at":         a.CreatedAt,
		"version":            a.Version,
	}
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// toDecision 支持两种返回形态：裸布尔值，或带
// allowed/reason/scrip_cost/payer/payment_dest/payment_split 字段的 map。
func toDecision(val ref.Val) (Decision, error) {
	if b, ok := val.Value().(bool); ok {
		if b {
			return Allow(), nil
		}
		return Deny("合约拒绝"), nil
	}

	native, err := val.ConvertToNative(reflect.TypeOf(map[string]any{}))
	if err != nil {
		return Decision{}, fmt.Errorf("合约返回值无法解释: %w", err)
	}
	fields, ok := native.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("合约返回值类型不受支持: %T", native)
	}

	d := Decision{Payer: PayerCaller}
	if allowed, ok := fields["allowed"].(bool); ok {
		d.Allowed = allowed
	}
	if reason, ok := fields["reason"].(string); ok {
		d.Reason = reason
	}
	switch cost := fields["scrip_cost"].(type) {
	case int64:
		d.ScripCost = cost
	case float64:
		d.ScripCost = int64(cost)
	case uint64:
		d.ScripCost = int64(cost)
	}
	if payer, ok := fields["payer"].(string); ok && PayerKind(payer) == PayerArtifact {
		d.Payer = PayerArtifact
	}
	if dest, ok := fields["payment_dest"].(string); ok {
		d.PaymentDest = dest
	}
	if split, ok := fields["payment_split"].(map[string]any); ok {
		d.PaymentSplit = make(map[string]float64, len(split))
		for dest, fraction := range split {
			switch f := fraction.(type) {
			case float64:
				d.PaymentSplit[dest] = f
			case int64:
				d.PaymentSplit[dest] = float64(f)
			}
		}
	}
	if d.ScripCost < 0 {
		return Decision{}, fmt.Errorf("合约声明了负成本: %d", d.ScripCost)
	}
	return d, nil
}
