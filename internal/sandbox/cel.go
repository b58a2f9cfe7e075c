package sandbox

import (
	"context"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	celfuncs "github.com/google/cel-go/common/functions"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"Agora-Substrate/internal/artifact"
	xerrors "Agora-Substrate/internal/errors"
)

// celExecutor 执行以 CEL 表达式书写的可执行体。CEL 本身只有
// 白名单内的纯函数，没有 IO 能力；求值开销被逐步计量并折算成
// 计算单位，超出预算即中断。
type celExecutor struct {
	env     *cel.Env
	rate    float64
	invoker Invoker

	mu   sync.Mutex
	asts map[programKey]*cel.Ast
}

type programKey struct {
	id      string
	version int64
}

func newCELExecutor(cfg Config, invoker Invoker) (*celExecutor, error) {
	e := &celExecutor{
		rate:    cfg.UnitCostRate,
		invoker: invoker,
		asts:    make(map[programKey]*cel.Ast),
	}
	// invoke 只在这里声明签名，具体实现随每次求值绑定，
	// 这样调用帧跟着求值走而不是挂在执行器上。
	env, err := cel.NewEnv(
		cel.Variable("caller", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("self", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("invoke",
			cel.Overload("invoke_artifact_method",
				[]*cel.Type{cel.StringType, cel.StringType}, cel.DynType)),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "构建沙箱 CEL 环境失败")
	}
	e.env = env
	return e, nil
}

// invokeBinding 把 invoke(id, method) 转交给动作流水线。嵌套调用
// 的计费主体保持为链条发起者，深度加一后受统一上限约束。
func (e *celExecutor) invokeBinding(ctx context.Context, frame Frame) celfuncs.BinaryOp {
	return func(id, method ref.Val) ref.Val {
		if e.invoker == nil {
			return types.NewErr("invoke 不可用：未配置流水线")
		}
		artifactID, _ := id.Value().(string)
		methodName, _ := method.Value().(string)
		result, err := e.invoker.Invoke(ctx, frame.Caller, frame.Billing, artifactID, methodName, nil, frame.Depth+1)
		if err != nil {
			return types.NewErr("嵌套调用失败: %v", err)
		}
		return types.DefaultTypeAdapter.NativeToValue(result)
	}
}

// compiledAST 按 (id, version) 缓存编译结果。程序本身不缓存，
// 因为成本上限与 invoke 绑定随每次求值变化。
func (e *celExecutor) compiledAST(art *artifact.Artifact) (*cel.Ast, error) {
	key := programKey{id: art.ID, version: art.Version}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ast, ok := e.asts[key]; ok {
		return ast, nil
	}
	ast, issues := e.env.Compile(art.Body)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	e.asts[key] = ast
	return ast, nil
}

func (e *celExecutor) execute(ctx context.Context, art *artifact.Artifact, method string, args map[string]any, budget Budget, frame Frame) Result {
	ast, err := e.compiledAST(art)
	if err != nil {
		return Result{Err: xerrors.Wrap(xerrors.CodeExecutionFailure, err, "编译可执行体失败")}
	}

	costLimit := uint64(budget.Units / e.rate)
	if costLimit == 0 {
		costLimit = 1
	}
	prg, err := e.env.Program(ast,
		cel.Functions(&celfuncs.Overload{
			Operator: "invoke_artifact_method",
			Binary:   e.invokeBinding(ctx, frame),
		}),
		cel.EvalOptions(cel.OptTrackCost),
		cel.CostLimit(costLimit),
		cel.InterruptCheckFrequency(64),
	)
	if err != nil {
		return Result{Err: xerrors.Wrap(xerrors.CodeExecutionFailure, err, "构建求值程序失败")}
	}

	if args == nil {
		args = map[string]any{}
	}
	val, details, err := prg.ContextEval(ctx, map[string]any{
		"caller": frame.Caller,
		"method": method,
		"args":   args,
		"self": map[string]any{
			"id":      art.ID,
			"creator": art.Creator,
			"content": art.Content,
			"version": art.Version,
		},
	})

	units := budget.Units
	if details != nil {
		if cost := details.ActualCost(); cost != nil {
			units = float64(*cost) * e.rate
			if units > budget.Units {
				units = budget.Units
			}
		}
	}

	if err != nil {
		// 中断（超时或超预算）与求值异常都按失败处理；
		// 失败前消耗的计算单位照常计费。
		return Result{
			Err:           xerrors.Wrap(xerrors.CodeExecutionFailure, err, "沙箱求值失败"),
			UnitsConsumed: units,
		}
	}

	return Result{Success: true, ReturnValue: nativeValue(val), UnitsConsumed: units}
}

// nativeValue 把 CEL 值转成宿主侧类型。map 与 list 做深转换，
// 标量直接取底层值。
func nativeValue(val ref.Val) any {
	if native, err := val.ConvertToNative(reflect.TypeOf(map[string]any{})); err == nil {
		return native
	}
	if native, err := val.ConvertToNative(reflect.TypeOf([]any{})); err == nil {
		return native
	}
	return val.Value()
}
