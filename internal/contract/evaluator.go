package contract

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"Agora-Substrate/internal/artifact"
	xerrors "Agora-Substrate/internal/errors"
	"Agora-Substrate/pkg/logger"
)

// Evaluator 把每一次待执行的动作路由到目标 Artifact 的治理合约。
// 裁决失败（异常、超时）一律拒绝（访问层 fail-closed）；
// 治理合约缺失（悬空引用）则回退到可配置的默认策略并记录警告
// （fail-open，但可观测，不致命）。
type Evaluator struct {
	store    *artifact.Store
	native   map[string]AccessContract
	engine   *celEngine
	fallback string
	depthCap int
	timeout  time.Duration
	log      *slog.Logger

	cacheMu sync.Mutex
	cache   map[programKey]*cel.Ast
}

type programKey struct {
	id      string
	version int64
}

// Outcome 描述一次裁决的分类信息，供流水线写入事件日志。
type Outcome struct {
	Code     xerrors.Code
	Dangling bool
}

// EvaluatorOption 定义可选配置。
type EvaluatorOption func(*Evaluator)

// WithDepthCap 设置合约调用链的递归深度上限。
func WithDepthCap(depth int) EvaluatorOption {
	return func(e *Evaluator) {
		if depth > 0 {
			e.depthCap = depth
		}
	}
}

// WithEvalTimeout 设置单次裁决的超时时间。
func WithEvalTimeout(timeout time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithFallbackPolicy 设置悬空引用时回退的默认策略 ID。
func WithFallbackPolicy(id string) EvaluatorOption {
	return func(e *Evaluator) {
		if id != "" {
			e.fallback = id
		}
	}
}

// WithEvaluatorLogger 指定日志输出。
func WithEvaluatorLogger(log *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.log = log
	}
}

// defaultDepthCap 是合约调用链的默认递归上限。
const defaultDepthCap = 10

// NewEvaluator 构造评估器。view 是合约代码唯一可见的账本句柄；
// invoker 可以为 nil，此时合约内的 invoke 不可用。
func NewEvaluator(store *artifact.Store, view LedgerView, invoker Invoker, opts ...EvaluatorOption) (*Evaluator, error) {
	engine, err := newCELEngine(view, invoker)
	if err != nil {
		return nil, err
	}
	e := &Evaluator{
		store:    store,
		native:   NativePolicies(),
		engine:   engine,
		fallback: PolicyOwner,
		depthCap: defaultDepthCap,
		timeout:  time.Second,
		cache:    make(map[programKey]*cel.Ast),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.log == nil {
		e.log = logger.Named("contract")
	}
	return e, nil
}

// Evaluate 对一次动作做出裁决。直接执行治理合约代码本身不需要
// 先行许可检查（否则会产生无限回归的定价问题）：许可检查免费，
// 只有被放行的动作在成功执行后才被收费。
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Decision, Outcome) {
	if req.Depth > e.depthCap {
		return Deny("合约调用链超过深度上限"), Outcome{Code: xerrors.CodeDepthExceeded}
	}
	if req.Target == nil {
		return Deny("目标 artifact 缺失"), Outcome{Code: xerrors.CodePermissionDenied}
	}

	governing, outcome := e.resolve(req.Target)
	if governing == nil {
		return Deny("治理合约不可用"), outcome
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	decision, err := governing.CheckPermission(evalCtx, req)
	if err != nil {
		// 访问层 fail-closed：求值异常等同拒绝。
		e.log.Warn("合约求值失败，按拒绝处理",
			slog.String("artifact", req.Target.ID),
			slog.String("action", req.Action),
			slog.Any("error", err),
		)
		return Deny("合约求值失败: " + err.Error()), Outcome{Code: xerrors.CodePermissionDenied, Dangling: outcome.Dangling}
	}
	if !decision.Allowed && outcome.Code == "" {
		outcome.Code = xerrors.CodePermissionDenied
	}
	if decision.Payer == "" {
		decision.Payer = PayerCaller
	}
	return decision, outcome
}

// resolve 找到目标 Artifact 的治理合约实现。
func (e *Evaluator) resolve(target *artifact.Artifact) (AccessContract, Outcome) {
	contractID := target.AccessContractID

	if native, ok := e.native[contractID]; ok {
		return native, Outcome{}
	}

	governing, err := e.store.Get(contractID)
	if err != nil {
		// 悬空引用：治理合约已被删除。回退默认策略，记录警告。
		e.log.Warn("治理合约缺失，回退默认策略",
			slog.String("artifact", target.ID),
			slog.String("contract", contractID),
			slog.String("fallback", e.fallback),
		)
		if native, ok := e.native[e.fallback]; ok {
			return native, Outcome{Code: xerrors.CodeDanglingPolicy, Dangling: true}
		}
		return nil, Outcome{Code: xerrors.CodeDanglingPolicy, Dangling: true}
	}

	if !governing.Executable() || governing.Language != artifact.LanguageCEL {
		// 不可求值的治理合约按 fail-closed 处理。
		return nil, Outcome{Code: xerrors.CodePermissionDenied}
	}

	ast, err := e.compiled(governing)
	if err != nil {
		e.log.Warn("治理合约编译失败",
			slog.String("contract", governing.ID),
			slog.Any("error", err),
		)
		return nil, Outcome{Code: xerrors.CodePermissionDenied}
	}
	return &celContract{engine: e.engine, ast: ast}, Outcome{}
}

// compiled 返回编译缓存中的合约，键为 (合约 ID, 版本)。
func (e *Evaluator) compiled(governing *artifact.Artifact) (*cel.Ast, error) {
	key := programKey{id: governing.ID, version: governing.Version}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if ast, ok := e.cache[key]; ok {
		return ast, nil
	}
	ast, err := e.engine.compile(governing.Body)
	if err != nil {
		return nil, err
	}
	e.cache[key] = ast
	return ast, nil
}

// celContract 把编译好的 CEL 合约适配为 AccessContract。
type celContract struct {
	engine *celEngine
	ast    *cel.Ast
}

func (c *celContract) CheckPermission(ctx context.Context, req Request) (Decision, error) {
	return c.engine.evaluate(ctx, c.ast, req)
}
