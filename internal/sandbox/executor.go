package sandbox

import (
	"context"
	"time"

	"Agora-Substrate/internal/artifact"
	xerrors "Agora-Substrate/internal/errors"
)

// Budget 限定一次沙箱执行可消耗的资源。
type Budget struct {
	// Units 是本次执行允许消耗的计算单位上限。
	Units float64
	// Timeout 是墙钟超时，超过后执行被强制中断。
	Timeout time.Duration
}

// Frame 按值携带调用链上下文。Billing 是链条发起者：
// 嵌套消耗默认记在它头上，除非被调用方的合约声明自己付费。
type Frame struct {
	Caller  string
	Billing string
	Depth   int
}

// Result 汇总一次沙箱执行的结果。执行中途失败时，
// UnitsConsumed 仍然记录失败前已消耗的量，失败的工作同样要付费。
type Result struct {
	Success       bool
	ReturnValue   any
	Err           error
	UnitsConsumed float64
	Duration      time.Duration
}

// Invoker 允许被执行的代码以 depth+1 重入动作流水线。
type Invoker interface {
	Invoke(ctx context.Context, caller, billing, artifactID, method string, args map[string]any, depth int) (any, error)
}

// Executor 在隔离环境中执行可执行 Artifact 的代码体：
// 无文件系统、无网络，只有白名单内的纯函数与有界的 invoke 原语。
// 后端按可执行体语言分派：CEL 表达式或 WASM 模块。
type Executor struct {
	cel  *celExecutor
	wasm *wasmExecutor
}

// Config 描述执行器的计费参数。
type Config struct {
	// UnitCostRate 把 CEL 求值开销折算为计算单位。
	UnitCostRate float64 `json:"unit_cost_rate"`
	// UnitsPerSecond 把 WASM 的墙钟时间折算为计算单位。
	UnitsPerSecond float64 `json:"units_per_second"`
	// MemoryLimitBytes 限制 WASM 模块的线性内存。
	MemoryLimitBytes int64 `json:"memory_limit_bytes"`
}

func (c *Config) applyDefaults() {
	if c.UnitCostRate <= 0 {
		c.UnitCostRate = 1
	}
	if c.UnitsPerSecond <= 0 {
		c.UnitsPerSecond = 1000
	}
	if c.MemoryLimitBytes <= 0 {
		c.MemoryLimitBytes = 16 * 1024 * 1024
	}
}

// NewExecutor 构造执行器。invoker 可以为 nil，此时 invoke 原语不可用。
func NewExecutor(ctx context.Context, cfg Config, invoker Invoker) (*Executor, error) {
	cfg.applyDefaults()
	celExec, err := newCELExecutor(cfg, invoker)
	if err != nil {
		return nil, err
	}
	wasmExec, err := newWASMExecutor(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Executor{cel: celExec, wasm: wasmExec}, nil
}

// Execute 运行可执行 Artifact 的指定方法。超时由 context 强制执行；
// 被中断的执行按已消耗资源计费，不会部分落账。
func (e *Executor) Execute(ctx context.Context, art *artifact.Artifact, method string, args map[string]any, budget Budget, frame Frame) Result {
	if art == nil || !art.Executable() {
		return Result{Err: xerrors.New(xerrors.CodeExecutionFailure, "artifact 不可执行")}
	}
	if budget.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget.Timeout)
		defer cancel()
	}

	start := time.Now()
	var result Result
	switch art.Language {
	case artifact.LanguageCEL:
		result = e.cel.execute(ctx, art, method, args, budget, frame)
	case artifact.LanguageWASM:
		result = e.wasm.execute(ctx, art, method, args, budget)
	default:
		result = Result{Err: xerrors.New(xerrors.CodeExecutionFailure, "未知的可执行体语言: "+string(art.Language))}
	}
	result.Duration = time.Since(start)
	return result
}

// Close 释放底层运行时资源。
func (e *Executor) Close(ctx context.Context) error {
	return e.wasm.close(ctx)
}
