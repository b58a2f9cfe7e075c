package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	wasi "github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"Agora-Substrate/internal/artifact"
	xerrors "Agora-Substrate/internal/errors"
)

// wasmExecutor 用 wazero 运行以 WASM 模块给出的可执行体。
// 默认全部拒绝：不挂载文件系统、不注入环境变量、不提供网络与
// 随机源；线性内存受页数上限约束，墙钟超时通过
// CloseOnContextDone 强制终止执行中的代码。
type wasmExecutor struct {
	runtime wazero.Runtime
	units   float64

	mu    sync.Mutex
	cache map[programKey]wazero.CompiledModule
}

func newWASMExecutor(ctx context.Context, cfg Config) (*wasmExecutor, error) {
	// wazero 以 64KB 页为单位计量内存。
	pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
	if pages == 0 {
		pages = 1
	}
	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi.MustInstantiate(ctx, r)

	return &wasmExecutor{
		runtime: r,
		units:   cfg.UnitsPerSecond,
		cache:   make(map[programKey]wazero.CompiledModule),
	}, nil
}

// wasmInput 是写入模块 stdin 的调用封套。
type wasmInput struct {
	Method string         `json:"method"`
	Args   map[string]any `json:"args,omitempty"`
}

func (e *wasmExecutor) compiled(ctx context.Context, art *artifact.Artifact) (wazero.CompiledModule, error) {
	key := programKey{id: art.ID, version: art.Version}
	e.mu.Lock()
	mod, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		return mod, nil
	}

	wasmBytes, err := base64.StdEncoding.DecodeString(art.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailure, err, "可执行体不是合法的 base64 WASM")
	}
	mod, err = e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailure, err, "编译 WASM 模块失败")
	}
	e.mu.Lock()
	e.cache[key] = mod
	e.mu.Unlock()
	return mod, nil
}

func (e *wasmExecutor) execute(ctx context.Context, art *artifact.Artifact, method string, args map[string]any, budget Budget) Result {
	mod, err := e.compiled(ctx, art)
	if err != nil {
		return Result{Err: err}
	}

	input, err := json.Marshal(wasmInput{Method: method, Args: args})
	if err != nil {
		return Result{Err: xerrors.Wrap(xerrors.CodeExecutionFailure, err, "编码调用参数失败")}
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(""). // 匿名实例，避免重复调用时的命名冲突
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	// 刻意不调用 WithFSConfig / WithEnv / WithRandSource / WithSysNanotime。

	start := time.Now()
	instance, err := e.runtime.InstantiateModule(ctx, mod, modCfg)
	consumed := e.charge(time.Since(start), budget)
	if instance != nil {
		_ = instance.Close(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			// 超时被强制终止：已消耗的部分照常计费。
			return Result{
				Err:           xerrors.Wrap(xerrors.CodeExecutionFailure, ctx.Err(), "WASM 执行超时被终止"),
				UnitsConsumed: consumed,
			}
		}
		return Result{
			Err:           xerrors.Wrap(xerrors.CodeExecutionFailure, err, "WASM 执行失败"),
			UnitsConsumed: consumed,
		}
	}
	if stderr.Len() > 0 {
		return Result{
			Err:           xerrors.New(xerrors.CodeExecutionFailure, "WASM stderr: "+stderr.String()),
			UnitsConsumed: consumed,
		}
	}

	return Result{Success: true, ReturnValue: decodeOutput(stdout.Bytes()), UnitsConsumed: consumed}
}

// charge 把墙钟时间折算为计算单位，封顶于预算。
func (e *wasmExecutor) charge(elapsed time.Duration, budget Budget) float64 {
	units := elapsed.Seconds() * e.units
	if budget.Units > 0 && units > budget.Units {
		units = budget.Units
	}
	return units
}

// decodeOutput 尝试把 stdout 解释为 JSON，失败则退回原始字符串。
func decodeOutput(out []byte) any {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err == nil {
		return decoded
	}
	return string(trimmed)
}

func (e *wasmExecutor) close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}
