package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"Agora-Substrate/internal/artifact"
	"Agora-Substrate/internal/contract"
	xerrors "Agora-Substrate/internal/errors"
	"Agora-Substrate/internal/eventlog"
	"Agora-Substrate/internal/intent"
	"Agora-Substrate/internal/ledger"
	"Agora-Substrate/internal/observability/metrics"
	"Agora-Substrate/internal/sandbox"
	"Agora-Substrate/pkg/logger"
)

// RejectChargeMode 决定被拒绝的动作是否收费。
// 这是源设计中被刻意保留的开放问题，因此做成配置而不是猜一个默认值。
type RejectChargeMode string

const (
	// RejectChargeNone 拒绝不收费。
	RejectChargeNone RejectChargeMode = "none"
	// RejectChargeEvaluated 仅对走到合约求值的拒绝收费。
	RejectChargeEvaluated RejectChargeMode = "evaluated"
	// RejectChargeAll 对通过模式校验后的一切拒绝收费。
	RejectChargeAll RejectChargeMode = "all"
)

// Config 描述流水线的计费与限额参数。
type Config struct {
	// RejectCharge 控制被拒动作的收费策略。
	RejectCharge RejectChargeMode `json:"reject_charge"`
	// ComputeResource 是动作执行消耗的流量资源名。
	ComputeResource string `json:"compute_resource"`
	// StorageResource 是写入占用的存量资源名。
	StorageResource string `json:"storage_resource"`
	// BaseUnits 是非执行类动作的固定计算开销。
	BaseUnits float64 `json:"base_units"`
	// InvokeUnits 是单次调用允许的计算单位预算上限。
	InvokeUnits float64 `json:"invoke_units"`
	// InvokeTimeout 是单次调用的墙钟超时。
	InvokeTimeout time.Duration `json:"invoke_timeout"`
	// DepthCap 是嵌套调用链的深度上限，与合约递归共用一套口径。
	DepthCap int `json:"depth_cap"`
	// FallbackPolicy 是悬空治理引用时回退的默认策略 ID。
	FallbackPolicy string `json:"fallback_policy"`
}

func (c *Config) applyDefaults() {
	if c.RejectCharge == "" {
		c.RejectCharge = RejectChargeEvaluated
	}
	if c.ComputeResource == "" {
		c.ComputeResource = "compute"
	}
	if c.StorageResource == "" {
		c.StorageResource = "storage"
	}
	if c.BaseUnits <= 0 {
		c.BaseUnits = 1
	}
	if c.InvokeUnits <= 0 {
		c.InvokeUnits = 100
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = 2 * time.Second
	}
	if c.DepthCap <= 0 {
		c.DepthCap = 10
	}
	if c.FallbackPolicy == "" {
		c.FallbackPolicy = contract.PolicyOwner
	}
}

// Exporter 把终态记录广播给外部观察者。导出失败不阻断流水线。
type Exporter interface {
	Export(ctx context.Context, rec *eventlog.Record) error
}

// Result 是一次动作走完流水线后的结构化结果，
// 返回给提案主体：结局、理由、费用，不含内部堆栈。
type Result struct {
	Outcome       eventlog.Outcome
	Success       bool
	ReturnValue   any
	Reason        string
	ErrorCode     xerrors.Code
	UnitsConsumed float64
	ScripCost     int64
	// Dangling 表示裁决走了悬空治理引用的回退策略，
	// 放行的动作也要在事件记录里留下痕迹。
	Dangling bool
	Record   *eventlog.Record
}

// Pipeline 实现动作状态机：
// Proposed -> Validated -> {Rejected | AdmissionChecked -> Executed -> Settled -> Logged}。
// Execute 与 Settle 在每个 tick 内串行执行，账本互斥锁保证跨 tick 原子性。
// Pipeline 同时实现合约与沙箱的 Invoker 接口，承载 depth+1 的重入调用。
type Pipeline struct {
	cfg       Config
	ledger    *ledger.Ledger
	store     *artifact.Store
	evaluator *contract.Evaluator
	executor  *sandbox.Executor
	events    eventlog.Store
	exporter  Exporter
	log       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Pipeline)

// WithExporter 挂接事件导出器。
func WithExporter(exporter Exporter) Option {
	return func(p *Pipeline) { p.exporter = exporter }
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// New 构造流水线。评估器与执行器在内部创建并以流水线自身作为
// Invoker，形成有界的重入闭环。
func New(ctx context.Context, cfg Config, led *ledger.Ledger, store *artifact.Store, events eventlog.Store, sandboxCfg sandbox.Config, opts ...Option) (*Pipeline, error) {
	cfg.applyDefaults()
	p := &Pipeline{
		cfg:    cfg,
		ledger: led,
		store:  store,
		events: events,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.log == nil {
		p.log = logger.Named("pipeline")
	}

	evaluator, err := contract.NewEvaluator(store, led.ReadOnly(), p,
		contract.WithDepthCap(cfg.DepthCap),
		contract.WithFallbackPolicy(cfg.FallbackPolicy),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建合约评估器失败")
	}
	executor, err := sandbox.NewExecutor(ctx, sandboxCfg, p)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建沙箱执行器失败")
	}
	p.evaluator = evaluator
	p.executor = executor
	return p, nil
}

// Close 释放沙箱运行时资源。
func (p *Pipeline) Close(ctx context.Context) error {
	if p.executor == nil {
		return nil
	}
	return p.executor.Close(ctx)
}

// Process 让一条意图走完整个状态机并返回结构化结果。
// 每个终态恰好产生一条事件记录。
func (p *Pipeline) Process(ctx context.Context, in *intent.Intent, tick int64) *Result {
	// Validated：纯模式校验，失败的意图在收费之前即被拒绝。
	if err := in.Validate(); err != nil {
		return p.finish(ctx, in, tick, &Result{
			Outcome:   eventlog.OutcomeRejected,
			Reason:    err.Error(),
			ErrorCode: xerrors.CodeOf(err),
		})
	}
	if !p.ledger.Exists(in.Proposer) || p.ledger.IsFrozen(in.Proposer) {
		return p.finish(ctx, in, tick, &Result{
			Outcome:   eventlog.OutcomeRejected,
			Reason:    "提案主体不存在或已冻结",
			ErrorCode: xerrors.CodePermissionDenied,
		})
	}

	// AdmissionChecked：保守的代理费用检查，只允许保守方向的误判。
	proxy := p.proxyCost(in)
	if reason, code := p.admit(in, proxy); code != "" {
		res := &Result{Outcome: eventlog.OutcomeRejected, Reason: reason, ErrorCode: code}
		p.chargeReject(in.Proposer, res, false)
		res.Record = p.record(in, tick, res, proxy)
		return p.finish(ctx, in, tick, res)
	}

	// Executed + Settled：真正的状态变更与权威结算。
	res := p.execute(ctx, in)
	res.Record = p.record(in, tick, res, proxy)
	return p.finish(ctx, in, tick, res)
}

// proxyCost 估算动作的保守计算开销。
func (p *Pipeline) proxyCost(in *intent.Intent) float64 {
	if in.ActionType == intent.KindInvoke {
		return p.cfg.InvokeUnits
	}
	return p.cfg.BaseUnits
}

// admit 做准入检查。返回非空错误码表示拒绝。
func (p *Pipeline) admit(in *intent.Intent, proxy float64) (string, xerrors.Code) {
	if !p.ledger.CanAfford(in.Proposer, p.cfg.ComputeResource, proxy) {
		return "计算资源不足以覆盖预估开销", xerrors.CodeInsufficientCapacity
	}
	switch in.ActionType {
	case intent.KindWrite:
		delta := artifact.ByteSize(in.Content, in.Body)
		if existing, err := p.store.Get(in.ArtifactID); err == nil {
			delta -= existing.Size
		}
		if delta > 0 && !p.ledger.CanAfford(in.Proposer, p.cfg.StorageResource, float64(delta)) {
			return "存量配额不足以容纳写入", xerrors.CodeInsufficientCapacity
		}
	case intent.KindSpawn, intent.KindTransfer:
		if !p.ledger.CanAfford(in.Proposer, ledger.ResourceScrip, float64(in.Amount)) {
			return "scrip 余额不足", xerrors.CodeInsufficientFunds
		}
	}
	return "", ""
}

// chargeReject 按配置对被拒动作收费。evaluated 表示拒绝发生在合约求值之后。
func (p *Pipeline) chargeReject(proposer string, res *Result, evaluated bool) {
	switch p.cfg.RejectCharge {
	case RejectChargeAll:
	case RejectChargeEvaluated:
		if !evaluated {
			return
		}
	default:
		return
	}
	if err := p.ledger.Debit(proposer, p.cfg.ComputeResource, p.cfg.BaseUnits); err == nil {
		res.UnitsConsumed = p.cfg.BaseUnits
	}
}

// record 构造终态事件记录。意图摘要在构造时即已脱敏。
func (p *Pipeline) record(in *intent.Intent, tick int64, res *Result, proxy float64) *eventlog.Record {
	rec := eventlog.NewRecord(in, tick, res.Outcome).
		WithCosts(int64(math.Ceil(proxy)), int64(math.Ceil(res.UnitsConsumed))).
		WithScripCost(res.ScripCost)
	switch res.Outcome {
	case eventlog.OutcomeAccepted:
		rec.WithEffect(res.Reason)
	case eventlog.OutcomeModified:
		rec.WithEffect(res.Reason)
		rec.Reason = res.Reason
		rec.ErrorCode = string(res.ErrorCode)
	default:
		rec.Reason = res.Reason
		rec.ErrorCode = string(res.ErrorCode)
	}
	if res.Dangling && rec.ErrorCode == "" {
		// 放行但走了回退策略的动作也要可审计。
		rec.ErrorCode = string(xerrors.CodeDanglingPolicy)
	}
	return rec
}

// finish 落账事件记录并尽力导出。终态有且仅有一条记录。
func (p *Pipeline) finish(ctx context.Context, in *intent.Intent, tick int64, res *Result) *Result {
	if res.Record == nil {
		res.Record = p.record(in, tick, res, 0)
	}
	if err := p.events.Append(ctx, res.Record); err != nil {
		p.log.Error("事件记录写入失败",
			slog.String("proposer", in.Proposer),
			slog.Any("error", err),
		)
	}
	if p.exporter != nil {
		if err := p.exporter.Export(ctx, res.Record); err != nil {
			p.log.Warn("事件导出失败", slog.Any("error", err))
		}
	}
	metrics.ObserveAction(string(in.ActionType), string(res.Outcome))
	res.Success = res.Outcome == eventlog.OutcomeAccepted || res.Outcome == eventlog.OutcomeModified
	return res
}

// execute 执行真正的状态变更。合约闸门在此阶段触发。
func (p *Pipeline) execute(ctx context.Context, in *intent.Intent) *Result {
	switch in.ActionType {
	case intent.KindNoop:
		return p.settleFixed(in.Proposer, &Result{
			Outcome: eventlog.OutcomeAccepted,
			Reason:  "noop",
		})
	case intent.KindRead:
		return p.executeRead(ctx, in)
	case intent.KindWrite:
		return p.executeWrite(ctx, in)
	case intent.KindDelete:
		return p.executeDelete(ctx, in)
	case intent.KindInvoke:
		return p.executeInvoke(ctx, in)
	case intent.KindSpawn:
		return p.executeSpawn(in)
	case intent.KindTransfer:
		return p.executeTransfer(in)
	}
	return &Result{
		Outcome:   eventlog.OutcomeRejected,
		Reason:    "未知的动作类型",
		ErrorCode: xerrors.CodeSchemaInvalid,
	}
}

// gate 路由到目标的治理合约并裁决。Result 为 nil 表示放行，
// 此时 Outcome 仍可能携带悬空回退标记，由调用方带进终态记录。
func (p *Pipeline) gate(ctx context.Context, caller, action string, target *artifact.Artifact, extra map[string]any) (contract.Decision, contract.Outcome, *Result) {
	decision, outcome := p.evaluator.Evaluate(ctx, contract.Request{
		Caller:  caller,
		Action:  action,
		Target:  target,
		Context: extra,
	})
	if !decision.Allowed {
		code := outcome.Code
		if code == "" {
			code = xerrors.CodePermissionDenied
		}
		res := &Result{Outcome: eventlog.OutcomeRejected, Reason: decision.Reason, ErrorCode: code, Dangling: outcome.Dangling}
		p.chargeReject(caller, res, true)
		return decision, outcome, res
	}
	return decision, outcome, nil
}

func (p *Pipeline) executeRead(ctx context.Context, in *intent.Intent) *Result {
	art, err := p.store.Get(in.ArtifactID)
	if err != nil {
		return &Result{Outcome: eventlog.OutcomeRejected, Reason: "artifact 不存在", ErrorCode: xerrors.CodeNotFound}
	}
	decision, gateOutcome, rejected := p.gate(ctx, in.Proposer, "read", art, nil)
	if rejected != nil {
		return rejected
	}
	res := &Result{
		Outcome:     eventlog.OutcomeAccepted,
		ReturnValue: art.Content,
		Reason:      "read " + art.ID,
		Dangling:    gateOutcome.Dangling,
	}
	p.routePayment(in.Proposer, art, decision, res)
	return p.settleFixed(in.Proposer, res)
}

func (p *Pipeline) executeWrite(ctx context.Context, in *intent.Intent) *Result {
	existing, err := p.store.Get(in.ArtifactID)
	if err != nil {
		return p.executeCreate(in)
	}

	decision, gateOutcome, rejected := p.gate(ctx, in.Proposer, "write", existing, nil)
	if rejected != nil {
		return rejected
	}

	// 写入前按大小增量重查存量配额；减量在写入后释放。
	delta := artifact.ByteSize(in.Content, in.Body) - existing.Size
	if delta > 0 {
		if err := p.ledger.Debit(existing.Creator, p.cfg.StorageResource, float64(delta)); err != nil {
			return &Result{Outcome: eventlog.OutcomeRejected, Reason: "存量配额不足以容纳写入", ErrorCode: xerrors.CodeInsufficientCapacity}
		}
	}
	if _, err := p.store.UpdateContent(in.ArtifactID, in.Content, in.Body); err != nil {
		if delta > 0 {
			_ = p.ledger.Credit(existing.Creator, p.cfg.StorageResource, float64(delta))
		}
		return &Result{Outcome: eventlog.OutcomeRejected, Reason: "写入失败", ErrorCode: xerrors.CodeStorageFailure}
	}
	if delta < 0 {
		_ = p.ledger.Credit(existing.Creator, p.cfg.StorageResource, float64(-delta))
	}

	res := &Result{
		Outcome:  eventlog.OutcomeAccepted,
		Reason:   fmt.Sprintf("updated artifact %s (%+d bytes)", in.ArtifactID, delta),
		Dangling: gateOutcome.Dangling,
	}
	p.routePayment(in.Proposer, existing, decision, res)
	return p.settleFixed(in.Proposer, res)
}

// executeCreate 处理对不存在 ID 的写入：创建即写入，无治理闸门
// （新 Artifact 尚无治理合约），只受存量配额约束。
func (p *Pipeline) executeCreate(in *intent.Intent) *Result {
	size := artifact.ByteSize(in.Content, in.Body)
	if err := p.ledger.Debit(in.Proposer, p.cfg.StorageResource, float64(size)); err != nil {
		return &Result{Outcome: eventlog.OutcomeRejected, Reason: "存量配额不足以容纳写入", ErrorCode: xerrors.CodeInsufficientCapacity}
	}
	_, err := p.store.Create(artifact.CreateInput{
		ID:               in.ArtifactID,
		Creator:          in.Proposer,
		Content:          in.Content,
		Kind:             in.ArtifactKind,
		Body:             in.Body,
		Language:         in.Language,
		AccessContractID: in.PolicyRef,
	})
	if err != nil {
		_ = p.ledger.Credit(in.Proposer, p.cfg.StorageResource, float64(size))
		code := xerrors.CodeStorageFailure
		if xerrors.CodeOf(err) == xerrors.CodeConflict {
			code = xerrors.CodeConflict
		}
		return &Result{Outcome: eventlog.OutcomeRejected, Reason: "创建失败: " + err.Error(), ErrorCode: code}
	}
	return p.settleFixed(in.Proposer, &Result{
		Outcome: eventlog.OutcomeAccepted,
		Reason:  fmt.Sprintf("created artifact %s (%d bytes)", in.ArtifactID, size),
	})
}

func (p *Pipeline) executeDelete(ctx context.Context, in *intent.Intent) *Result {
	art, err := p.store.Get(in.ArtifactID)
	if err != nil {
		return &Result{Outcome: eventlog.OutcomeRejected, Reason: "artifact 不存在", ErrorCode: xerrors.CodeNotFound}
	}
	decision, gateOutcome, rejected := p.gate(ctx, in.Proposer, "delete", art, nil)
	if rejected != nil {
		return rejected
	}
	freed, err := p.store.Delete(in.ArtifactID)
	if err != nil {
		return &Result{Outcome: eventlog.OutcomeRejected, Reason: "删除失败", ErrorCode: xerrors.CodeStorageFailure}
	}
	// 删除立即释放存量配额，归还给占用方（创建者）。
	_ = p.ledger.Credit(art.Creator, p.cfg.StorageResource, float64(freed))

	res := &Result{
		Outcome:  eventlog.OutcomeAccepted,
		Reason:   fmt.Sprintf("deleted artifact %s (freed %d bytes)", in.ArtifactID, freed),
		Dangling: gateOutcome.Dangling,
	}
	p.routePayment(in.Proposer, art, decision, res)
	return p.settleFixed(in.Proposer, res)
}

func (p *Pipeline) executeInvoke(ctx context.Context, in *intent.Intent) *Result {
	art, err := p.store.Get(in.ArtifactID)
	if err != nil {
		return &Result{Outcome: eventlog.OutcomeRejected, Reason: "artifact 不存在", ErrorCode: xerrors.CodeNotFound}
	}
	if !art.Executable() {
		return &Result{Outcome: eventlog.OutcomeRejected, Reason: "artifact 不可执行", ErrorCode: xerrors.CodeExecutionFailure}
	}
	decision, gateOutcome, rejected := p.gate(ctx, in.Proposer, "invoke", art, map[string]any{"method": in.Method})
	if rejected != nil {
		return rejected
	}

	// 除非合约声明 Artifact 付费，否则嵌套消耗记在链条发起者头上。
	billing := in.Proposer
	if decision.Payer == contract.PayerArtifact {
		billing = art.Creator
	}
	budget := p.invokeBudget(billing)
	result := p.executor.Execute(ctx, art, in.Method, in.Args,
		sandbox.Budget{Units: budget, Timeout: p.cfg.InvokeTimeout},
		sandbox.Frame{Caller: in.Proposer, Billing: billing, Depth: 0},
	)
	_ = p.store.AppendHistory(art.ID, artifact.HistoryEntry{
		Actor:     in.Proposer,
		Action:    "invoke " + in.Method,
		Timestamp: time.Now().Unix(),
	})

	res := &Result{ReturnValue: result.ReturnValue, UnitsConsumed: result.UnitsConsumed, Dangling: gateOutcome.Dangling}
	outcome := p.settleUnits(billing, result.UnitsConsumed)
	if !result.Success {
		// 失败前已消耗的资源照常收费。
		res.Outcome = eventlog.OutcomeRejected
		res.Reason = "执行失败"
		res.ErrorCode = xerrors.CodeExecutionFailure
		if result.Err != nil {
			res.Reason = "执行失败: " + result.Err.Error()
			if code := xerrors.CodeOf(result.Err); code != xerrors.CodeUnknown {
				res.ErrorCode = code
			}
		}
		return res
	}
	res.Outcome = outcome
	res.Reason = fmt.Sprintf("invoked %s.%s (%.1f units)", art.ID, in.Method, result.UnitsConsumed)
	p.routePayment(in.Proposer, art, decision, res)
	return res
}

func (p *Pipeline) executeSpawn(in *intent.Intent) *Result {
	// 初始划拨来自提案主体的余额，spawn 不铸造新 scrip。
	if err := p.ledger.Debit(in.Proposer, ledger.ResourceScrip, float64(in.Amount)); err != nil {
		return &Result{Outcome: eventlog.OutcomeRejected, Reason: "scrip 余额不足", ErrorCode: xerrors.CodeInsufficientFunds}
	}
	if _, err := p.ledger.Spawn(in.To, in.Amount); err != nil {
		_ = p.ledger.Credit(in.Proposer, ledger.ResourceScrip, float64(in.Amount))
		return &Result{Outcome: eventlog.OutcomeRejected, Reason: "创建主体失败: " + err.Error(), ErrorCode: xerrors.CodeOf(err)}
	}
	return p.settleFixed(in.Proposer, &Result{
		Outcome: eventlog.OutcomeAccepted,
		Reason:  fmt.Sprintf("spawned principal %s with %d scrip", in.To, in.Amount),
	})
}

func (p *Pipeline) executeTransfer(in *intent.Intent) *Result {
	if err := p.ledger.Transfer(in.Proposer, in.To, ledger.ResourceScrip, float64(in.Amount)); err != nil {
		return &Result{Outcome: eventlog.OutcomeRejected, Reason: "转账失败: " + err.Error(), ErrorCode: xerrors.CodeOf(err)}
	}
	return p.settleFixed(in.Proposer, &Result{
		Outcome: eventlog.OutcomeAccepted,
		Reason:  fmt.Sprintf("transferred %d scrip to %s", in.Amount, in.To),
	})
}

// settleFixed 按固定开销结算非执行类动作。
func (p *Pipeline) settleFixed(proposer string, res *Result) *Result {
	res.UnitsConsumed = p.cfg.BaseUnits
	res.Outcome = p.settleUnitsInto(proposer, p.cfg.BaseUnits, res.Outcome)
	return res
}

// settleUnits 按实际消耗结算并返回结局。
func (p *Pipeline) settleUnits(billing string, units float64) eventlog.Outcome {
	return p.settleUnitsInto(billing, units, eventlog.OutcomeAccepted)
}

// settleUnitsInto 做权威结算。结算与准入估计的偏差不回溯撤销，
// 只向前反映：余额不足以覆盖实际消耗时扣到零并以 Modified 终态
// 显式记录被截断的费用，绝不静默的部分成功。
func (p *Pipeline) settleUnitsInto(billing string, units float64, outcome eventlog.Outcome) eventlog.Outcome {
	if units <= 0 {
		return outcome
	}
	if err := p.ledger.Debit(billing, p.cfg.ComputeResource, units); err == nil {
		return outcome
	}
	available, err := p.ledger.Balance(billing, p.cfg.ComputeResource)
	if err == nil && available > 0 {
		_ = p.ledger.Debit(billing, p.cfg.ComputeResource, available)
	}
	p.log.Warn("结算费用被截断",
		slog.String("billing", billing),
		slog.Float64("units", units),
		slog.Float64("charged", available),
	)
	return eventlog.OutcomeModified
}

// routePayment 在被放行的动作成功执行后应用合约声明的 scrip 费用。
// 支付失败不回滚已完成的状态变更，只降级为 Modified 终态。
func (p *Pipeline) routePayment(caller string, target *artifact.Artifact, decision contract.Decision, res *Result) {
	if decision.ScripCost <= 0 {
		return
	}
	payer := caller
	if decision.Payer == contract.PayerArtifact {
		payer = target.Creator
	}
	dest := decision.PaymentDest
	if dest == "" {
		dest = target.Creator
	}

	if len(decision.PaymentSplit) > 0 {
		paid := int64(0)
		for recipient, fraction := range decision.PaymentSplit {
			share := int64(float64(decision.ScripCost) * fraction)
			if share <= 0 {
				continue
			}
			if err := p.ledger.Transfer(payer, recipient, ledger.ResourceScrip, float64(share)); err != nil {
				res.Outcome = eventlog.OutcomeModified
				res.Reason = res.Reason + "; scrip 分账部分失败"
				break
			}
			paid += share
		}
		res.ScripCost = paid
		return
	}

	if err := p.ledger.Transfer(payer, dest, ledger.ResourceScrip, float64(decision.ScripCost)); err != nil {
		res.Outcome = eventlog.OutcomeModified
		res.Reason = res.Reason + "; scrip 支付失败"
		return
	}
	res.ScripCost = decision.ScripCost
}

// invokeBudget 给出本次调用的计算预算：配置上限与付费方余额取小。
func (p *Pipeline) invokeBudget(billing string) float64 {
	budget := p.cfg.InvokeUnits
	if available, err := p.ledger.Balance(billing, p.cfg.ComputeResource); err == nil && available < budget {
		budget = available
	}
	if budget < 1 {
		budget = 1
	}
	return budget
}
