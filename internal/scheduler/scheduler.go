package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"Agora-Substrate/internal/artifact"
	"Agora-Substrate/internal/intent"
	xerrors "Agora-Substrate/internal/errors"
	"Agora-Substrate/internal/ledger"
	"Agora-Substrate/internal/observability/alerting"
	"Agora-Substrate/internal/observability/metrics"
	"Agora-Substrate/internal/pipeline"
	"Agora-Substrate/pkg/logger"
)

// Agent 是外部推理层在调度器中的代理：对着冻结的世界快照
// 提出恰好一条意图。Propose 可能等待外部 LLM，延迟无界，
// 必须可被 context 取消。
type Agent interface {
	Propose(ctx context.Context, view *WorldView) (*intent.Intent, error)
}

// WorldView 是一次 tick 开始时的世界快照。同一 tick 内所有
// Agent 看到完全相同的视图，提案顺序不产生信息优势。
type WorldView struct {
	Tick       int64
	Principals []ledger.Snapshot
	Artifacts  []*artifact.Artifact
}

// Config 描述调度器参数。
type Config struct {
	// TickInterval 是两次 tick 之间的间隔。
	TickInterval time.Duration `json:"tick_interval"`
	// ProposalTimeout 是单个 Agent 提案的超时。
	ProposalTimeout time.Duration `json:"proposal_timeout"`
	// WorkerCount 是观察阶段的并发上限。
	WorkerCount int `json:"worker_count"`
	// ProposalUnits 是提案本身的计算开销，无论结局都要付。
	ProposalUnits float64 `json:"proposal_units"`
	// ComputeResource 是提案开销对应的流量资源名。
	ComputeResource string `json:"compute_resource"`
	// Seed 是行动阶段洗牌的随机种子，记录后可复现。
	Seed int64 `json:"seed"`
	// StorageRent 是每 tick 对存量占用收取的 scrip 租金率（0 关闭）。
	StorageRent float64 `json:"storage_rent"`
	// FreezeThreshold 低于该 scrip 余额的主体被冻结（0 关闭）。
	FreezeThreshold int64 `json:"freeze_threshold"`
	// CooldownTicks 是提案失败后 Agent 的冷却时长。
	CooldownTicks int64 `json:"cooldown_ticks"`
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.ProposalTimeout <= 0 {
		c.ProposalTimeout = 10 * time.Second
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.ProposalUnits < 0 {
		c.ProposalUnits = 0
	}
	if c.ComputeResource == "" {
		c.ComputeResource = "compute"
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

// Resolver 是每个 tick 结束时被通知的外部钩子，拍卖结算挂在这里。
type Resolver interface {
	OnTick(ctx context.Context, tick int64)
}

// Scheduler 驱动两阶段 tick：观察阶段并发收集提案，
// 行动阶段按随机顺序串行执行。
type Scheduler struct {
	cfg      Config
	ledger   *ledger.Ledger
	store    *artifact.Store
	pipe     *pipeline.Pipeline
	resolver Resolver
	alerter  alerting.Dispatcher
	rng      *rand.Rand
	log      *slog.Logger

	mu       sync.Mutex
	agents   map[string]Agent
	cooldown map[string]int64
	tick     int64

	// gate 在快照期间暂停准入（stop-the-world）。
	gate sync.RWMutex
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithResolver 挂接 tick 末尾的结算钩子。
func WithResolver(r Resolver) Option {
	return func(s *Scheduler) { s.resolver = r }
}

// WithAlertDispatcher 挂接运营侧告警通道，主体被冻结时通知。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(s *Scheduler) { s.alerter = dispatcher }
}

// WithSchedulerLogger 指定日志输出。
func WithSchedulerLogger(log *slog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// New 构造调度器。
func New(cfg Config, led *ledger.Ledger, store *artifact.Store, pipe *pipeline.Pipeline, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		cfg:      cfg,
		ledger:   led,
		store:    store,
		pipe:     pipe,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		agents:   make(map[string]Agent),
		cooldown: make(map[string]int64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.log == nil {
		s.log = logger.Named("scheduler")
	}
	return s
}

// Register 把 Agent 绑定到主体 ID 上。
func (s *Scheduler) Register(principal string, agent Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[principal] = agent
}

// Tick 返回当前 tick 序号。
func (s *Scheduler) Tick() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// ResumeAt 把 tick 计数恢复到检查点的位置。
func (s *Scheduler) ResumeAt(tick int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tick > s.tick {
		s.tick = tick
	}
}

// PauseAdmission 在快照期间阻断新动作进入，返回恢复函数。
func (s *Scheduler) PauseAdmission() func() {
	s.gate.Lock()
	return s.gate.Unlock
}

// Submit 让外部提交的意图在当前 tick 的语境下走流水线。
// 与快照闸门互斥，快照期间的提交会阻塞到写盘完成。
func (s *Scheduler) Submit(ctx context.Context, in *intent.Intent) *pipeline.Result {
	s.gate.RLock()
	defer s.gate.RUnlock()
	s.mu.Lock()
	tick := s.tick
	s.mu.Unlock()
	return s.pipe.Process(ctx, in, tick)
}

// Run 按固定间隔驱动 tick，直到 context 结束。
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunTick(ctx)
		}
	}
}

type proposal struct {
	principal string
	in        *intent.Intent
}

// RunTick 执行一轮完整的两阶段提交。
func (s *Scheduler) RunTick(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.ObserveTick(time.Since(start)) }()

	s.gate.RLock()
	defer s.gate.RUnlock()

	s.mu.Lock()
	s.tick++
	tick := s.tick
	s.mu.Unlock()

	view := s.worldView(tick)
	proposals := s.observe(ctx, tick, view)
	s.act(ctx, tick, proposals)
	s.collectRent(tick)
	if s.resolver != nil {
		s.resolver.OnTick(ctx, tick)
	}
}

// worldView 冻结当前世界状态。
func (s *Scheduler) worldView(tick int64) *WorldView {
	return &WorldView{
		Tick:       tick,
		Principals: s.ledger.Export(),
		Artifacts:  s.store.List(),
	}
}

// observe 并发收集全部合格 Agent 的提案。提案本身消耗流量资源，
// 无论产出的动作之后成功与否；超时的 Agent 以 noop 顶替，费用照收。
func (s *Scheduler) observe(ctx context.Context, tick int64, view *WorldView) []proposal {
	eligible := s.eligible(tick)
	if len(eligible) == 0 {
		return nil
	}

	results := make([]proposal, len(eligible))
	sem := make(chan struct{}, s.cfg.WorkerCount)
	var wg sync.WaitGroup
	for i, principal := range eligible {
		wg.Add(1)
		go func(slot int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[slot] = proposal{principal: id, in: s.propose(ctx, tick, id, view)}
		}(i, principal)
	}
	wg.Wait()

	out := results[:0]
	for _, pr := range results {
		if pr.in != nil {
			out = append(out, pr)
		}
	}
	return out
}

// eligible 返回本轮可以提案的主体：已注册、未冻结、不在冷却期。
// 顺序固定为字典序，洗牌只发生在行动阶段。
func (s *Scheduler) eligible(tick int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.agents {
		if s.ledger.IsFrozen(id) {
			continue
		}
		if until, ok := s.cooldown[id]; ok && tick < until {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) propose(ctx context.Context, tick int64, principal string, view *WorldView) *intent.Intent {
	if s.cfg.ProposalUnits > 0 {
		if err := s.ledger.Debit(principal, s.cfg.ComputeResource, s.cfg.ProposalUnits); err != nil {
			s.log.Warn("主体无力负担提案开销，本轮跳过",
				slog.String("principal", principal),
				slog.Int64("tick", tick),
			)
			return nil
		}
	}

	s.mu.Lock()
	agent := s.agents[principal]
	s.mu.Unlock()

	proposeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProposalTimeout)
	defer cancel()
	in, err := agent.Propose(proposeCtx, view)
	if err != nil {
		// 超时或出错的提案以 noop 顶替，已付的提案费不退。
		s.log.Warn("提案失败，以 noop 顶替",
			slog.String("principal", principal),
			slog.Int64("tick", tick),
			slog.Any("error", err),
		)
		s.setCooldown(principal, tick)
		return &intent.Intent{Proposer: principal, ActionType: intent.KindNoop}
	}
	if in == nil {
		return &intent.Intent{Proposer: principal, ActionType: intent.KindNoop}
	}
	in.Proposer = principal
	return in
}

func (s *Scheduler) setCooldown(principal string, tick int64) {
	if s.cfg.CooldownTicks <= 0 {
		return
	}
	s.mu.Lock()
	s.cooldown[principal] = tick + s.cfg.CooldownTicks
	s.mu.Unlock()
}

// act 把提案洗进随机顺序后串行执行。洗牌种子来自构造时的
// 主种子流并记录在日志中，给定种子即可复现全序。
// 行动阶段对着活状态执行，快照竞争导致的失败是预期行为。
func (s *Scheduler) act(ctx context.Context, tick int64, proposals []proposal) {
	if len(proposals) == 0 {
		return
	}
	tickSeed := s.rng.Int63()
	order := rand.New(rand.NewSource(tickSeed))
	order.Shuffle(len(proposals), func(i, j int) {
		proposals[i], proposals[j] = proposals[j], proposals[i]
	})
	s.log.Info("行动阶段开始",
		slog.Int64("tick", tick),
		slog.Int64("shuffle_seed", tickSeed),
		slog.Int("proposals", len(proposals)),
	)

	for _, pr := range proposals {
		res := s.pipe.Process(ctx, pr.in, tick)
		if !res.Success {
			s.log.Debug("动作被拒绝",
				slog.Int64("tick", tick),
				slog.String("principal", pr.principal),
				slog.String("reason", res.Reason),
			)
		}
	}
}

// collectRent 对存量占用收取 scrip 租金，并冻结跌破阈值的主体。
func (s *Scheduler) collectRent(tick int64) {
	if s.cfg.StorageRent <= 0 && s.cfg.FreezeThreshold <= 0 {
		return
	}
	for _, snap := range s.ledger.Export() {
		if snap.Frozen {
			continue
		}
		if s.cfg.StorageRent > 0 {
			var used int64
			for _, v := range snap.StockUsed {
				used += v
			}
			rent := int64(float64(used) * s.cfg.StorageRent)
			if rent > 0 {
				if err := s.ledger.Debit(snap.ID, ledger.ResourceScrip, float64(rent)); err != nil {
					// 付不起租金按余额清空处理，随后的阈值检查接管。
					_ = s.ledger.Debit(snap.ID, ledger.ResourceScrip, float64(snap.Scrip))
				}
			}
		}
		if s.cfg.FreezeThreshold > 0 {
			if p, err := s.ledger.Get(snap.ID); err == nil && p.Scrip < s.cfg.FreezeThreshold {
				s.log.Warn("主体余额跌破冻结阈值",
					slog.String("principal", snap.ID),
					slog.Int64("tick", tick),
					slog.Int64("scrip", p.Scrip),
				)
				_ = s.ledger.Freeze(snap.ID)
				s.emitFreezeAlert(snap.ID, tick, p.Scrip)
			}
		}
	}
}

// emitFreezeAlert 把冻结事件投递到告警通道。冻结是软死亡，
// 运营侧需要第一时间知道。
func (s *Scheduler) emitFreezeAlert(principal string, tick, scrip int64) {
	if s.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:      xerrors.CodeInsufficientFunds,
		Message:   "principal frozen below scrip threshold",
		Severity:  xerrors.AttributesOf(xerrors.CodeInsufficientFunds).Severity,
		Component: "scheduler",
		Tick:      tick,
		Metadata: map[string]string{
			"principal": principal,
			"scrip":     strconv.FormatInt(scrip, 10),
		},
		OccurredAt: time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.alerter.Notify(ctx, event); err != nil {
		s.log.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("principal", principal),
		)
	}
}
