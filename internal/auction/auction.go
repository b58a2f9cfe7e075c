package auction

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"Agora-Substrate/internal/artifact"
	xerrors "Agora-Substrate/internal/errors"
	"Agora-Substrate/internal/ledger"
	"Agora-Substrate/internal/observability/metrics"
	"Agora-Substrate/pkg/logger"
)

// Bid 是一条密封出价。提交后对外不可见，直到结算才揭示。
type Bid struct {
	ID          string    `json:"id"`
	ArtifactID  string    `json:"artifact_id"`
	Bidder      string    `json:"bidder"`
	Amount      int64     `json:"amount"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Scorer 是外部评审接口，对获胜 Artifact 给出 0 到 100 的分数。
type Scorer interface {
	Score(ctx context.Context, art *artifact.Artifact) (int, error)
}

// Config 描述拍卖所参数。
type Config struct {
	// ResolvePeriod 是结算周期（tick 数）。
	ResolvePeriod int64 `json:"resolve_period"`
	// MintRatio 把评分折算为新铸 scrip 的比率。
	MintRatio float64 `json:"mint_ratio"`
}

func (c *Config) applyDefaults() {
	if c.ResolvePeriod <= 0 {
		c.ResolvePeriod = 10
	}
	if c.MintRatio < 0 {
		c.MintRatio = 0
	}
}

// Resolution 汇总一次结算的结果。
type Resolution struct {
	Tick      int64  `json:"tick"`
	Winner    string `json:"winner"`
	Artifact  string `json:"artifact"`
	Price     int64  `json:"price"`
	PerHead   int64  `json:"per_head"`
	Remainder int64  `json:"remainder"`
	Score     int    `json:"score"`
	Minted    int64  `json:"minted"`
	Losers    int    `json:"losers"`
}

// Oracle 实现 Vickrey 密封拍卖：随时可出价，按固定周期结算；
// 最高价者胜出，支付第二高价；赢家付款作为 UBI 平分给全体主体；
// 外部评审打分后按比率铸造新 scrip 给赢家。
type Oracle struct {
	cfg    Config
	ledger *ledger.Ledger
	store  *artifact.Store
	scorer Scorer
	log    *slog.Logger

	mu   sync.Mutex
	bids []*Bid
	seen map[string]bool
	last []*Resolution
}

// Option 定义可选配置。
type Option func(*Oracle)

// WithOracleLogger 指定日志输出。
func WithOracleLogger(log *slog.Logger) Option {
	return func(o *Oracle) { o.log = log }
}

// New 构造拍卖所。scorer 为 nil 时一律得零分，只剩再分配机制。
func New(cfg Config, led *ledger.Ledger, store *artifact.Store, scorer Scorer, opts ...Option) *Oracle {
	cfg.applyDefaults()
	o := &Oracle{
		cfg:    cfg,
		ledger: led,
		store:  store,
		scorer: scorer,
		seen:   make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.log == nil {
		o.log = logger.Named("auction")
	}
	return o
}

// SubmitBid 提交密封出价。出价金额即时从出价者余额中托管，
// 落败时全额退还。只有可执行 Artifact 有参拍资格。
func (o *Oracle) SubmitBid(_ context.Context, bidder, artifactID string, amount int64) (string, error) {
	if amount <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "出价必须为正数")
	}
	art, err := o.store.Get(artifactID)
	if err != nil {
		return "", xerrors.New(xerrors.CodeNotFound, "artifact 不存在: "+artifactID)
	}
	if !art.Executable() {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "仅可执行 artifact 可以参拍")
	}
	if o.ledger.IsFrozen(bidder) {
		return "", xerrors.New(xerrors.CodePermissionDenied, "出价主体不存在或已冻结")
	}
	if err := o.ledger.Debit(bidder, ledger.ResourceScrip, float64(amount)); err != nil {
		return "", err
	}

	bid := &Bid{
		ID:          uuid.NewString(),
		ArtifactID:  artifactID,
		Bidder:      bidder,
		Amount:      amount,
		SubmittedAt: time.Now(),
	}
	o.mu.Lock()
	o.bids = append(o.bids, bid)
	o.mu.Unlock()
	return bid.ID, nil
}

// OnTick 在每个结算周期的边界触发一次结算。
func (o *Oracle) OnTick(ctx context.Context, tick int64) {
	if tick%o.cfg.ResolvePeriod != 0 {
		return
	}
	if _, err := o.Resolve(ctx, tick); err != nil {
		o.log.Error("拍卖结算失败", slog.Int64("tick", tick), slog.Any("error", err))
	}
}

// Resolve 揭示全部密封出价并结算。
func (o *Oracle) Resolve(ctx context.Context, tick int64) (*Resolution, error) {
	o.mu.Lock()
	bids := o.bids
	o.bids = nil
	o.mu.Unlock()
	if len(bids) == 0 {
		return nil, nil
	}

	// 最高价优先；同价先到先得。
	sort.SliceStable(bids, func(i, j int) bool {
		if bids[i].Amount != bids[j].Amount {
			return bids[i].Amount > bids[j].Amount
		}
		return bids[i].SubmittedAt.Before(bids[j].SubmittedAt)
	})
	winner := bids[0]

	// Vickrey 定价：付第二高价；只有一条出价时付自己的价。
	price := winner.Amount
	if len(bids) > 1 {
		price = bids[1].Amount
	}

	// 落败出价全额解除托管。
	for _, bid := range bids[1:] {
		_ = o.ledger.Credit(bid.Bidder, ledger.ResourceScrip, float64(bid.Amount))
	}
	// 赢家退回出价与成交价的差额。
	if winner.Amount > price {
		_ = o.ledger.Credit(winner.Bidder, ledger.ResourceScrip, float64(winner.Amount-price))
	}

	// 成交价作为 UBI 平分给全体未冻结主体，不销毁；
	// 整除余数退还赢家，铸币总量保持守恒。
	perHead, remainder := o.ledger.CreditAll(price)
	if remainder > 0 {
		_ = o.ledger.Credit(winner.Bidder, ledger.ResourceScrip, float64(remainder))
	}

	score, minted := o.scoreAndMint(ctx, winner)

	resolution := &Resolution{
		Tick:      tick,
		Winner:    winner.Bidder,
		Artifact:  winner.ArtifactID,
		Price:     price,
		PerHead:   perHead,
		Remainder: remainder,
		Score:     score,
		Minted:    minted,
		Losers:    len(bids) - 1,
	}
	o.mu.Lock()
	o.last = append(o.last, resolution)
	o.mu.Unlock()

	metrics.ObserveAuctionResolution(minted)
	o.log.Info("拍卖结算完成",
		slog.Int64("tick", tick),
		slog.String("winner", winner.Bidder),
		slog.String("artifact", winner.ArtifactID),
		slog.Int64("price", price),
		slog.Int("score", score),
		slog.Int64("minted", minted),
	)
	return resolution, nil
}

// scoreAndMint 让外部评审打分并按比率铸造新 scrip。
// 重复内容（Keccak 哈希命中历史提交）一律零分。
func (o *Oracle) scoreAndMint(ctx context.Context, winner *Bid) (int, int64) {
	art, err := o.store.Get(winner.ArtifactID)
	if err != nil {
		// Artifact 在出价后被删除。无物可评，不铸币。
		return 0, 0
	}

	o.mu.Lock()
	duplicate := o.seen[art.ContentHash]
	o.seen[art.ContentHash] = true
	o.mu.Unlock()
	if duplicate {
		return 0, 0
	}

	score := 0
	if o.scorer != nil {
		s, err := o.scorer.Score(ctx, art)
		if err != nil {
			o.log.Warn("外部评分失败，按零分处理",
				slog.String("artifact", art.ID),
				slog.Any("error", err),
			)
			s = 0
		}
		if s < 0 {
			s = 0
		}
		if s > 100 {
			s = 100
		}
		score = s
	}

	minted := int64(float64(score) * o.cfg.MintRatio)
	if minted > 0 {
		_ = o.ledger.Credit(winner.Bidder, ledger.ResourceScrip, float64(minted))
	}
	return score, minted
}

// Resolutions 返回历史结算记录的拷贝。
func (o *Oracle) Resolutions() []*Resolution {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Resolution, len(o.last))
	copy(out, o.last)
	return out
}

// State 导出待结算出价与已见内容哈希，用于检查点。
type State struct {
	Pending []*Bid   `json:"pending"`
	Seen    []string `json:"seen"`
}

// Export 导出拍卖所状态。
func (o *Oracle) Export() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	state := State{Pending: make([]*Bid, len(o.bids))}
	copy(state.Pending, o.bids)
	for hash := range o.seen {
		state.Seen = append(state.Seen, hash)
	}
	sort.Strings(state.Seen)
	return state
}

// Restore 从检查点恢复拍卖所状态。
func (o *Oracle) Restore(state State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bids = append([]*Bid(nil), state.Pending...)
	o.seen = make(map[string]bool, len(state.Seen))
	for _, hash := range state.Seen {
		o.seen[hash] = true
	}
}
