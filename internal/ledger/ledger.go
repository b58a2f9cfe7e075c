package ledger

import (
	"sort"
	"sync"
	"time"

	xerrors "Agora-Substrate/internal/errors"
)

// ResourceScrip 是账本内置的货币资源名。其余资源名由资源定义表给出。
const ResourceScrip = "scrip"

var (
	// ErrInsufficientFunds 表示 scrip 余额不足以完成扣账。
	ErrInsufficientFunds = xerrors.New(xerrors.CodeInsufficientFunds, "")
	// ErrInsufficientCapacity 表示流量或存量资源不足。
	ErrInsufficientCapacity = xerrors.New(xerrors.CodeInsufficientCapacity, "")
	// ErrPrincipalNotFound 表示主体不存在。
	ErrPrincipalNotFound = xerrors.New(xerrors.CodeNotFound, "principal not found")
	// ErrPrincipalExists 表示主体已存在，拒绝重复创建。
	ErrPrincipalExists = xerrors.New(xerrors.CodeConflict, "principal already exists")
	// ErrPrincipalFrozen 表示主体已被冻结（软死亡），不再参与经济活动。
	ErrPrincipalFrozen = xerrors.New(xerrors.CodeConflict, "principal is frozen")
)

// Principal 表示一个可以持有余额并被计费的主体。
// 主体只能由显式的 spawn 操作创建，永远不会被删除：
// 失去行动能力的主体进入冻结状态（软死亡），其历史余额仍可审计。
type Principal struct {
	ID        string
	Scrip     int64
	Frozen    bool
	CreatedAt time.Time
	FrozenAt  time.Time

	flow  map[string]*flowBucket
	stock map[string]*stockAccount
}

// Snapshot 是主体状态的只读拷贝，用于快照与审计。
type Snapshot struct {
	ID        string             `json:"id"`
	Scrip     int64              `json:"scrip"`
	Frozen    bool               `json:"frozen"`
	CreatedAt int64              `json:"created_at"`
	Flow      map[string]float64 `json:"flow"`
	StockUsed map[string]int64   `json:"stock_used"`
}

// Ledger 维护所有主体的 scrip 与物理资源余额。
// 它是基底内唯一允许修改余额的组件；合约与沙箱代码只能拿到 View。
// 所有修改方法都在同一把互斥锁内完成，保证相互原子。
type Ledger struct {
	mu         sync.Mutex
	principals map[string]*Principal
	specs      map[string]ResourceSpec
	now        func() time.Time
}

// Option 定义可选配置。
type Option func(*Ledger)

// WithClock 注入时钟，主要用于测试流量资源的惰性累积。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New 根据资源定义表构造账本。
func New(specs []ResourceSpec, opts ...Option) *Ledger {
	l := &Ledger{
		principals: make(map[string]*Principal),
		specs:      make(map[string]ResourceSpec, len(specs)),
		now:        time.Now,
	}
	for _, spec := range specs {
		l.specs[spec.Name] = spec
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Spawn 创建一个新主体并按资源定义初始化其资源账户。
func (l *Ledger) Spawn(id string, initialScrip int64) (*Principal, error) {
	if id == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "主体 ID 不能为空")
	}
	if initialScrip < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "初始 scrip 不能为负数")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.principals[id]; ok {
		return nil, ErrPrincipalExists
	}
	now := l.now()
	p := &Principal{
		ID:        id,
		Scrip:     initialScrip,
		CreatedAt: now,
		flow:      make(map[string]*flowBucket),
		stock:     make(map[string]*stockAccount),
	}
	for name, spec := range l.specs {
		switch spec.Kind {
		case ResourceFlow:
			p.flow[name] = newFlowBucket(spec, now)
		case ResourceStock:
			p.stock[name] = &stockAccount{quota: spec.Quota}
		}
	}
	l.principals[id] = p
	return clonePrincipal(p), nil
}

// Freeze 将主体标记为冻结。冻结是永久的，余额保留供审计。
func (l *Ledger) Freeze(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.principals[id]
	if !ok {
		return ErrPrincipalNotFound
	}
	if !p.Frozen {
		p.Frozen = true
		p.FrozenAt = l.now()
	}
	return nil
}

// Get 返回主体的拷贝。
func (l *Ledger) Get(id string) (*Principal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.principals[id]
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	return clonePrincipal(p), nil
}

// Exists 判断主体是否存在。
func (l *Ledger) Exists(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.principals[id]
	return ok
}

// IsFrozen 判断主体是否已冻结。未知主体按冻结处理。
func (l *Ledger) IsFrozen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.principals[id]
	if !ok {
		return true
	}
	return p.Frozen
}

// Principals 返回全部主体 ID，按字典序排列，保证遍历顺序可复现。
func (l *Ledger) Principals() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.principals))
	for id := range l.principals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Balance 返回主体在指定资源上的可用量。
// 对流量资源会先做惰性累积再返回。
func (l *Ledger) Balance(principal, resource string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(principal, resource)
}

func (l *Ledger) balanceLocked(principal, resource string) (float64, error) {
	p, ok := l.principals[principal]
	if !ok {
		return 0, ErrPrincipalNotFound
	}
	if resource == ResourceScrip {
		return float64(p.Scrip), nil
	}
	if bucket, ok := p.flow[resource]; ok {
		return bucket.available(l.now()), nil
	}
	if account, ok := p.stock[resource]; ok {
		return float64(account.remaining()), nil
	}
	return 0, xerrors.New(xerrors.CodeNotFound, "未知资源类型: "+resource)
}

// CanAfford 做保守的可负担性判断。未知主体或资源一律返回 false。
func (l *Ledger) CanAfford(principal, resource string, amount float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	available, err := l.balanceLocked(principal, resource)
	if err != nil {
		return false
	}
	return available >= amount
}

// Credit 为主体增加资源。流量资源的累积上限仍然生效。
func (l *Ledger) Credit(principal, resource string, amount float64) error {
	if amount < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "credit 数额不能为负数")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.principals[principal]
	if !ok {
		return ErrPrincipalNotFound
	}
	return l.creditLocked(p, resource, amount)
}

func (l *Ledger) creditLocked(p *Principal, resource string, amount float64) error {
	if resource == ResourceScrip {
		p.Scrip += int64(amount)
		return nil
	}
	if bucket, ok := p.flow[resource]; ok {
		bucket.credit(amount, l.now())
		return nil
	}
	if account, ok := p.stock[resource]; ok {
		account.free(int64(amount))
		return nil
	}
	return xerrors.New(xerrors.CodeNotFound, "未知资源类型: "+resource)
}

// Debit 从主体扣除资源。余额不足时返回分类错误且不做任何修改：
// scrip 永远不会为负，债务只能以显式的债权 Artifact 表达。
func (l *Ledger) Debit(principal, resource string, amount float64) error {
	if amount < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "debit 数额不能为负数")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.principals[principal]
	if !ok {
		return ErrPrincipalNotFound
	}
	return l.debitLocked(p, resource, amount)
}

func (l *Ledger) debitLocked(p *Principal, resource string, amount float64) error {
	if resource == ResourceScrip {
		need := int64(amount)
		if p.Scrip < need {
			return ErrInsufficientFunds
		}
		p.Scrip -= need
		return nil
	}
	if bucket, ok := p.flow[resource]; ok {
		if !bucket.consume(amount, l.now()) {
			return ErrInsufficientCapacity
		}
		return nil
	}
	if account, ok := p.stock[resource]; ok {
		if !account.allocate(int64(amount)) {
			return ErrInsufficientCapacity
		}
		return nil
	}
	return xerrors.New(xerrors.CodeNotFound, "未知资源类型: "+resource)
}

// Transfer 在两个主体之间原子转移资源。扣账失败时不产生任何变化。
func (l *Ledger) Transfer(from, to, resource string, amount float64) error {
	if amount < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "transfer 数额不能为负数")
	}
	if from == to {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	src, ok := l.principals[from]
	if !ok {
		return ErrPrincipalNotFound
	}
	dst, ok := l.principals[to]
	if !ok {
		return ErrPrincipalNotFound
	}
	if err := l.debitLocked(src, resource, amount); err != nil {
		return err
	}
	return l.creditLocked(dst, resource, amount)
}

// CreditAll 给全部未冻结主体平均发放 scrip，用于拍卖所得的 UBI 再分配。
// 返回每个主体分得的数额与未能整除的余数。
func (l *Ledger) CreditAll(total int64) (perHead int64, remainder int64) {
	if total <= 0 {
		return 0, total
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var active []*Principal
	for _, p := range l.principals {
		if !p.Frozen {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return 0, total
	}
	perHead = total / int64(len(active))
	remainder = total % int64(len(active))
	if perHead > 0 {
		for _, p := range active {
			p.Scrip += perHead
		}
	}
	return perHead, remainder
}

// Export 导出全部主体状态，用于检查点。
func (l *Ledger) Export() []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	out := make([]Snapshot, 0, len(l.principals))
	for _, p := range l.principals {
		snap := Snapshot{
			ID:        p.ID,
			Scrip:     p.Scrip,
			Frozen:    p.Frozen,
			CreatedAt: p.CreatedAt.Unix(),
			Flow:      make(map[string]float64, len(p.flow)),
			StockUsed: make(map[string]int64, len(p.stock)),
		}
		for name, bucket := range p.flow {
			snap.Flow[name] = bucket.available(now)
		}
		for name, account := range p.stock {
			snap.StockUsed[name] = account.used
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore 从快照重建主体状态。与 Spawn 相同的资源初始化逻辑，
// 随后覆盖余额，保证恢复后的账本与导出时一致。
func (l *Ledger) Restore(snapshots []Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.principals = make(map[string]*Principal, len(snapshots))
	for _, snap := range snapshots {
		p := &Principal{
			ID:        snap.ID,
			Scrip:     snap.Scrip,
			Frozen:    snap.Frozen,
			CreatedAt: time.Unix(snap.CreatedAt, 0),
			flow:      make(map[string]*flowBucket),
			stock:     make(map[string]*stockAccount),
		}
		for name, spec := range l.specs {
			switch spec.Kind {
			case ResourceFlow:
				bucket := newFlowBucket(spec, now)
				if v, ok := snap.Flow[name]; ok {
					bucket.balance = v
				}
				p.flow[name] = bucket
			case ResourceStock:
				account := &stockAccount{quota: spec.Quota}
				if v, ok := snap.StockUsed[name]; ok {
					account.used = v
				}
				p.stock[name] = account
			}
		}
		l.principals[snap.ID] = p
	}
	return nil
}

func clonePrincipal(p *Principal) *Principal {
	clone := &Principal{
		ID:        p.ID,
		Scrip:     p.Scrip,
		Frozen:    p.Frozen,
		CreatedAt: p.CreatedAt,
		FrozenAt:  p.FrozenAt,
	}
	return clone
}
