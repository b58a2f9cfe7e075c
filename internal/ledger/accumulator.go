package ledger

import "time"

// ResourceKind 区分可再生的流量资源与不可再生的存量资源。
type ResourceKind string

const (
	// ResourceFlow 表示令牌桶式累积的可再生资源（如计算配额）。
	ResourceFlow ResourceKind = "flow"
	// ResourceStock 表示单调分配/释放的存量资源（如存储配额）。
	ResourceStock ResourceKind = "stock"
)

// ResourceSpec 描述一种资源的物理参数，来自配置，内核不硬编码任何数值。
type ResourceSpec struct {
	Name     string       `yaml:"name" json:"name"`
	Kind     ResourceKind `yaml:"kind" json:"kind"`
	Rate     float64      `yaml:"rate" json:"rate"`         // 每秒累积量，仅 flow 有效
	Capacity float64      `yaml:"capacity" json:"capacity"` // 累积上限，仅 flow 有效
	Quota    int64        `yaml:"quota" json:"quota"`       // 每主体硬上限，仅 stock 有效
}

// flowBucket 用惰性重算实现令牌桶：
// available = min(capacity, balance + elapsed*rate)。
// 读取时才结算经过的时间，不需要后台滴答协程。
type flowBucket struct {
	balance    float64
	lastUpdate time.Time
	rate       float64
	capacity   float64
}

func newFlowBucket(spec ResourceSpec, now time.Time) *flowBucket {
	return &flowBucket{
		balance:    spec.Capacity,
		lastUpdate: now,
		rate:       spec.Rate,
		capacity:   spec.Capacity,
	}
}

// refresh 把经过的时间折算成令牌，封顶于 capacity。
func (b *flowBucket) refresh(now time.Time) {
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed > 0 {
		b.balance += elapsed * b.rate
		if b.balance > b.capacity {
			b.balance = b.capacity
		}
		b.lastUpdate = now
	}
}

func (b *flowBucket) available(now time.Time) float64 {
	b.refresh(now)
	return b.balance
}

// consume 在令牌足够时立即扣除并返回 true；不足时不做修改返回 false。
// 余额不允许为负：请求方收到拒绝后自行选择重试时机。
func (b *flowBucket) consume(amount float64, now time.Time) bool {
	b.refresh(now)
	if b.balance < amount {
		return false
	}
	b.balance -= amount
	return true
}

func (b *flowBucket) credit(amount float64, now time.Time) {
	b.refresh(now)
	b.balance += amount
	if b.balance > b.capacity {
		b.balance = b.capacity
	}
}

// stockAccount 维护存量资源的 (used, quota)。
type stockAccount struct {
	used  int64
	quota int64
}

func (a *stockAccount) remaining() int64 {
	return a.quota - a.used
}

// allocate 在超出配额时失败，否则单调增加 used。
func (a *stockAccount) allocate(amount int64) bool {
	if a.used+amount > a.quota {
		return false
	}
	a.used += amount
	return true
}

// free 减少 used，下限为零。
func (a *stockAccount) free(amount int64) {
	a.used -= amount
	if a.used < 0 {
		a.used = 0
	}
}
