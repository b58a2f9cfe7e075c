package agent

import (
	"context"
	"sync"

	"Agora-Substrate/internal/intent"
	"Agora-Substrate/internal/scheduler"
)

// Func 把普通函数适配为调度器可用的 Agent。
type Func func(ctx context.Context, view *scheduler.WorldView) (*intent.Intent, error)

// Propose 实现 scheduler.Agent。
func (f Func) Propose(ctx context.Context, view *scheduler.WorldView) (*intent.Intent, error) {
	return f(ctx, view)
}

// Scripted 按固定脚本逐条回放意图，主要用于演示与确定性回归。
// 外部推理层不可用时，它也可以作为占位 Agent 驱动世界运转。
type Scripted struct {
	mu     sync.Mutex
	script []*intent.Intent
	next   int
	loop   bool
}

// Option 定义可选的 Scripted 配置。
type Option func(*Scripted)

// WithLoop 让脚本播完后从头循环，而不是退化为 noop。
func WithLoop() Option {
	return func(s *Scripted) { s.loop = true }
}

// NewScripted 创建一个脚本 Agent。
func NewScripted(script []*intent.Intent, opts ...Option) *Scripted {
	s := &Scripted{script: script}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Propose 返回脚本中的下一条意图。脚本耗尽后返回 nil，
// 调度器会以 noop 顶替；Proposer 字段由调度器覆写。
func (s *Scripted) Propose(_ context.Context, _ *scheduler.WorldView) (*intent.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) == 0 {
		return nil, nil
	}
	if s.next >= len(s.script) {
		if !s.loop {
			return nil, nil
		}
		s.next = 0
	}
	in := *s.script[s.next]
	s.next++
	return &in, nil
}

// Remaining 返回脚本中尚未播放的意图数量。循环模式下恒为脚本长度。
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop {
		return len(s.script)
	}
	if s.next >= len(s.script) {
		return 0
	}
	return len(s.script) - s.next
}
