package intent

import (
	"context"
	"errors"
	"sync"
)

// Handler 处理一条从队列取出的意图。
type Handler func(ctx context.Context, in *Intent) error

// Producer 把外部提交的意图投递到队列。
type Producer interface {
	Publish(ctx context.Context, in *Intent) error
}

// Consumer 消费队列中的意图。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
}

// Queue 同时具备生产与消费能力。
type Queue interface {
	Producer
	Consumer
	Close() error
}

// MemoryQueue 使用 channel 模拟消息队列，主要用于测试与单机部署。
type MemoryQueue struct {
	ch     chan *Intent
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan *Intent, size)}
}

// Publish 将意图投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, in *Intent) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errors.New("队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- in:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的意图。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case in, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, in)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
