package execution

import (
	"context"
	"sync"
	"time"
)

// CountdownLatch 计数归零时释放所有等待者；多余的 CountDown 忽略
type CountdownLatch struct {
	mu    sync.Mutex
	count int
	done  chan struct{}
}

func NewCountdownLatch(count int) *CountdownLatch {
	l := &CountdownLatch{count: count, done: make(chan struct{})}
	if count <= 0 {
		l.count = 0
		close(l.done)
	}
	return l
}

func (l *CountdownLatch) CountDown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return
	}
	l.count--
	if l.count == 0 {
		close(l.done)
	}
}

func (l *CountdownLatch) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Done 计数归零后关闭
func (l *CountdownLatch) Done() <-chan struct{} { return l.done }

// Wait 等待归零；ctx 结束时返回 false
func (l *CountdownLatch) Wait(ctx context.Context) bool {
	select {
	case <-l.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// WaitTimeout 等待归零，超时返回 false
func (l *CountdownLatch) WaitTimeout(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.Wait(ctx)
}
