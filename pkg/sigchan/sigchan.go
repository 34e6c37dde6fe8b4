package sigchan

import "sync/atomic"

// Chan 合并型信号：只通知有事发生，未消费的信号最多保留一个
type Chan struct {
	c      chan struct{}
	merged atomic.Int64
}

func New() *Chan {
	return &Chan{c: make(chan struct{}, 1)}
}

// Emit 非阻塞发送；已有未消费信号时合并并返回 false
func (c *Chan) Emit() bool {
	select {
	case c.c <- struct{}{}:
		return true
	default:
		c.merged.Add(1)
		return false
	}
}

// Pending 是否有未消费的信号
func (c *Chan) Pending() bool {
	return len(c.c) > 0
}

// Merged 累计被合并的信号数
func (c *Chan) Merged() int64 {
	return c.merged.Load()
}

func (c *Chan) C() <-chan struct{} {
	return c.c
}
