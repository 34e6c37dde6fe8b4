package common

import (
	"sync"
	"time"
)

// Debouncer 基于时间的门控，并发安全。
//
// Ready/Mark 用于“距上次动作至少间隔 interval”；Tick 用于“跨过 interval 整数边界”。
type Debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

func (d *Debouncer) Interval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interval
}

// Ready 是否可以执行；不修改状态
func (d *Debouncer) Ready(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.interval <= 0 || d.last.IsZero() {
		return true
	}
	return now.Sub(d.last) >= d.interval
}

// Mark 记录一次动作时间
func (d *Debouncer) Mark(now time.Time) {
	d.mu.Lock()
	d.last = now
	d.mu.Unlock()
}

// Tick 记录 now，并返回 now 是否落在比上一次更靠后的 interval 区间内。
// 第一次调用总是返回 true。
func (d *Debouncer) Tick(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	first := d.last.IsZero()
	crossed := first || d.interval <= 0 ||
		now.UnixNano()/int64(d.interval) > d.last.UnixNano()/int64(d.interval)
	d.last = now
	return crossed
}

// Reset 清除上次时间，下一次 Ready/Tick 返回 true
func (d *Debouncer) Reset() {
	d.mu.Lock()
	d.last = time.Time{}
	d.mu.Unlock()
}
