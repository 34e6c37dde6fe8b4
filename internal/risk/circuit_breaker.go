package risk

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrCircuitBreakerOpen 断路器已打开，禁止继续下单。
var ErrCircuitBreakerOpen = errors.New("circuit breaker open")

// CircuitBreakerConfig 断路器配置。阈值 <= 0 表示关闭对应限制。
type CircuitBreakerConfig struct {
	// MaxConsecutiveErrors 连续下单失败上限（交易所拒单或请求错误）
	MaxConsecutiveErrors int64
	// Cooldown 因连续错误熔断后自动恢复的等待时间；0 表示只能手动恢复
	Cooldown time.Duration
}

// CircuitBreaker 下单快路径只读原子变量。
// 手动 Halt 只能由 Resume 解除；连续错误熔断在 Cooldown 后自动恢复。
type CircuitBreaker struct {
	manual    atomic.Bool
	trippedAt atomic.Int64 // unix nano，0 表示未熔断

	consecutiveErrors atomic.Int64

	maxConsecutiveErrors atomic.Int64
	cooldown             atomic.Int64

	now func() time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{now: time.Now}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxConsecutiveErrors.Store(cfg.MaxConsecutiveErrors)
	cb.cooldown.Store(int64(cfg.Cooldown))
}

// Halt 手动熔断
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	cb.manual.Store(true)
}

// Resume 手动恢复，同时清空连续错误计数
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.manual.Store(false)
	cb.trippedAt.Store(0)
	cb.consecutiveErrors.Store(0)
}

// Halted 当前是否处于熔断状态（不触发自动恢复）
func (cb *CircuitBreaker) Halted() bool {
	if cb == nil {
		return false
	}
	return cb.manual.Load() || cb.trippedAt.Load() != 0
}

// AllowTrading 检查是否允许下单
func (cb *CircuitBreaker) AllowTrading() error {
	if cb == nil {
		return nil
	}
	if cb.manual.Load() {
		return ErrCircuitBreakerOpen
	}

	if at := cb.trippedAt.Load(); at != 0 {
		cooldown := time.Duration(cb.cooldown.Load())
		if cooldown <= 0 || cb.now().Sub(time.Unix(0, at)) < cooldown {
			return ErrCircuitBreakerOpen
		}
		// 冷却结束：只有一个调用方负责清零
		if cb.trippedAt.CompareAndSwap(at, 0) {
			cb.consecutiveErrors.Store(0)
		}
		return nil
	}

	maxErr := cb.maxConsecutiveErrors.Load()
	if maxErr > 0 && cb.consecutiveErrors.Load() >= maxErr {
		cb.trippedAt.CompareAndSwap(0, cb.now().UnixNano())
		return ErrCircuitBreakerOpen
	}
	return nil
}

// OnSuccess 下单被交易所接受后调用
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Store(0)
}

// OnError 下单失败后调用
func (cb *CircuitBreaker) OnError() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Add(1)
}

// ConsecutiveErrors 当前连续错误数
func (cb *CircuitBreaker) ConsecutiveErrors() int64 {
	if cb == nil {
		return 0
	}
	return cb.consecutiveErrors.Load()
}
