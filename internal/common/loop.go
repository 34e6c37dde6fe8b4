package common

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpbridge/internal/metrics"
)

// StartLoopOnce 只启动一次后台循环。
//
// tick > 0 时创建 ticker 并把通道交给 run；tick <= 0 时 tickC 为 nil（永不触发）。
func StartLoopOnce(
	parent context.Context,
	once *sync.Once,
	setCancel func(context.CancelFunc),
	tick time.Duration,
	run func(loopCtx context.Context, tickC <-chan time.Time),
) {
	start := func() {
		loopCtx, cancel := context.WithCancel(parent)
		if setCancel != nil {
			setCancel(cancel)
		}
		go startLoop(loopCtx, tick, run)
	}
	if once == nil {
		start()
		return
	}
	once.Do(start)
}

func startLoop(loopCtx context.Context, tick time.Duration, run func(context.Context, <-chan time.Time)) {
	var tickC <-chan time.Time
	if tick > 0 {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		tickC = ticker.C
	}
	run(loopCtx, tickC)
}

// RunWithBackoff 反复执行 fn 直到 ctx 结束。
//
// fn 返回错误、panic 或提前返回时，等待 backoff 后重新执行，没有重试上限。
// ctx 结束时立即返回 ctx.Err()，包括在退避等待期间。
func RunWithBackoff(ctx context.Context, log *logrus.Entry, name string, backoff time.Duration, fn func(ctx context.Context) error) error {
	if log == nil {
		log = logrus.WithField("loop", name)
	}
	for {
		err := runGuarded(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Errorf("❌ %s 异常退出，%s 后重试: %+v", name, backoff, err)
		} else {
			log.Warnf("%s 提前退出，%s 后重启", name, backoff)
		}
		metrics.LoopRestarts.Add(1)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func runGuarded(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.HandlerPanics.Add(1)
			err = errors.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return fn(ctx)
}
