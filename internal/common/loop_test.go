package common

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestRunWithBackoff_RetriesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32

	done := make(chan error, 1)
	go func() {
		done <- RunWithBackoff(ctx, nil, "test", time.Millisecond, func(context.Context) error {
			if atomic.AddInt32(&calls, 1) == 3 {
				cancel()
			}
			return errors.New("boom")
		})
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("循环没有退出")
	}
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestRunWithBackoff_RecoversPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32

	err := RunWithBackoff(ctx, nil, "panic", time.Millisecond, func(context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("bad event")
		}
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.EqualValues(t, 2, calls)
}

func TestRunWithBackoff_CancelDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := RunWithBackoff(ctx, nil, "sleepy", time.Hour, func(context.Context) error {
		return errors.New("fail")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)
}

func TestDebouncer_Tick(t *testing.T) {
	d := NewDebouncer(10 * time.Second)
	base := time.Unix(1_700_000_000, 0)

	require.True(t, d.Tick(base), "第一次总是触发")
	require.False(t, d.Tick(base.Add(3*time.Second)), "同一区间内不触发")
	require.True(t, d.Tick(base.Add(11*time.Second)), "跨过边界触发")
	require.False(t, d.Tick(base.Add(12*time.Second)))
}

func TestDebouncer_ReadyMark(t *testing.T) {
	d := NewDebouncer(time.Minute)
	now := time.Unix(0, 0)
	require.True(t, d.Ready(now))
	d.Mark(now)
	require.False(t, d.Ready(now.Add(30*time.Second)))
	require.True(t, d.Ready(now.Add(time.Minute)))
	d.Reset()
	require.True(t, d.Ready(now))
}
