package syncgroup

import (
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
)

type task struct {
	name string
	fn   func() error
}

// SyncGroup 并发执行一组命名任务并收集错误。
// Add 在 Run 之前调用；Wait 返回后可再次 Add/Run。
type SyncGroup struct {
	wg sync.WaitGroup

	mu    sync.Mutex
	tasks []task
	errs  []error
}

func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 添加一个任务
func (w *SyncGroup) Add(name string, fn func() error) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.tasks = append(w.tasks, task{name: name, fn: fn})
	w.mu.Unlock()
}

// Run 启动所有已添加的任务并清空任务列表
func (w *SyncGroup) Run() {
	w.mu.Lock()
	tasks := w.tasks
	w.tasks = nil
	w.mu.Unlock()

	for _, t := range tasks {
		w.wg.Add(1)
		go func(t task) {
			defer w.wg.Done()
			if err := guard(t.fn); err != nil {
				w.mu.Lock()
				w.errs = append(w.errs, errors.Wrap(err, t.name))
				w.mu.Unlock()
			}
		}(t)
	}
}

// Wait 等待所有任务完成，返回并清空本轮错误
func (w *SyncGroup) Wait() []error {
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	errs := w.errs
	w.errs = nil
	return errs
}

func guard(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return fn()
}
