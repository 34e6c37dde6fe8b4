package execution

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrDuplicateInFlight 同一 key 的请求仍在处理中
var ErrDuplicateInFlight = errors.New("duplicate in-flight")

// KeyGuard 同一 key 同时只允许一个请求，用于抑制同一订单的并发撤单。
// 持有超过 ttl 的 key 视为泄漏，可被重新获取。
type KeyGuard struct {
	mu   sync.Mutex
	held map[string]time.Time // key -> 获取时间
	ttl  time.Duration
	now  func() time.Time
}

// NewKeyGuard ttl<=0 时默认 5 秒
func NewKeyGuard(ttl time.Duration) *KeyGuard {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &KeyGuard{held: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Acquire 成功时返回释放函数（可重复调用）；key 已被持有返回 ErrDuplicateInFlight
func (g *KeyGuard) Acquire(key string) (func(), error) {
	if g == nil || key == "" {
		return func() {}, nil
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if at, ok := g.held[key]; ok && now.Sub(at) < g.ttl {
		return nil, errors.Wrapf(ErrDuplicateInFlight, "key %s", key)
	}
	g.held[key] = now

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			if g.held[key].Equal(now) {
				delete(g.held, key)
			}
			g.mu.Unlock()
		})
	}, nil
}

// Held 当前持有的 key 数（含已超时未释放的）
func (g *KeyGuard) Held() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}
