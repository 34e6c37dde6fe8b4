package websocket

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpbridge/internal/common"
	"github.com/betbot/perpbridge/internal/ports"
)

const (
	userStreamBackoff   = 30 * time.Second
	marketStreamBackoff = 5 * time.Second
)

// HeaderSigner 生成 REST 认证头（/register 注册用户流时复用）
type HeaderSigner interface {
	Headers(method, path string) (map[string]string, error)
}

// requestEnvelope socket 上的 REST 风格请求
type requestEnvelope struct {
	Headers map[string]string      `json:"headers"`
	Method  string                 `json:"method"`
	URI     string                 `json:"uri"`
	Params  map[string]interface{} `json:"params"`
	Body    map[string]interface{} `json:"body"`
	Retry   bool                   `json:"retry"`
}

var userKinds = map[string]bool{
	ports.StreamOrderAdd:       true,
	ports.StreamOrderUpdate:    true,
	ports.StreamOrderDel:       true,
	ports.StreamAccountBalance: true,
	ports.StreamOrderExecution: true,
	ports.StreamPosition:       true,
	ports.StreamOrderCancelled: true,
}

var marketKinds = map[string]bool{
	ports.StreamOrderBook:     true,
	ports.StreamDiffOrderBook: true,
	ports.StreamIndex:         true,
}

// StreamConfig 用户流/行情流配置
type StreamConfig struct {
	URL      string
	ProxyURL string
	// Backoff 断线后重连等待，0 使用默认值（用户流 30s，行情流 5s）
	Backoff time.Duration
	Logger  *logrus.Entry
}

// UserStream 用户流：连接后发送 "GET /register" 注册账户，转发订单/成交/余额/持仓推送
type UserStream struct {
	cfg      StreamConfig
	signer   HeaderSigner
	handler  func(ctx context.Context, ev ports.StreamEvent) error
	log      *logrus.Entry
	lastRecv atomic.Int64
	received atomic.Int64
}

// NewUserStream handler 在读 goroutine 中同步调用，阻塞会形成背压
func NewUserStream(cfg StreamConfig, signer HeaderSigner, handler func(ctx context.Context, ev ports.StreamEvent) error) *UserStream {
	if cfg.Backoff <= 0 {
		cfg.Backoff = userStreamBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "user_stream")
	}
	return &UserStream{cfg: cfg, signer: signer, handler: handler, log: cfg.Logger}
}

// Run 阻塞运行，断线按 Backoff 重连，直到 ctx 结束
func (s *UserStream) Run(ctx context.Context) error {
	s.log.Infof("🚀 用户流启动: %s", s.cfg.URL)
	return common.RunWithBackoff(ctx, s.log, "user_stream", s.cfg.Backoff, func(ctx context.Context) error {
		client := NewClient(ClientConfig{
			URL:       s.cfg.URL,
			ProxyURL:  s.cfg.ProxyURL,
			OnConnect: s.register,
			OnEvent:   s.onEvent,
			Logger:    s.log,
		})
		return client.Run(ctx)
	})
}

func (s *UserStream) register(sess *Session) error {
	headers, err := s.signer.Headers("GET", "/register")
	if err != nil {
		return err
	}
	s.log.Info("📝 注册用户流")
	return sess.Emit("GET /register", requestEnvelope{
		Headers: headers,
		Method:  "GET",
		URI:     "/register",
		Params:  map[string]interface{}{},
		Body:    map[string]interface{}{},
	})
}

func (s *UserStream) onEvent(ctx context.Context, ev ports.StreamEvent) error {
	s.lastRecv.Store(ev.ReceivedAt.UnixNano())
	if !userKinds[ev.Kind] {
		return nil
	}
	s.received.Add(1)
	return s.handler(ctx, ev)
}

// LastRecvTime 最近一次收到任意推送的时间
func (s *UserStream) LastRecvTime() time.Time {
	n := s.lastRecv.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Received 已转发的用户事件数
func (s *UserStream) Received() int64 { return s.received.Load() }

// MarketStream 行情流：连接后发送 "GET /instrument"，转发 orderbook/difforderbook/index
type MarketStream struct {
	cfg      StreamConfig
	handler  func(ev ports.StreamEvent) error
	log      *logrus.Entry
	received atomic.Int64
}

func NewMarketStream(cfg StreamConfig, handler func(ev ports.StreamEvent) error) *MarketStream {
	if cfg.Backoff <= 0 {
		cfg.Backoff = marketStreamBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "market_stream")
	}
	return &MarketStream{cfg: cfg, handler: handler, log: cfg.Logger}
}

func (m *MarketStream) Run(ctx context.Context) error {
	m.log.Infof("🚀 行情流启动: %s", m.cfg.URL)
	return common.RunWithBackoff(ctx, m.log, "market_stream", m.cfg.Backoff, func(ctx context.Context) error {
		client := NewClient(ClientConfig{
			URL:      m.cfg.URL,
			ProxyURL: m.cfg.ProxyURL,
			OnConnect: func(sess *Session) error {
				return sess.Emit("GET /instrument", map[string]interface{}{})
			},
			OnEvent: m.onEvent,
			Logger:  m.log,
		})
		return client.Run(ctx)
	})
}

func (m *MarketStream) onEvent(_ context.Context, ev ports.StreamEvent) error {
	if !marketKinds[ev.Kind] {
		return nil
	}
	m.received.Add(1)
	return m.handler(ev)
}

func (m *MarketStream) Received() int64 { return m.received.Load() }
