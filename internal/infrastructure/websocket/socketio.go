package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpbridge/internal/metrics"
	"github.com/betbot/perpbridge/internal/ports"
)

const (
	socketPath       = "/futures/socket.io/"
	handshakeTimeout = 30 * time.Second
	writeTimeout     = 10 * time.Second

	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second
)

// ErrServerClosed 服务端主动断开（Engine.IO close 或 Socket.IO disconnect）
var ErrServerClosed = errors.New("socket.io server closed the session")

type packetType int

const (
	packetNoop packetType = iota
	packetOpen
	packetClose
	packetPing
	packetPong
	packetConnect
	packetDisconnect
	packetEvent
	packetError
)

func (t packetType) String() string {
	switch t {
	case packetOpen:
		return "open"
	case packetClose:
		return "close"
	case packetPing:
		return "ping"
	case packetPong:
		return "pong"
	case packetConnect:
		return "connect"
	case packetDisconnect:
		return "disconnect"
	case packetEvent:
		return "event"
	case packetError:
		return "error"
	}
	return "noop"
}

// openInfo Engine.IO open 包携带的握手参数（毫秒）
type openInfo struct {
	SID          string `json:"sid"`
	PingInterval int64  `json:"pingInterval"`
	PingTimeout  int64  `json:"pingTimeout"`
}

type packet struct {
	Type    packetType
	Event   string
	Payload json.RawMessage
	Open    openInfo
}

// parsePacket 解析 Engine.IO v3 文本帧：
// 0 open，1 close，2 ping，3 pong，4x Socket.IO 包（40 connect，41 disconnect，42 event，44 error），6 noop
func parsePacket(raw []byte) (packet, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return packet{}, errors.New("empty frame")
	}
	body := raw[1:]
	switch raw[0] {
	case '0':
		var info openInfo
		if err := json.Unmarshal(body, &info); err != nil {
			return packet{}, errors.Wrap(err, "decode open packet")
		}
		return packet{Type: packetOpen, Open: info}, nil
	case '1':
		return packet{Type: packetClose}, nil
	case '2':
		return packet{Type: packetPing}, nil
	case '3':
		return packet{Type: packetPong}, nil
	case '6':
		return packet{Type: packetNoop}, nil
	case '4':
		return parseSocketPacket(body)
	}
	return packet{}, errors.Errorf("unknown engine.io packet %q", raw[0])
}

func parseSocketPacket(body []byte) (packet, error) {
	if len(body) == 0 {
		return packet{}, errors.New("empty socket.io packet")
	}
	kind, rest := body[0], skipNamespaceAndAck(body[1:])
	switch kind {
	case '0':
		return packet{Type: packetConnect}, nil
	case '1':
		return packet{Type: packetDisconnect}, nil
	case '4':
		return packet{Type: packetError, Payload: json.RawMessage(rest)}, nil
	case '2':
		var args []json.RawMessage
		if err := json.Unmarshal(rest, &args); err != nil {
			return packet{}, errors.Wrap(err, "decode event packet")
		}
		if len(args) == 0 {
			return packet{}, errors.New("event packet without name")
		}
		var name string
		if err := json.Unmarshal(args[0], &name); err != nil {
			return packet{}, errors.Wrap(err, "decode event name")
		}
		p := packet{Type: packetEvent, Event: name}
		if len(args) > 1 {
			p.Payload = args[1]
		}
		return p, nil
	}
	// 其它类型（ack、binary）此连接器不使用
	return packet{Type: packetNoop}, nil
}

// skipNamespaceAndAck 跳过 "/nsp," 前缀与 ack id
func skipNamespaceAndAck(b []byte) []byte {
	if len(b) > 0 && b[0] == '/' {
		if i := bytes.IndexByte(b, ','); i >= 0 {
			b = b[i+1:]
		} else {
			return nil
		}
	}
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	return b[i:]
}

// encodeEvent 42["event",payload]
func encodeEvent(event string, payload interface{}) ([]byte, error) {
	args := []interface{}{event}
	if payload != nil {
		args = append(args, payload)
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", event)
	}
	return append([]byte("42"), b...), nil
}

// SocketURL 把交易所地址转换为 socket.io websocket 地址
func SocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", errors.Wrapf(err, "parse socket url %q", base)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	case "":
		return SocketURL("https://" + base)
	default:
		return "", errors.Errorf("unsupported socket url scheme %q", u.Scheme)
	}
	u.Path = socketPath
	q := url.Values{}
	q.Set("EIO", "3")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ClientConfig socket.io 客户端配置
type ClientConfig struct {
	URL      string
	ProxyURL string
	// OnConnect Socket.IO connect 后调用，用于发送注册/订阅消息
	OnConnect func(s *Session) error
	// OnEvent 每个事件包调用一次，在读 goroutine 中同步执行
	OnEvent func(ctx context.Context, ev ports.StreamEvent) error
	Logger  *logrus.Entry
	Now     func() time.Time
}

// Client 单连接 socket.io 客户端；断线后由调用方决定是否重连
type Client struct {
	cfg    ClientConfig
	dialer websocket.Dialer
	log    *logrus.Entry
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "socketio")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            dialProxy(cfg.ProxyURL, cfg.Logger),
	}
	return &Client{cfg: cfg, dialer: dialer, log: cfg.Logger}
}

// Session 一次连接会话，写操作加锁
type Session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Emit 发送 42["event",payload]
func (s *Session) Emit(event string, payload interface{}) error {
	frame, err := encodeEvent(event, payload)
	if err != nil {
		return err
	}
	return s.write(frame)
}

func (s *Session) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// Run 建立连接并读取直到出错、服务端断开或 ctx 结束
func (c *Client) Run(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", c.cfg.URL)
	}
	metrics.SocketSessions.Add(1)
	sess := &Session{conn: conn}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	err = c.readLoop(sessCtx, sess)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Client) readLoop(ctx context.Context, sess *Session) error {
	pingInterval, pingTimeout := defaultPingInterval, defaultPingTimeout
	var pingOnce sync.Once

	for {
		// 超过 pingInterval+pingTimeout 没有任何消息（包括 pong）视为连接失效
		if err := sess.conn.SetReadDeadline(c.cfg.Now().Add(pingInterval + pingTimeout)); err != nil {
			return errors.Wrap(err, "set read deadline")
		}
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read")
		}
		p, err := parsePacket(raw)
		if err != nil {
			c.log.Warnf("无法解析 socket.io 消息: %v, raw=%s", err, truncate(raw, 200))
			continue
		}

		switch p.Type {
		case packetOpen:
			if p.Open.PingInterval > 0 {
				pingInterval = time.Duration(p.Open.PingInterval) * time.Millisecond
			}
			if p.Open.PingTimeout > 0 {
				pingTimeout = time.Duration(p.Open.PingTimeout) * time.Millisecond
			}
			c.log.Debugf("socket.io 握手: sid=%s pingInterval=%s pingTimeout=%s", p.Open.SID, pingInterval, pingTimeout)
			interval := pingInterval
			pingOnce.Do(func() { go c.pingLoop(ctx, sess, interval) })

		case packetConnect:
			c.log.Info("✅ socket.io 已连接")
			if c.cfg.OnConnect != nil {
				if err := c.cfg.OnConnect(sess); err != nil {
					return errors.Wrap(err, "on connect")
				}
			}

		case packetEvent:
			if c.cfg.OnEvent == nil {
				continue
			}
			ev := ports.StreamEvent{Kind: p.Event, Payload: p.Payload, ReceivedAt: c.cfg.Now()}
			if err := c.cfg.OnEvent(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.log.Warnf("处理推送 %s 失败: %v", p.Event, err)
			}

		case packetError:
			c.log.Warnf("socket.io 错误: %s", string(p.Payload))

		case packetPing:
			if err := sess.write([]byte("3")); err != nil {
				return errors.Wrap(err, "pong")
			}

		case packetClose, packetDisconnect:
			return ErrServerClosed
		}
	}
}

// pingLoop Engine.IO v3 由客户端发 ping
func (c *Client) pingLoop(ctx context.Context, sess *Session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.write([]byte("2")); err != nil {
				if ctx.Err() == nil {
					c.log.Warnf("发送 PING 失败: %v", err)
				}
				return
			}
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(" + strconv.Itoa(len(b)) + " bytes)"
}
