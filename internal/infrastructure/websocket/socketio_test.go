package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpbridge/internal/ports"
	"github.com/betbot/perpbridge/pkg/logger"
)

func TestParsePacket(t *testing.T) {
	p, err := parsePacket([]byte(`0{"sid":"abc","pingInterval":25000,"pingTimeout":5000}`))
	require.NoError(t, err)
	assert.Equal(t, packetOpen, p.Type)
	assert.Equal(t, "abc", p.Open.SID)
	assert.Equal(t, int64(25000), p.Open.PingInterval)

	p, err = parsePacket([]byte(`40`))
	require.NoError(t, err)
	assert.Equal(t, packetConnect, p.Type)

	p, err = parsePacket([]byte(`42["order_add",{"uuid":"ex-1","status":"open"}]`))
	require.NoError(t, err)
	assert.Equal(t, packetEvent, p.Type)
	assert.Equal(t, "order_add", p.Event)
	assert.JSONEq(t, `{"uuid":"ex-1","status":"open"}`, string(p.Payload))

	// 命名空间与 ack id
	p, err = parsePacket([]byte(`42/futures,7["index",{"topic":"index_ETHUSD","price":"1500"}]`))
	require.NoError(t, err)
	assert.Equal(t, "index", p.Event)

	p, err = parsePacket([]byte(`42["order_del"]`))
	require.NoError(t, err)
	assert.Empty(t, p.Payload)

	for raw, want := range map[string]packetType{"1": packetClose, "2": packetPing, "3": packetPong, "41": packetDisconnect, "6": packetNoop} {
		p, err := parsePacket([]byte(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, want, p.Type, raw)
	}

	_, err = parsePacket([]byte(`42[]`))
	assert.Error(t, err)
	_, err = parsePacket([]byte(`9`))
	assert.Error(t, err)
}

func TestEncodeEvent(t *testing.T) {
	b, err := encodeEvent("GET /instrument", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, `42["GET /instrument",{}]`, string(b))
}

func TestSocketURL(t *testing.T) {
	u, err := SocketURL("https://live.leverj.io")
	require.NoError(t, err)
	assert.Equal(t, "wss://live.leverj.io/futures/socket.io/?EIO=3&transport=websocket", u)

	u, err = SocketURL("http://127.0.0.1:8080")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "ws://127.0.0.1:8080/futures/socket.io/"))

	u, err = SocketURL("kovan.leverj.io")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "wss://kovan.leverj.io/"))

	_, err = SocketURL("ftp://x")
	assert.Error(t, err)
}

type stubSigner struct{}

func (stubSigner) Headers(method, path string) (map[string]string, error) {
	return map[string]string{"Authorization": "NONCE acc.key.27.r.s", "Nonce": "1"}, nil
}

// fakeSocketServer 最小的 Engine.IO v3 服务端：握手、connect、记录客户端消息并按脚本推送
func fakeSocketServer(t *testing.T, pushes []string, received chan<- string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, socketPath) || r.URL.Query().Get("EIO") != "3" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"s1","pingInterval":50,"pingTimeout":1000}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`40`))

		// 等客户端注册后再推送
		_, first, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(first)
		for _, msg := range pushes {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "2" {
				_ = conn.WriteMessage(websocket.TextMessage, []byte("3"))
			}
			select {
			case received <- string(msg):
			default:
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestUserStream_RegistersAndForwards(t *testing.T) {
	received := make(chan string, 16)
	srv := fakeSocketServer(t, []string{
		`42["orderbook",{}]`,
		`42["order_add",{"uuid":"ex-1","status":"open"}]`,
		`42["account_balance",{"DAI":{"symbol":"DAI","plasma":"1","available":"1"}}]`,
	}, received)
	url, err := SocketURL(srv.URL)
	require.NoError(t, err)

	events := make(chan ports.StreamEvent, 8)
	stream := NewUserStream(StreamConfig{URL: url, Backoff: 10 * time.Millisecond, Logger: logger.Discard()}, stubSigner{},
		func(_ context.Context, ev ports.StreamEvent) error {
			events <- ev
			return nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	select {
	case first := <-received:
		require.True(t, strings.HasPrefix(first, `42["GET /register",`), first)
		p, err := parsePacket([]byte(first))
		require.NoError(t, err)
		var env requestEnvelope
		require.NoError(t, json.Unmarshal(p.Payload, &env))
		assert.Equal(t, "/register", env.URI)
		assert.Equal(t, "NONCE acc.key.27.r.s", env.Headers["Authorization"])
	case <-time.After(2 * time.Second):
		t.Fatal("未收到注册消息")
	}

	var kinds []string
	for len(kinds) < 2 {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Kind)
			assert.False(t, ev.ReceivedAt.IsZero())
		case <-time.After(2 * time.Second):
			t.Fatalf("只收到 %v", kinds)
		}
	}
	// 行情类消息不进入用户流
	assert.Equal(t, []string{ports.StreamOrderAdd, ports.StreamAccountBalance}, kinds)
	assert.Equal(t, int64(2), stream.Received())
	assert.False(t, stream.LastRecvTime().IsZero())

	// 客户端按握手的 pingInterval 发送 ping
	require.Eventually(t, func() bool {
		select {
		case msg := <-received:
			return msg == "2"
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("取消后用户流未退出")
	}
}

func TestMarketStream_SubscribesAndReconnects(t *testing.T) {
	received := make(chan string, 16)
	// 推送后服务端断开，客户端应按 backoff 重连并重新订阅
	srv := fakeSocketServer(t, []string{`42["index",{"topic":"index_ETHUSD","price":"1500"}]`, `1`}, received)
	url, err := SocketURL(srv.URL)
	require.NoError(t, err)

	events := make(chan ports.StreamEvent, 8)
	stream := NewMarketStream(StreamConfig{URL: url, Backoff: 10 * time.Millisecond, Logger: logger.Discard()},
		func(ev ports.StreamEvent) error {
			events <- ev
			return nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = stream.Run(ctx) }()

	subscribes := 0
	deadline := time.After(3 * time.Second)
	for subscribes < 2 {
		select {
		case msg := <-received:
			if msg == `42["GET /instrument",{}]` {
				subscribes++
			}
		case <-deadline:
			t.Fatalf("订阅次数 %d", subscribes)
		}
	}

	select {
	case ev := <-events:
		assert.Equal(t, ports.StreamIndex, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("未收到 index")
	}
}
