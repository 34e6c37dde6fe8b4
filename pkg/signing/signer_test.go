package signing

import (
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// 固定测试私钥（勿用于真实资金）
const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestPersonalSign_Recover(t *testing.T) {
	s, err := NewSigner("0x" + testKey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	sig, err := s.PersonalSign([]byte("1700000000000"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig.V != 27 && sig.V != 28 {
		t.Fatalf("v 应为 27/28, got=%d", sig.V)
	}
	addr, err := RecoverAddress([]byte("1700000000000"), sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if addr != s.Address() {
		t.Fatalf("恢复地址不一致: %s != %s", addr.Hex(), s.Address().Hex())
	}
	if len(strings.TrimPrefix(sig.Hex(), "0x")) != 130 {
		t.Fatalf("签名应为 65 字节: %s", sig.Hex())
	}
}

func TestCredentials_HeadersFormat(t *testing.T) {
	s, _ := NewSigner(testKey)
	c := NewCredentials("0xacc", "0xkey", s)
	fixed := time.UnixMilli(1700000000000)
	c.now = func() time.Time { return fixed }

	h1, err := c.Headers("GET", "/account/balance")
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	h2, _ := c.Headers("GET", "/account/balance")
	if h1["Nonce"] != "1700000000000" || h2["Nonce"] != "1700000000001" {
		t.Fatalf("同一毫秒内 nonce 应递增: %s %s", h1["Nonce"], h2["Nonce"])
	}
	parts := strings.Split(strings.TrimPrefix(h1["Authorization"], "NONCE "), ".")
	if len(parts) != 5 || parts[0] != "0xacc" || parts[1] != "0xkey" {
		t.Fatalf("Authorization 格式错误: %s", h1["Authorization"])
	}
	if h1["Content-Type"] != "application/json" {
		t.Fatalf("缺少 Content-Type")
	}
}

func TestOrderHash_Deterministic(t *testing.T) {
	f := OrderFields{
		AccountID:         "0x1111111111111111111111111111111111111111",
		Originator:        "0x2222222222222222222222222222222222222222",
		Instrument:        "1",
		Side:              "buy",
		OrderType:         "LMT",
		Price:             decimal.RequireFromString("2000.5"),
		Quantity:          decimal.RequireFromString("0.25"),
		MarginPerFraction: big.NewInt(100),
		Timestamp:         1700000000000000,
		Quote:             "0x3333333333333333333333333333333333333333",
	}
	a := OrderHash(f, 18)
	b := OrderHash(f, 18)
	if string(a) != string(b) || len(a) != 32 {
		t.Fatalf("哈希应确定且为 32 字节")
	}
	f.IsPostOnly = true
	if string(OrderHash(f, 18)) == string(a) {
		t.Fatalf("isPostOnly 变化应改变哈希")
	}
}
