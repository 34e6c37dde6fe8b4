package orderbook

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func lv(p, a string) Level {
	return Level{Price: decimal.RequireFromString(p), Amount: decimal.RequireFromString(a)}
}

func TestBook_SnapshotDiffMid(t *testing.T) {
	b := NewBook("ETH-DAI")
	if b.Initialized() {
		t.Fatalf("未收到快照前不应 initialized")
	}
	if _, ok := b.MidPrice(); ok {
		t.Fatalf("空簿不应有中间价")
	}

	b.ApplySnapshot([]Level{lv("99", "1"), lv("98", "2")}, []Level{lv("101", "1"), lv("102", "3")}, time.Now())
	mid, ok := b.MidPrice()
	if !ok || !mid.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("mid=%s ok=%v", mid, ok)
	}

	// 删除买一，新增更优卖价
	b.ApplyDiff([]Level{lv("99", "0")}, []Level{lv("100.5", "1")}, time.Now())
	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	if !bid.Price.Equal(decimal.NewFromInt(98)) || ask.Price.String() != "100.5" {
		t.Fatalf("bid=%s ask=%s", bid.Price, ask.Price)
	}
	if got := b.Asks(2); len(got) != 2 || got[0].Price.String() != "100.5" {
		t.Fatalf("asks 排序错误: %+v", got)
	}

	select {
	case <-b.C.C():
	default:
		t.Fatalf("变更后应有信号")
	}
}
