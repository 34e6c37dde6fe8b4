package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpbridge/internal/domain"
	"github.com/betbot/perpbridge/internal/ports"
	"github.com/betbot/perpbridge/pkg/logger"
	"github.com/betbot/perpbridge/pkg/sdk/api"
)

func TestPositionAccumulator_FlipOpensFreshPosition(t *testing.T) {
	a := NewPositionAccumulator()
	a.ApplyFill("ETH-DAI", domain.SideBuy, d("1"), d("100"), 2)
	a.ApplyFill("ETH-DAI", domain.SideBuy, d("1"), d("110"), 2)

	p, ok := a.Get("ETH-DAI")
	require.True(t, ok)
	assert.True(t, p.Amount.Equal(d("2")))
	assert.True(t, p.EntryPrice.Equal(d("105")), "entry=%s", p.EntryPrice)

	// 卖 3：多 2 被穿越，剩余 1 按成交价开空
	a.ApplyFill("ETH-DAI", domain.SideSell, d("3"), d("120"), 2)
	p, ok = a.Get("ETH-DAI")
	require.True(t, ok)
	assert.Equal(t, domain.PositionShort, p.Side)
	assert.True(t, p.Amount.Equal(d("-1")))
	assert.True(t, p.EntryPrice.Equal(d("120")))

	a.ApplyFill("ETH-DAI", domain.SideBuy, d("1"), d("90"), 2)
	_, ok = a.Get("ETH-DAI")
	assert.False(t, ok, "归零后移除")
}

func TestPositionAccumulator_SnapshotKeepsEntryPrice(t *testing.T) {
	a := NewPositionAccumulator()
	a.ApplyFill("ETH-DAI", domain.SideBuy, d("2"), d("100"), 3)
	a.ApplySnapshot("ETH-DAI", d("5"), 3)

	p, ok := a.Get("ETH-DAI")
	require.True(t, ok)
	assert.True(t, p.Amount.Equal(d("5")))
	assert.True(t, p.EntryPrice.Equal(d("100")))
	assert.Len(t, a.All(), 1)
}

func TestBalanceBook_ScalesByCurrencyDecimals(t *testing.T) {
	b := NewBalanceBook()
	require.False(t, b.Loaded())
	b.ApplySnapshot(map[string]api.BalanceEntry{
		"DAI": {Symbol: "DAI", Plasma: d("2500000000000000000"), Available: d("2000000000000000000")},
		"XYZ": {Symbol: "XYZ", Plasma: d("7"), Available: d("7")},
	}, testRegistry())

	assert.True(t, b.Balance("DAI").Equal(d("2.5")))
	assert.True(t, b.Available("DAI").Equal(d("2")))
	assert.True(t, b.Balance("XYZ").Equal(d("7")), "未知币种不缩放")

	b.Release("DAI", d("10"))
	assert.True(t, b.Reserved("DAI").IsZero(), "释放不低于 0")

	all := b.All()
	require.Len(t, all, 2)
	assert.Equal(t, "DAI", all[0].Currency)
}

func TestTradingRuleBook_FromInstrument(t *testing.T) {
	b := NewTradingRuleBook()
	b.SetLeverage("ETH-DAI", 50)
	require.Equal(t, 1, b.Update(testConfig(), testRegistry().Symbol))

	rule, ok := b.Rule("ETH-DAI")
	require.True(t, ok)
	assert.True(t, rule.MinOrderSize.Equal(d("0.01")))
	assert.True(t, rule.MinPriceIncrement.Equal(d("0.1")))
	assert.Equal(t, 20, rule.MaxLeverage)
	assert.Equal(t, 20, b.Leverage("ETH-DAI"), "规则到达后截断已设置的杠杆")
	assert.Equal(t, 1, b.Leverage("BTC-DAI"))
}

func TestFundingBook_ScalesRate(t *testing.T) {
	b := NewFundingBook()
	updated := b.Update(map[string]api.MarketInfo{
		"1": {
			Index:       api.IndexInfo{Price: d("1500")},
			FundingRate: api.FundingRateInfo{End: 1_700_003_600, Rate: d("100000000000000")},
		},
	}, []string{"ETH-DAI", "BTC-DAI"}, testRegistry())

	require.Len(t, updated, 1)
	fi, ok := b.Get("ETH-DAI")
	require.True(t, ok)
	assert.True(t, fi.Rate.Equal(d("0.0001")), "rate=%s", fi.Rate)
	assert.True(t, fi.IndexPrice.Equal(d("1500")))
	assert.Equal(t, int64(1_700_003_600), fi.NextFundingTime)
}

func TestOrderBookTracker_StreamSnapshotAndDiff(t *testing.T) {
	tr := NewOrderBookTracker([]string{"ETH-DAI"}, testRegistry(), logger.Discard())
	require.False(t, tr.Ready())

	require.NoError(t, tr.HandleMarketEvent(streamEvent(t, ports.StreamOrderBook, map[string]api.StreamOrderBook{
		"1": {
			Bids: []api.StreamBookLevel{{Price: d("99"), Size: d("1")}, {Price: d("98"), Size: d("3")}},
			Asks: []api.StreamBookLevel{{Price: d("103"), Size: d("2")}},
		},
	})))
	require.True(t, tr.Ready())
	mid, ok := tr.MidPrice("ETH-DAI")
	require.True(t, ok)
	assert.True(t, mid.Equal(d("101")))

	// 数量为 0 的价位被移除
	require.NoError(t, tr.HandleMarketEvent(streamEvent(t, ports.StreamDiffOrderBook, api.OrderBookDiff{
		Instrument: "1",
		Buy:        map[string]api.BookLevel{"99": {Price: d("99"), TotalQuantity: d("0")}},
		Sell:       map[string]api.BookLevel{"102": {Price: d("102"), TotalQuantity: d("1")}},
	})))
	mid, ok = tr.MidPrice("ETH-DAI")
	require.True(t, ok)
	assert.True(t, mid.Equal(d("100")), "mid=%s", mid)
}

func TestOrderBookTracker_IndexFallback(t *testing.T) {
	tr := NewOrderBookTracker([]string{"ETH-DAI"}, testRegistry(), logger.Discard())
	_, ok := tr.MidPrice("ETH-DAI")
	require.False(t, ok)

	require.NoError(t, tr.HandleMarketEvent(streamEvent(t, ports.StreamIndex, api.IndexUpdate{Topic: "index_ETHUSD", Price: d("1510")})))
	mid, ok := tr.MidPrice("ETH-DAI")
	require.True(t, ok)
	assert.True(t, mid.Equal(d("1510")))

	require.NoError(t, tr.HandleMarketEvent(ports.StreamEvent{Kind: "ticker", Payload: []byte(`{}`), ReceivedAt: time.Now()}))
}
