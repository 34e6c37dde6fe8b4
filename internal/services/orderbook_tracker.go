package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpbridge/internal/ports"
	"github.com/betbot/perpbridge/pkg/cache"
	"github.com/betbot/perpbridge/pkg/instruments"
	"github.com/betbot/perpbridge/pkg/orderbook"
	"github.com/betbot/perpbridge/pkg/sdk/api"
)

// OrderBookTracker 维护配置交易对的价位簿与指数价格缓存
type OrderBookTracker struct {
	pairs  []string
	books  map[string]*orderbook.Book // 构造后只读
	topics map[string]string          // index topic 后缀 -> 交易对
	lookup ports.InstrumentLookup
	index  *cache.PriceCache
	log    *logrus.Entry
	now    func() time.Time
}

func NewOrderBookTracker(pairs []string, lookup ports.InstrumentLookup, log *logrus.Entry) *OrderBookTracker {
	if log == nil {
		log = logrus.WithField("component", "orderbook_tracker")
	}
	t := &OrderBookTracker{
		pairs:  append([]string(nil), pairs...),
		books:  make(map[string]*orderbook.Book, len(pairs)),
		topics: make(map[string]string, len(pairs)*2),
		lookup: lookup,
		index:  cache.NewPriceCache(10 * time.Second),
		log:    log,
		now:    time.Now,
	}
	for _, pair := range pairs {
		t.books[pair] = orderbook.NewBook(pair)
		t.topics[instruments.ToExchangePair(pair)] = pair
		if base, quote, ok := strings.Cut(pair, "-"); ok && quote == "DAI" {
			t.topics[base+"USD"] = pair
		}
	}
	return t
}

// Seed 用 REST 快照初始化每个交易对的价位簿；单个失败不影响其它交易对
func (t *OrderBookTracker) Seed(ctx context.Context, exchange ports.ExchangeAPI) error {
	var firstErr error
	for _, pair := range t.pairs {
		id, ok := t.lookup.MarketID(pair)
		if !ok {
			continue
		}
		snap, err := exchange.GetOrderBook(ctx, id)
		if err != nil {
			t.log.Warnf("拉取 %s 价位簿快照失败: %v", pair, err)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "orderbook snapshot %s", pair)
			}
			continue
		}
		t.books[pair].ApplySnapshot(restLevels(snap.Buy), restLevels(snap.Sell), t.now())
	}
	return firstErr
}

// HandleMarketEvent 处理行情流消息：orderbook、difforderbook、index
func (t *OrderBookTracker) HandleMarketEvent(ev ports.StreamEvent) error {
	ts := ev.ReceivedAt
	if ts.IsZero() {
		ts = t.now()
	}
	switch ev.Kind {
	case ports.StreamOrderBook:
		var snaps map[string]api.StreamOrderBook
		if err := json.Unmarshal(ev.Payload, &snaps); err != nil {
			return errors.Wrap(err, "decode orderbook")
		}
		for _, pair := range t.pairs {
			id, ok := t.lookup.MarketID(pair)
			if !ok {
				continue
			}
			snap, ok := snaps[id]
			if !ok {
				continue
			}
			t.books[pair].ApplySnapshot(streamLevels(snap.Bids), streamLevels(snap.Asks), ts)
		}

	case ports.StreamDiffOrderBook:
		var diff api.OrderBookDiff
		if err := json.Unmarshal(ev.Payload, &diff); err != nil {
			return errors.Wrap(err, "decode difforderbook")
		}
		pair, ok := t.lookup.Symbol(diff.Instrument.String())
		if !ok {
			return nil
		}
		book, ok := t.books[pair]
		if !ok {
			return nil
		}
		book.ApplyDiff(diffLevels(diff.Buy), diffLevels(diff.Sell), ts)

	case ports.StreamIndex:
		var idx api.IndexUpdate
		if err := json.Unmarshal(ev.Payload, &idx); err != nil {
			return errors.Wrap(err, "decode index")
		}
		if pair, ok := t.topics[strings.TrimPrefix(idx.Topic, "index_")]; ok && idx.Price.IsPositive() {
			t.index.Set(pair, idx.Price)
		}

	default:
		t.log.Debugf("忽略行情消息: %s", ev.Kind)
	}
	return nil
}

// SetIndexPrice 由资金费率轮询补充指数价格
func (t *OrderBookTracker) SetIndexPrice(pair string, price decimal.Decimal) {
	if price.IsPositive() {
		t.index.Set(pair, price)
	}
}

func (t *OrderBookTracker) Book(pair string) (*orderbook.Book, bool) {
	b, ok := t.books[pair]
	return b, ok
}

// Ready 所有交易对都收到过快照
func (t *OrderBookTracker) Ready() bool {
	for _, b := range t.books {
		if !b.Initialized() {
			return false
		}
	}
	return true
}

// MidPrice 买一卖一均价；价位簿不完整时退回指数价格
func (t *OrderBookTracker) MidPrice(pair string) (decimal.Decimal, bool) {
	if b, ok := t.books[pair]; ok {
		if mid, ok := b.MidPrice(); ok {
			return mid, true
		}
	}
	return t.index.Get(pair)
}

func restLevels(levels []api.BookLevel) []orderbook.Level {
	out := make([]orderbook.Level, 0, len(levels))
	for _, l := range levels {
		out = append(out, orderbook.Level{Price: l.Price, Amount: l.TotalQuantity})
	}
	return out
}

func streamLevels(levels []api.StreamBookLevel) []orderbook.Level {
	out := make([]orderbook.Level, 0, len(levels))
	for _, l := range levels {
		out = append(out, orderbook.Level{Price: l.Price, Amount: l.Size})
	}
	return out
}

func diffLevels(levels map[string]api.BookLevel) []orderbook.Level {
	out := make([]orderbook.Level, 0, len(levels))
	for _, l := range levels {
		out = append(out, orderbook.Level{Price: l.Price, Amount: l.TotalQuantity})
	}
	return out
}
