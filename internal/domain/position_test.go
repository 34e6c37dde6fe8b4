package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPosition_SameSideVWAP(t *testing.T) {
	p := PositionFromFill("ETH-DAI", SideBuy, d("2"), d("100"), 3)
	assert.Equal(t, PositionLong, p.Side)

	closed := p.UpdateFromFill(SideBuy, d("130"), d("1"))
	assert.False(t, closed)
	assert.True(t, p.Amount.Equal(d("3")))
	assert.True(t, p.EntryPrice.Equal(d("110")), p.EntryPrice.String())
}

func TestPosition_PartialCloseKeepsEntry(t *testing.T) {
	p := PositionFromFill("ETH-DAI", SideSell, d("4"), d("50"), 1)
	assert.True(t, p.Amount.Equal(d("-4")))

	closed := p.UpdateFromFill(SideBuy, d("40"), d("1"))
	assert.False(t, closed)
	assert.True(t, p.Amount.Equal(d("-3")))
	assert.True(t, p.EntryPrice.Equal(d("50")))
}

func TestPosition_CloseAndFlip(t *testing.T) {
	p := PositionFromFill("ETH-DAI", SideBuy, d("2"), d("100"), 1)
	assert.True(t, p.UpdateFromFill(SideSell, d("90"), d("2")))

	p = PositionFromFill("ETH-DAI", SideBuy, d("2"), d("100"), 1)
	assert.True(t, p.UpdateFromFill(SideSell, d("90"), d("5")))
	// 穿越后余量留在 Amount 中
	assert.True(t, p.Amount.Equal(d("-3")))
}

func TestTradingRule_Quantize(t *testing.T) {
	r := TradingRule{
		TradingPair:       "ETH-DAI",
		MinOrderSize:      d("0.01"),
		MinBaseIncrement:  d("0.01"),
		MinPriceIncrement: d("0.5"),
		MinNotional:       d("0.005"),
		MaxLeverage:       10,
	}
	assert.True(t, r.QuantizePrice(d("101.74")).Equal(d("101.5")))
	assert.True(t, r.QuantizeAmount(d("1.239"), d("100")).Equal(d("1.23")))
	assert.True(t, r.QuantizeAmount(d("0.009"), d("100")).IsZero())
	assert.Equal(t, 10, r.ClampLeverage(25))
	assert.Equal(t, 1, r.ClampLeverage(0))
	assert.Equal(t, 5, r.ClampLeverage(5))
}
