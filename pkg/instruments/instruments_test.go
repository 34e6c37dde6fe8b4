package instruments

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/betbot/perpbridge/pkg/sdk/api"
)

const sampleConfig = `{"instruments":{
 "1":{"id":"1","symbol":"ETHUSD","baseSymbol":"ETH","quoteSymbol":"DAI","quote":{"address":"0xdai","decimals":18},"baseSignificantDigits":2,"tickSize":0.5,"maxLeverage":20},
 "2":{"id":"2","symbol":"BTCUSD","baseSymbol":"BTC","quoteSymbol":"DAI","quote":{"address":"0xother","decimals":6},"baseSignificantDigits":4,"tickSize":1,"maxLeverage":10}
}}`

type fakeFetcher struct{ cfg *api.ConfigResponse }

func (f fakeFetcher) GetConfig(context.Context) (*api.ConfigResponse, error) { return f.cfg, nil }

func TestRegistry_Load(t *testing.T) {
	var cfg api.ConfigResponse
	if err := json.Unmarshal([]byte(sampleConfig), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	r := NewRegistry()
	if r.Ready() {
		t.Fatalf("未加载前不应 ready")
	}
	if err := r.Configure(context.Background(), fakeFetcher{cfg: &cfg}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	id, ok := r.MarketID("ETH-DAI")
	if !ok || id != "1" {
		t.Fatalf("MarketID: %s %v", id, ok)
	}
	if pair, _ := r.Symbol("2"); pair != "BTC-DAI" {
		t.Fatalf("Symbol: %s", pair)
	}
	if d, _ := r.Decimals("2"); d != 6 {
		t.Fatalf("instrument decimals: %d", d)
	}
	if got := r.DecimalsByCurrency("XYZ"); got != 0 {
		t.Fatalf("未知币种精度应为 0, got=%d", got)
	}
	if len(r.Instruments()) != 2 {
		t.Fatalf("instruments: %d", len(r.Instruments()))
	}
}

func TestFromExchangePair(t *testing.T) {
	cases := map[string]string{"ETHUSD": "ETH-DAI", "BTCUSDT": "BTC-USDT", "UNIDEFI": "UNI-DEFI"}
	for in, want := range cases {
		got, err := FromExchangePair(in)
		if err != nil || got != want {
			t.Fatalf("%s: got=%s err=%v", in, got, err)
		}
	}
	if _, err := FromExchangePair("ETHEUR"); err == nil {
		t.Fatalf("不支持的报价币应报错")
	}
	if ToExchangePair("ETH-DAI") != "ETHDAI" {
		t.Fatalf("ToExchangePair")
	}
}
