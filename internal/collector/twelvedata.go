package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

// TwelveDataProvider implements Provider using the Twelve Data /price endpoint.
type TwelveDataProvider struct {
	BaseURL   string
	APIKey    string
	Client    *http.Client
	SymbolMap map[string]string // internal symbol -> Twelve Data symbol
}

// NewTwelveDataProvider creates a Twelve Data provider.
func NewTwelveDataProvider(apiKey string, client *http.Client) *TwelveDataProvider {
	return &TwelveDataProvider{
		BaseURL: "https://api.twelvedata.com",
		APIKey:  apiKey,
		Client:  client,
		SymbolMap: map[string]string{
			"US30":   "DJI",
			"NAS100": "IXIC",
			"SPX500": "GSPC",
		},
	}
}

func (p *TwelveDataProvider) Name() string { return "twelvedata" }

func (p *TwelveDataProvider) symbol(s string) string {
	if m, ok := p.SymbolMap[s]; ok {
		return m
	}
	if base, quote, ok := splitPair(s); ok {
		return base + "/" + quote
	}
	return s
}

func (p *TwelveDataProvider) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("symbol", p.symbol(symbol))
	q.Set("apikey", p.APIKey)
	js, err := getJSON(ctx, p.Client, p.BaseURL+"/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("twelvedata: %w", err)
	}
	if status, _ := js.Get("status").String(); status == "error" {
		msg, _ := js.Get("message").String()
		return decimal.Zero, fmt.Errorf("twelvedata api error: %s", msg)
	}
	price, err := decimalField(js.Get("price"))
	if err != nil {
		return decimal.Zero, fmt.Errorf("twelvedata price: %w", err)
	}
	return price, nil
}
