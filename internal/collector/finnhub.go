package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

// FinnhubProvider implements Provider using the Finnhub /quote endpoint with OANDA symbols.
type FinnhubProvider struct {
	BaseURL   string
	APIKey    string
	Client    *http.Client
	SymbolMap map[string]string
}

func NewFinnhubProvider(apiKey string, client *http.Client) *FinnhubProvider {
	return &FinnhubProvider{
		BaseURL: "https://finnhub.io/api/v1",
		APIKey:  apiKey,
		Client:  client,
		SymbolMap: map[string]string{
			"US30":   "OANDA:US30_USD",
			"NAS100": "OANDA:NAS100_USD",
			"SPX500": "OANDA:SPX500_USD",
		},
	}
}

func (p *FinnhubProvider) Name() string { return "finnhub" }

func (p *FinnhubProvider) symbol(s string) string {
	if m, ok := p.SymbolMap[s]; ok {
		return m
	}
	if base, quote, ok := splitPair(s); ok {
		return "OANDA:" + base + "_" + quote
	}
	return s
}

func (p *FinnhubProvider) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("symbol", p.symbol(symbol))
	header := http.Header{}
	header.Set("X-Finnhub-Token", p.APIKey)
	js, err := getJSON(ctx, p.Client, p.BaseURL+"/quote?"+q.Encode(), header)
	if err != nil {
		return decimal.Zero, fmt.Errorf("finnhub: %w", err)
	}
	if msg, err := js.Get("error").String(); err == nil && msg != "" {
		return decimal.Zero, fmt.Errorf("finnhub api error: %s", msg)
	}
	price, err := decimalField(js.Get("c"))
	if err != nil {
		return decimal.Zero, fmt.Errorf("finnhub current: %w", err)
	}
	return price, nil
}
