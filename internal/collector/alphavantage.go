package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

// AlphaVantageProvider implements Provider using CURRENCY_EXCHANGE_RATE.
// It only understands currency pairs (metals included).
type AlphaVantageProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewAlphaVantageProvider(apiKey string, client *http.Client) *AlphaVantageProvider {
	return &AlphaVantageProvider{
		BaseURL: "https://www.alphavantage.co",
		APIKey:  apiKey,
		Client:  client,
	}
}

func (p *AlphaVantageProvider) Name() string { return "alphavantage" }

func (p *AlphaVantageProvider) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	base, quote, ok := splitPair(symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("alphavantage: unsupported symbol %s", symbol)
	}
	q := url.Values{}
	q.Set("function", "CURRENCY_EXCHANGE_RATE")
	q.Set("from_currency", base)
	q.Set("to_currency", quote)
	q.Set("apikey", p.APIKey)
	js, err := getJSON(ctx, p.Client, p.BaseURL+"/query?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("alphavantage: %w", err)
	}
	// Throttled responses carry a note instead of data.
	for _, key := range []string{"Note", "Information", "Error Message"} {
		if msg, err := js.Get(key).String(); err == nil && msg != "" {
			return decimal.Zero, fmt.Errorf("alphavantage api error: %s", msg)
		}
	}
	price, err := decimalField(js.GetPath("Realtime Currency Exchange Rate", "5. Exchange Rate"))
	if err != nil {
		return decimal.Zero, fmt.Errorf("alphavantage rate: %w", err)
	}
	return price, nil
}
