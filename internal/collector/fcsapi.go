package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

// FCSAPIProvider implements Provider using the FCS forex/latest endpoint.
type FCSAPIProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewFCSAPIProvider(apiKey string, client *http.Client) *FCSAPIProvider {
	return &FCSAPIProvider{
		BaseURL: "https://fcsapi.com/api-v3",
		APIKey:  apiKey,
		Client:  client,
	}
}

func (p *FCSAPIProvider) Name() string { return "fcsapi" }

func (p *FCSAPIProvider) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	base, quote, ok := splitPair(symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("fcsapi: unsupported symbol %s", symbol)
	}
	q := url.Values{}
	q.Set("symbol", base+"/"+quote)
	q.Set("access_key", p.APIKey)
	js, err := getJSON(ctx, p.Client, p.BaseURL+"/forex/latest?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fcsapi: %w", err)
	}
	if okFlag, err := js.Get("status").Bool(); err == nil && !okFlag {
		msg, _ := js.Get("msg").String()
		return decimal.Zero, fmt.Errorf("fcsapi api error: %s", msg)
	}
	price, err := decimalField(js.Get("response").GetIndex(0).Get("c"))
	if err != nil {
		return decimal.Zero, fmt.Errorf("fcsapi close: %w", err)
	}
	return price, nil
}
