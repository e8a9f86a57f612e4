package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	simplejson "github.com/bitly/go-simplejson"
	"github.com/shopspring/decimal"
)

// NewHTTPClient builds the shared provider client with optional proxy support.
func NewHTTPClient(proxyURL string) *http.Client {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: transport,
	}
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, header http.Header) (*simplejson.Json, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d, body: %s", resp.StatusCode, truncate(string(body), 200))
	}
	js, err := simplejson.NewJson(body)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return js, nil
}

// decimalField reads a JSON node that may hold a quoted or bare number.
func decimalField(js *simplejson.Json) (decimal.Decimal, error) {
	switch v := js.Interface().(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case json.Number:
		return decimal.NewFromString(v.String())
	case float64:
		return decimal.NewFromFloat(v), nil
	case nil:
		return decimal.Zero, fmt.Errorf("field missing")
	default:
		return decimal.Zero, fmt.Errorf("unexpected field type %T", v)
	}
}

// splitPair turns "EURUSD" into ("EUR", "USD"). Non-pair symbols return ok=false.
func splitPair(symbol string) (base, quote string, ok bool) {
	s := strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
	if len(s) != 6 {
		return "", "", false
	}
	return s[:3], s[3:], true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
