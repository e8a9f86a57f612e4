package collector

import (
	"fmt"
	"net/http"
)

// ProviderConfig names one entry of the priority list.
type ProviderConfig struct {
	Name   string
	APIKey string
}

// BuildProviders instantiates providers in the configured order. Entries with
// no API key are skipped.
func BuildProviders(cfgs []ProviderConfig, client *http.Client) ([]Provider, error) {
	var out []Provider
	for _, c := range cfgs {
		if c.APIKey == "" {
			continue
		}
		switch c.Name {
		case "twelvedata":
			out = append(out, NewTwelveDataProvider(c.APIKey, client))
		case "alphavantage":
			out = append(out, NewAlphaVantageProvider(c.APIKey, client))
		case "finnhub":
			out = append(out, NewFinnhubProvider(c.APIKey, client))
		case "fcsapi":
			out = append(out, NewFCSAPIProvider(c.APIKey, client))
		default:
			return nil, fmt.Errorf("unknown quote provider %q", c.Name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no quote provider has an api key")
	}
	return out, nil
}
