package collector

import (
	"context"
	"errors"
	"time"

	"SignalDesk/internal/metrics"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single provider attempt.
const DefaultTimeout = 10 * time.Second

var errZeroQuote = errors.New("zero quote")

// Provider resolves a symbol to its current price. Each provider owns its own
// URL shape and response-field extraction.
type Provider interface {
	Quote(ctx context.Context, symbol string) (decimal.Decimal, error)
	Name() string
}

// Fetcher walks an ordered provider list; the first parseable non-zero quote wins.
type Fetcher struct {
	providers []Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	timeout   time.Duration
	logger    *zap.Logger
}

// NewFetcher wraps every provider in its own circuit breaker so a provider that
// keeps failing is skipped without spending its timeout.
func NewFetcher(providers []Provider, timeout time.Duration, logger *zap.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	f := &Fetcher{
		providers: providers,
		breakers:  make(map[string]*gobreaker.CircuitBreaker, len(providers)),
		timeout:   timeout,
		logger:    logger,
	}
	for _, p := range providers {
		f.breakers[p.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    p.Name(),
			Timeout: 2 * time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		})
	}
	return f
}

// Providers returns the provider names in priority order.
func (f *Fetcher) Providers() []string {
	names := make([]string, len(f.providers))
	for i, p := range f.providers {
		names[i] = p.Name()
	}
	return names
}

// Quote returns the first usable price. ok is false when no provider produced
// one this cycle; that is not an error.
func (f *Fetcher) Quote(ctx context.Context, symbol string) (price decimal.Decimal, ok bool) {
	for _, p := range f.providers {
		if ctx.Err() != nil {
			return decimal.Zero, false
		}
		price, err := f.attempt(ctx, p, symbol)
		if err != nil {
			result := "error"
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				result = "skipped"
			}
			metrics.QuoteRequestsTotal.WithLabelValues(p.Name(), result).Inc()
			f.logger.Debug("quote provider failed",
				zap.String("provider", p.Name()), zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		metrics.QuoteRequestsTotal.WithLabelValues(p.Name(), "ok").Inc()
		return price, true
	}
	f.logger.Warn("no quote this cycle", zap.String("symbol", symbol))
	return decimal.Zero, false
}

func (f *Fetcher) attempt(ctx context.Context, p Provider, symbol string) (decimal.Decimal, error) {
	cb := f.breakers[p.Name()]
	start := time.Now()
	defer func() {
		metrics.QuoteRequestDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	}()

	out, err := cb.Execute(func() (interface{}, error) {
		actx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		price, err := p.Quote(actx, symbol)
		if err != nil {
			return nil, err
		}
		if !price.IsPositive() {
			return nil, errZeroQuote
		}
		return price, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return out.(decimal.Decimal), nil
}
