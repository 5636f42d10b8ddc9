// internal/validate/validate.go

// Package validate checks exchange/symbol pairs against the scanner API and
// maps user timeframes to their protocol values. It is consulted by the
// streaming facade before any socket is opened.
package validate

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/vkarpenko/tvstream/pkg/backoff"
	"github.com/vkarpenko/tvstream/pkg/logger"
	"github.com/vkarpenko/tvstream/pkg/session"
)

// DefaultScannerURL serves symbol existence lookups.
const DefaultScannerURL = "https://scanner.tradingview.com"

// Error reports invalid user input (exchange, symbol or timeframe).
type Error struct {
	Reason string
}

func (e *Error) Error() string { return e.Reason }

// timeframes maps user-facing timeframe names to protocol values.
var timeframes = map[string]string{
	"1m":  "1",
	"5m":  "5",
	"15m": "15",
	"30m": "30",
	"1h":  "60",
	"2h":  "120",
	"4h":  "240",
	"1d":  "1D",
	"1w":  "1W",
	"1M":  "1M",
}

// Validator performs scanner-API symbol validation with bounded retries.
type Validator struct {
	BaseURL string
	client  *http.Client
	boCfg   backoff.Config
	log     *logger.Logger
}

func New(log *logger.Logger) *Validator {
	return &Validator{
		BaseURL: DefaultScannerURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		boCfg: backoff.Config{
			InitialInterval: 500 * time.Millisecond,
			MaxElapsedTime:  15 * time.Second,
		},
		log: log.Named("validate"),
	}
}

// ValidateSymbol checks that EXCHANGE:SYMBOL exists. A 404 from the scanner
// is a validation failure naming the pair; transient failures are retried and
// reported as a validation error once retries are exhausted.
func (v *Validator) ValidateSymbol(ctx context.Context, exchange, symbol string) error {
	if strings.TrimSpace(exchange) == "" || strings.TrimSpace(symbol) == "" {
		return &Error{Reason: "exchange and symbol cannot be empty"}
	}
	pair := session.FormatSymbol(exchange, symbol)
	lookup := fmt.Sprintf("%s/symbol?symbol=%s&fields=market&no_404=false",
		v.BaseURL, url.QueryEscape(pair))

	var verr error
	err := backoff.Execute(ctx, v.boCfg, v.log, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookup, nil)
		if err != nil {
			return err
		}
		resp, err := v.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			verr = &Error{Reason: fmt.Sprintf("invalid exchange:symbol %q", pair)}
			return nil
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("scanner returned status %d", resp.StatusCode)
		default:
			return nil
		}
	})
	if err != nil {
		return &Error{Reason: fmt.Sprintf("could not validate %q: %v", pair, err)}
	}
	return verr
}

// Timeframe maps a user timeframe to its protocol value, e.g. "1h" -> "60".
func (v *Validator) Timeframe(tf string) (string, error) {
	mapped, ok := timeframes[tf]
	if !ok {
		return "", &Error{Reason: fmt.Sprintf(
			"invalid timeframe %q; valid timeframes: %s", tf, strings.Join(Timeframes(), ", "))}
	}
	return mapped, nil
}

// Timeframes lists the supported user timeframes in stable order.
func Timeframes() []string {
	out := make([]string, 0, len(timeframes))
	for tf := range timeframes {
		out = append(out, tf)
	}
	sort.Strings(out)
	return out
}
