// pkg/tvws/config.go
package tvws

import (
	"fmt"
	"time"

	"github.com/vkarpenko/tvstream/pkg/backoff"
)

// DefaultChartURL is the streaming endpoint used for chart/candle sessions.
const DefaultChartURL = "wss://data.tradingview.com/socket.io/websocket?from=chart%2F&type=chart"

// DefaultScreenerURL is the streaming endpoint used for raw watchlist streams.
const DefaultScreenerURL = "wss://data.tradingview.com/socket.io/websocket?from=screener%2F"

// GuestToken authorizes unauthenticated access.
const GuestToken = "unauthorized_user_token"

// DefaultQuoteFields is the full field set requested via quote_set_fields.
var DefaultQuoteFields = []string{
	"ch", "chp", "current_session", "description", "local_description",
	"language", "exchange", "fractional", "is_tradable", "lp",
	"lp_time", "minmov", "minmove2", "original_name", "pricescale",
	"pro_name", "short_name", "type", "update_mode", "volume",
	"currency_code", "rchp", "rtc", "high_price", "low_price", "open_price",
	"prev_close_price", "bid", "ask", "bid_size", "ask_size",
}

// Config holds connection settings for the streaming socket.
type Config struct {
	URL              string         `mapstructure:"url"`
	ReadTimeout      time.Duration  `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration  `mapstructure:"write_timeout"`
	HandshakeTimeout time.Duration  `mapstructure:"handshake_timeout"`
	BufferSize       int            `mapstructure:"buffer_size"`
	Backoff          backoff.Config `mapstructure:"backoff"`
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.URL == "" {
		c.URL = DefaultChartURL
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("tvws: URL is required")
	}
	return nil
}
