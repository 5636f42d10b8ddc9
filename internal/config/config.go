// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/vkarpenko/tvstream/internal/sink"
	"github.com/vkarpenko/tvstream/internal/validate"
	"github.com/vkarpenko/tvstream/pkg/tvws"
)

// Config holds every setting of the streaming service.
type Config struct {
	ServiceName    string            `mapstructure:"service_name"`
	ServiceVersion string            `mapstructure:"service_version"`
	TradingView    TradingViewConfig `mapstructure:"tradingview"`
	Watch          WatchConfig       `mapstructure:"watch"`
	Export         ExportConfig      `mapstructure:"export"`
	Telemetry      Telemetry         `mapstructure:"telemetry"`
	Logging        Logging           `mapstructure:"logging"`
	HTTP           HTTPConfig        `mapstructure:"http"`
}

// TradingViewConfig groups upstream connection settings.
type TradingViewConfig struct {
	// AuthToken is sent in set_auth_token; empty means guest access.
	AuthToken string `mapstructure:"auth_token"`
	// MaxStudies caps indicators attached per candle stream.
	MaxStudies int         `mapstructure:"max_studies"`
	Socket     tvws.Config `mapstructure:"socket"`
}

// WatchConfig describes what the service streams continuously.
type WatchConfig struct {
	// Symbols are EXCHANGE:SYMBOL pairs.
	Symbols     []string          `mapstructure:"symbols"`
	Timeframe   string            `mapstructure:"timeframe"`
	CandleCount int               `mapstructure:"candle_count"`
	Indicators  []IndicatorConfig `mapstructure:"indicators"`
}

// IndicatorConfig selects one indicator script to attach.
type IndicatorConfig struct {
	ID      string `mapstructure:"id"`
	Version string `mapstructure:"version"`
}

// ExportConfig selects where results are delivered.
type ExportConfig struct {
	Dir          string           `mapstructure:"dir"`
	Format       string           `mapstructure:"format"`
	KafkaEnabled bool             `mapstructure:"kafka_enabled"`
	Kafka        sink.KafkaConfig `mapstructure:"kafka"`
}

// Telemetry holds OpenTelemetry exporter settings.
type Telemetry struct {
	OTLPEndpoint string `mapstructure:"otel_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
}

// Logging holds logger settings.
type Logging struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// HTTPConfig holds the /metrics, /healthz, /readyz server settings.
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsPath     string        `mapstructure:"metrics_path"`
	HealthzPath     string        `mapstructure:"healthz_path"`
	ReadyzPath      string        `mapstructure:"readyz_path"`
}

// Load reads defaults, environment and the optional config file, then
// validates. An empty path means ENV and defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("service_name", "tvstream")
	v.SetDefault("service_version", "v1.0.0")

	v.SetDefault("tradingview.auth_token", tvws.GuestToken)
	v.SetDefault("tradingview.max_studies", 2)
	v.SetDefault("tradingview.socket.url", tvws.DefaultChartURL)
	v.SetDefault("tradingview.socket.read_timeout", "10s")
	v.SetDefault("tradingview.socket.write_timeout", "5s")
	v.SetDefault("tradingview.socket.handshake_timeout", "10s")
	v.SetDefault("tradingview.socket.buffer_size", 100)

	v.SetDefault("watch.symbols", []string{"BINANCE:BTCUSDT"})
	v.SetDefault("watch.timeframe", "1m")
	v.SetDefault("watch.candle_count", 10)

	v.SetDefault("export.dir", "./export")
	v.SetDefault("export.format", "json")
	v.SetDefault("export.kafka_enabled", false)
	v.SetDefault("export.kafka.required_acks", "all")
	v.SetDefault("export.kafka.timeout", "5s")
	v.SetDefault("export.kafka.compression", "none")
	v.SetDefault("export.kafka.candles_topic", "tvstream.candles")
	v.SetDefault("export.kafka.ticks_topic", "tvstream.ticks")

	v.SetDefault("telemetry.otel_endpoint", "otel-collector:4317")
	v.SetDefault("telemetry.insecure", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")

	v.SetEnvPrefix("TVSTREAM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           &cfg,
		DecodeHook:       decodeHook,
		WeaklyTypedInput: true, // env values arrive as strings
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.TradingView.Socket.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// stringToBoolHook parses true/false strings; anything else passes through.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	if err := c.TradingView.Socket.Validate(); err != nil {
		return err
	}
	if c.TradingView.MaxStudies < 0 {
		return fmt.Errorf("tradingview.max_studies must be >= 0")
	}

	if len(c.Watch.Symbols) == 0 {
		return fmt.Errorf("watch.symbols must contain at least one entry")
	}
	for _, s := range c.Watch.Symbols {
		if !strings.Contains(s, ":") {
			return fmt.Errorf("watch.symbols entry %q must be EXCHANGE:SYMBOL", s)
		}
	}
	if !knownTimeframe(c.Watch.Timeframe) {
		return fmt.Errorf("watch.timeframe must be one of [%s]", strings.Join(validate.Timeframes(), ", "))
	}
	if c.Watch.CandleCount <= 0 {
		return fmt.Errorf("watch.candle_count must be > 0")
	}
	for _, ind := range c.Watch.Indicators {
		if ind.ID == "" || ind.Version == "" {
			return fmt.Errorf("watch.indicators entries need id and version")
		}
	}

	switch strings.ToLower(c.Export.Format) {
	case "json", "csv":
	default:
		return fmt.Errorf("export.format must be one of [json, csv]")
	}
	if c.Export.Dir == "" {
		return fmt.Errorf("export.dir is required")
	}
	if c.Export.KafkaEnabled {
		if err := c.Export.Kafka.Validate(); err != nil {
			return err
		}
	}

	if c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otel_endpoint is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	return validateHTTP(&c.HTTP)
}

func knownTimeframe(tf string) bool {
	for _, known := range validate.Timeframes() {
		if tf == known {
			return true
		}
	}
	return false
}

func validateHTTP(h *HTTPConfig) error {
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	durations := map[string]time.Duration{
		"http.read_timeout":     h.ReadTimeout,
		"http.write_timeout":    h.WriteTimeout,
		"http.idle_timeout":     h.IdleTimeout,
		"http.shutdown_timeout": h.ShutdownTimeout,
	}
	for k, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", k)
		}
	}
	paths := map[string]string{
		"http.metrics_path": h.MetricsPath,
		"http.healthz_path": h.HealthzPath,
		"http.readyz_path":  h.ReadyzPath,
	}
	for k, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'", k)
		}
	}
	return nil
}

// Print dumps the loaded config as JSON, useful in DevMode.
func (c *Config) Print() {
	b, _ := json.MarshalIndent(c, "", "  ")
	fmt.Println("Loaded configuration:\n", string(b))
}
