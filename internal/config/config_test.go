// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServiceName != "tvstream" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
	if cfg.TradingView.AuthToken != "unauthorized_user_token" {
		t.Errorf("AuthToken = %q; want guest token", cfg.TradingView.AuthToken)
	}
	if cfg.TradingView.MaxStudies != 2 {
		t.Errorf("MaxStudies = %d; want 2", cfg.TradingView.MaxStudies)
	}
	if cfg.TradingView.Socket.ReadTimeout != 10*time.Second {
		t.Errorf("socket read timeout = %v", cfg.TradingView.Socket.ReadTimeout)
	}
	if len(cfg.Watch.Symbols) != 1 || cfg.Watch.Symbols[0] != "BINANCE:BTCUSDT" {
		t.Errorf("Watch.Symbols = %v", cfg.Watch.Symbols)
	}
	if cfg.Export.Format != "json" || cfg.Export.KafkaEnabled {
		t.Errorf("export defaults = %+v", cfg.Export)
	}
	if cfg.HTTP.MetricsPath != "/metrics" {
		t.Errorf("MetricsPath = %q", cfg.HTTP.MetricsPath)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TVSTREAM_LOGGING_LEVEL", "debug")
	t.Setenv("TVSTREAM_WATCH_TIMEFRAME", "1h")
	t.Setenv("TVSTREAM_HTTP_PORT", "9090")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q; want debug", cfg.Logging.Level)
	}
	if cfg.Watch.Timeframe != "1h" {
		t.Errorf("Watch.Timeframe = %q; want 1h", cfg.Watch.Timeframe)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("HTTP.Port = %d; want 9090", cfg.HTTP.Port)
	}
}

func TestLoadFromFile(t *testing.T) {
	yaml := `
service_name: candle-exporter
watch:
  symbols: ["NASDAQ:AAPL", "BINANCE:ETHUSDT"]
  timeframe: 4h
  candle_count: 50
  indicators:
    - id: "STD;RSI"
      version: "37.0"
export:
  format: csv
  dir: /tmp/exports
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServiceName != "candle-exporter" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
	if len(cfg.Watch.Symbols) != 2 || cfg.Watch.CandleCount != 50 {
		t.Errorf("Watch = %+v", cfg.Watch)
	}
	if len(cfg.Watch.Indicators) != 1 || cfg.Watch.Indicators[0].ID != "STD;RSI" {
		t.Errorf("Indicators = %+v", cfg.Watch.Indicators)
	}
	if cfg.Export.Format != "csv" || cfg.Export.Dir != "/tmp/exports" {
		t.Errorf("Export = %+v", cfg.Export)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct{ key, val, wantErr string }{
		{"TVSTREAM_WATCH_TIMEFRAME", "7h", "watch.timeframe"},
		{"TVSTREAM_LOGGING_LEVEL", "verbose", "logging.level"},
		{"TVSTREAM_EXPORT_FORMAT", "xml", "export.format"},
		{"TVSTREAM_HTTP_PORT", "0", "http.port"},
	}
	for _, c := range cases {
		t.Run(c.key, func(t *testing.T) {
			t.Setenv(c.key, c.val)
			_, err := Load("")
			if err == nil {
				t.Fatalf("want error for %s=%s", c.key, c.val)
			}
			if !strings.Contains(err.Error(), c.wantErr) {
				t.Errorf("error %q does not mention %q", err, c.wantErr)
			}
		})
	}
}
