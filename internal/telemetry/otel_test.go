// internal/telemetry/otel_test.go
package telemetry

import (
	"testing"
	"time"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		expectsErr bool
	}{
		{"missing endpoint", Config{ServiceName: "svc", ServiceVersion: "v1"}, true},
		{"missing service name", Config{Endpoint: "host:1234", ServiceVersion: "v1"}, true},
		{"missing version", Config{Endpoint: "host:1234", ServiceName: "svc"}, true},
		{"all set", Config{Endpoint: "host:1234", ServiceName: "svc", ServiceVersion: "v1"}, false},
	}
	for _, tc := range tests {
		err := validateConfig(tc.cfg)
		if tc.expectsErr && err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
		if !tc.expectsErr && err != nil {
			t.Errorf("%s: expected no error, got %v", tc.name, err)
		}
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{Endpoint: "e", ServiceName: "s", ServiceVersion: "v"}
	applyDefaults(&cfg)
	if cfg.Timeout != 5*time.Second {
		t.Errorf("default Timeout = %v; want 5s", cfg.Timeout)
	}
	if cfg.ReconnectPeriod != 5*time.Second {
		t.Errorf("default ReconnectPeriod = %v; want 5s", cfg.ReconnectPeriod)
	}
	if cfg.SamplerRatio != 1.0 {
		t.Errorf("default SamplerRatio = %v; want 1.0", cfg.SamplerRatio)
	}
}
