package otel

import (
	"context"
	"testing"
	"time"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = secret ,broken, =skip,tenant=help")
	if len(headers) != 2 {
		t.Fatalf("unexpected headers: %v", headers)
	}
	if headers["api-key"] != "secret" || headers["tenant"] != "help" {
		t.Fatalf("unexpected headers: %v", headers)
	}
}

func TestConfigFromEnvDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := ConfigFromEnv("rewardd", "test")
	if cfg.Traces || cfg.Metrics {
		t.Fatalf("exporters should be disabled: %+v", cfg)
	}
	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestConfigFromEnvEnablesExporters(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	cfg := ConfigFromEnv("rewardd", "prod")
	if !cfg.Traces || !cfg.Metrics || cfg.Insecure {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestConfigFromEnvURLEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://otel.example:4318/")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "")
	cfg := ConfigFromEnv("rewardd", "prod")
	if cfg.Endpoint != "otel.example:4318" || cfg.Insecure {
		t.Fatalf("unexpected endpoint: %+v", cfg)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	cfg = ConfigFromEnv("rewardd", "prod")
	if cfg.Endpoint != "collector:4318" || !cfg.Insecure {
		t.Fatalf("unexpected endpoint: %+v", cfg)
	}
}

func TestConfigFromEnvSignalsAndSampling(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	t.Setenv("OTEL_METRIC_EXPORT_INTERVAL", "5000")
	cfg := ConfigFromEnv("rewardd", "prod")
	if !cfg.Traces || cfg.Metrics {
		t.Fatalf("only traces should be enabled: %+v", cfg)
	}
	if cfg.SampleRatio != 0.25 {
		t.Fatalf("sample ratio = %v", cfg.SampleRatio)
	}
	if cfg.ExportInterval != 5*time.Second {
		t.Fatalf("export interval = %v", cfg.ExportInterval)
	}

	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "7")
	if got := ConfigFromEnv("rewardd", "prod").SampleRatio; got != 1 {
		t.Fatalf("out-of-range ratio should fall back to 1, got %v", got)
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without service name")
	}
}
