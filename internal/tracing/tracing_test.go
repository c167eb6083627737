package tracing

import (
	"context"
	"testing"

	"github.com/crewdhq/crewd/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if shutdown == nil {
		t.Fatal("shutdown must be callable even when disabled")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown returned %v", err)
	}
}

func TestProtocolSelection(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "grpc"},
		{"grpc", "grpc"},
		{"http", "http"},
		{"HTTP", "http"},
		{"anything-else", "grpc"},
	}
	for _, tt := range tests {
		if got := protocol(config.TelemetryConfig{Protocol: tt.in}); got != tt.want {
			t.Errorf("protocol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHostportStripsScheme(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"localhost:4317", "localhost:4317"},
		{"http://localhost:4318", "localhost:4318"},
		{"https://otlp.example.com:443", "otlp.example.com:443"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := hostport(tt.in); got != tt.want {
			t.Errorf("hostport(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
