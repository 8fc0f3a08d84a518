package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 8790 {
		t.Errorf("default port = %d", cfg.Server.Port)
	}
	if cfg.Server.PingInterval >= cfg.Server.PongWait {
		t.Error("default ping interval must be shorter than pong wait")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  host: 127.0.0.1
  port: 9000
  allowed_origins: ["https://chat.example.com"]
  pong_wait: 60s
  ping_interval: 20s
logging:
  level: debug
  format: text
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("server overrides not applied: %+v", cfg.Server)
	}
	if cfg.Server.PongWait != 60*time.Second {
		t.Errorf("pong_wait = %v", cfg.Server.PongWait)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging level = %s", cfg.Logging.Level)
	}
}

func TestParseEnvExpansion(t *testing.T) {
	t.Setenv("CROSSTALK_TEST_HOST", "10.1.2.3")
	cfg, err := Parse([]byte("server:\n  host: ${CROSSTALK_TEST_HOST}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "10.1.2.3" {
		t.Errorf("host = %s, want env value", cfg.Server.Host)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "port out of range",
			yaml: "server:\n  port: 70000\n",
			want: "out of range",
		},
		{
			name: "ping not shorter than pong",
			yaml: "server:\n  ping_interval: 50s\n  pong_wait: 45s\n",
			want: "shorter",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"empty origin always allowed", nil, "", true},
		{"listed origin", []string{"https://a.example"}, "https://a.example", true},
		{"unlisted origin", []string{"https://a.example"}, "https://b.example", false},
		{"wildcard", []string{"*"}, "https://anywhere.example", true},
		{"empty list blocks cross-origin", nil, "https://a.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ServerConfig{AllowedOrigins: tt.allowed}
			if got := s.OriginAllowed(tt.origin); got != tt.want {
				t.Errorf("OriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
