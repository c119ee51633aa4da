package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  listen:
    addr: 0.0.0.0
    port: 8025
proxy:
  hostname: smtp.sendgrid.net
  port: 587
  username: apikey
  password: SG.secret
  tls: STARTTLS
`

func TestParse_ValidDocument(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Listen.Addr != "0.0.0.0" {
		t.Errorf("Server.Listen.Addr: got %q, want %q", cfg.Server.Listen.Addr, "0.0.0.0")
	}
	if cfg.Server.Listen.Port != 8025 {
		t.Errorf("Server.Listen.Port: got %d, want %d", cfg.Server.Listen.Port, 8025)
	}
	if cfg.Proxy.Hostname != "smtp.sendgrid.net" {
		t.Errorf("Proxy.Hostname: got %q, want %q", cfg.Proxy.Hostname, "smtp.sendgrid.net")
	}
	if cfg.Proxy.Port != 587 {
		t.Errorf("Proxy.Port: got %d, want %d", cfg.Proxy.Port, 587)
	}
	if cfg.Proxy.Username != "apikey" {
		t.Errorf("Proxy.Username: got %q, want %q", cfg.Proxy.Username, "apikey")
	}
	if cfg.Proxy.Password != "SG.secret" {
		t.Errorf("Proxy.Password: got %q, want %q", cfg.Proxy.Password, "SG.secret")
	}
	if cfg.Proxy.TLS != TLSStartTLS {
		t.Errorf("Proxy.TLS: got %v, want %v", cfg.Proxy.TLS, TLSStartTLS)
	}
	if got := cfg.Server.Listen.Address(); got != "0.0.0.0:8025" {
		t.Errorf("Listen.Address(): got %q, want %q", got, "0.0.0.0:8025")
	}
	if got := cfg.Proxy.Address(); got != "smtp.sendgrid.net:587" {
		t.Errorf("Proxy.Address(): got %q, want %q", got, "smtp.sendgrid.net:587")
	}
}

func TestParse_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Hostname != "localhost" {
		t.Errorf("Server.Hostname: got %q, want %q", cfg.Server.Hostname, "localhost")
	}
	if cfg.Server.MaxMessageSize != 26214400 {
		t.Errorf("Server.MaxMessageSize: got %d, want %d", cfg.Server.MaxMessageSize, 26214400)
	}
	if cfg.Server.MaxSessions != 0 {
		t.Errorf("Server.MaxSessions: got %d, want 0", cfg.Server.MaxSessions)
	}
	if cfg.Server.IdleTimeout != 60*time.Second {
		t.Errorf("Server.IdleTimeout: got %v, want %v", cfg.Server.IdleTimeout, 60*time.Second)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Server.ShutdownTimeout: got %v, want %v", cfg.Server.ShutdownTimeout, 30*time.Second)
	}
	if cfg.Proxy.API != APISMTP {
		t.Errorf("Proxy.API: got %q, want %q", cfg.Proxy.API, APISMTP)
	}
	if cfg.Proxy.Helo != "localhost" {
		t.Errorf("Proxy.Helo: got %q, want %q", cfg.Proxy.Helo, "localhost")
	}
	if cfg.Proxy.Timeout != 30*time.Second {
		t.Errorf("Proxy.Timeout: got %v, want %v", cfg.Proxy.Timeout, 30*time.Second)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
}

func TestParse_OptionalKeys(t *testing.T) {
	t.Parallel()

	doc := validYAML + `
logging:
  level: DEBUG
`
	doc = strings.Replace(doc, "    port: 8025\n", "    port: 8025\n  hostname: relay.lan\n  max_message_size: 1024\n  max_sessions: 8\n  idle_timeout: 5s\n  shutdown_timeout: 1m\n", 1)
	doc = strings.Replace(doc, "  tls: STARTTLS\n", "  tls: STARTTLS\n  timeout: 10s\n", 1)

	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Hostname != "relay.lan" {
		t.Errorf("Server.Hostname: got %q, want %q", cfg.Server.Hostname, "relay.lan")
	}
	if cfg.Proxy.Helo != "relay.lan" {
		t.Errorf("Proxy.Helo: got %q, want %q", cfg.Proxy.Helo, "relay.lan")
	}
	if cfg.Server.MaxMessageSize != 1024 {
		t.Errorf("Server.MaxMessageSize: got %d, want 1024", cfg.Server.MaxMessageSize)
	}
	if cfg.Server.MaxSessions != 8 {
		t.Errorf("Server.MaxSessions: got %d, want 8", cfg.Server.MaxSessions)
	}
	if cfg.Server.IdleTimeout != 5*time.Second {
		t.Errorf("Server.IdleTimeout: got %v, want 5s", cfg.Server.IdleTimeout)
	}
	if cfg.Server.ShutdownTimeout != time.Minute {
		t.Errorf("Server.ShutdownTimeout: got %v, want 1m", cfg.Server.ShutdownTimeout)
	}
	if cfg.Proxy.Timeout != 10*time.Second {
		t.Errorf("Proxy.Timeout: got %v, want 10s", cfg.Proxy.Timeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestParse_TLSModes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value string
		want  TLSMode
	}{
		{"true", TLSImplicit},
		{"false", TLSPlain},
		{"STARTTLS", TLSStartTLS},
		{"starttls", TLSStartTLS},
		{`"StartTLS"`, TLSStartTLS},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.value, func(t *testing.T) {
			t.Parallel()
			doc := strings.Replace(validYAML, "tls: STARTTLS", "tls: "+tt.value, 1)
			cfg, err := Parse([]byte(doc))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Proxy.TLS != tt.want {
				t.Errorf("Proxy.TLS: got %v, want %v", cfg.Proxy.TLS, tt.want)
			}
		})
	}
}

func TestParse_InvalidTLSMode(t *testing.T) {
	t.Parallel()

	for _, value := range []string{"yes-please", `"true"`, "1", "SSL", "[]"} {
		value := value
		t.Run(value, func(t *testing.T) {
			t.Parallel()
			doc := strings.Replace(validYAML, "tls: STARTTLS", "tls: "+value, 1)
			_, err := Parse([]byte(doc))
			if !errors.Is(err, ErrInvalidTLSMode) {
				t.Fatalf("got %v, want InvalidTlsMode", err)
			}
		})
	}
}

func TestParse_MissingField(t *testing.T) {
	t.Parallel()

	// Removing each line must report exactly that path, proving no other
	// key is reported first.
	tests := []struct {
		line string
		path string
	}{
		{"    addr: 0.0.0.0\n", "server.listen.addr"},
		{"    port: 8025\n", "server.listen.port"},
		{"  hostname: smtp.sendgrid.net\n", "proxy.hostname"},
		{"  port: 587\n", "proxy.port"},
		{"  username: apikey\n", "proxy.username"},
		{"  password: SG.secret\n", "proxy.password"},
		{"  tls: STARTTLS\n", "proxy.tls"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			doc := strings.Replace(validYAML, tt.line, "", 1)
			_, err := Parse([]byte(doc))

			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if cerr.Kind != KindMissingField {
				t.Errorf("Kind: got %v, want %v", cerr.Kind, KindMissingField)
			}
			if cerr.Path != tt.path {
				t.Errorf("Path: got %q, want %q", cerr.Path, tt.path)
			}
			if !errors.Is(err, ErrMissingField) {
				t.Error("errors.Is(err, ErrMissingField) = false")
			}
		})
	}
}

func TestParse_MissingSections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		path string
	}{
		{"no server", "proxy:\n  hostname: x\n", "server"},
		{"no listen", "server:\n  other: 1\n", "server.listen"},
		{"no proxy", "server:\n  listen:\n    addr: a\n    port: 25\n", "proxy"},
		{"both missing, server first", "logging:\n  level: info\n", "server"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.doc))
			var cerr *Error
			if !errors.As(err, &cerr) || cerr.Kind != KindMissingField {
				t.Fatalf("got %v, want MissingField", err)
			}
			if cerr.Path != tt.path {
				t.Errorf("Path: got %q, want %q", cerr.Path, tt.path)
			}
			want := "'" + tt.path + "' is missing from config"
			if err.Error() != want {
				t.Errorf("Error(): got %q, want %q", err.Error(), want)
			}
		})
	}
}

func TestParse_Empty(t *testing.T) {
	t.Parallel()

	for _, doc := range []string{"", "\n", "# only a comment\n", "{}", "~"} {
		_, err := Parse([]byte(doc))
		if !errors.Is(err, ErrEmpty) {
			t.Errorf("Parse(%q): got %v, want EmptyConfig", doc, err)
		}
	}
}

func TestParse_SyntaxError(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("server: [unterminated\n  listen: {"))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("got %v, want ParseError", err)
	}
	if errors.Is(err, ErrMissingField) || errors.Is(err, ErrEmpty) {
		t.Error("parse error must be distinct from schema errors")
	}
}

func TestParse_InvalidFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		old  string
		new  string
		path string
	}{
		{"port not integer", "port: 587", "port: five", "proxy.port"},
		{"port out of range", "port: 587", "port: 70000", "proxy.port"},
		{"listen port zero", "port: 8025", "port: 0", "server.listen.port"},
		{"empty username", "username: apikey", `username: ""`, "proxy.username"},
		{"hostname not string", "hostname: smtp.sendgrid.net", "hostname: [a, b]", "proxy.hostname"},
		{"listen not mapping", "  listen:\n    addr: 0.0.0.0\n    port: 8025\n", "  listen: 8025\n", "server.listen"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			doc := strings.Replace(validYAML, tt.old, tt.new, 1)
			_, err := Parse([]byte(doc))
			var cerr *Error
			if !errors.As(err, &cerr) || cerr.Kind != KindInvalidField {
				t.Fatalf("got %v, want InvalidField", err)
			}
			if cerr.Path != tt.path {
				t.Errorf("Path: got %q, want %q", cerr.Path, tt.path)
			}
		})
	}
}

func TestParse_SESRequiresRegion(t *testing.T) {
	t.Parallel()

	doc := strings.Replace(validYAML, "tls: STARTTLS", "tls: true\n  api: ses", 1)
	_, err := Parse([]byte(doc))
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindMissingField || cerr.Path != "proxy.region" {
		t.Fatalf("got %v, want MissingField proxy.region", err)
	}

	cfg, err := Parse([]byte(doc + "  region: eu-west-1\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Proxy.API != APISES || cfg.Proxy.Region != "eu-west-1" {
		t.Errorf("got api=%q region=%q", cfg.Proxy.API, cfg.Proxy.Region)
	}
}

func TestParse_SESRejectsStartTLS(t *testing.T) {
	t.Parallel()

	doc := strings.Replace(validYAML, "tls: STARTTLS", "tls: STARTTLS\n  api: ses\n  region: us-east-1", 1)
	_, err := Parse([]byte(doc))
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindInvalidField || cerr.Path != "proxy.tls" {
		t.Fatalf("got %v, want InvalidField proxy.tls", err)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("PROXY_USERNAME", "")
	t.Setenv("PROXY_PASSWORD", "")
	t.Setenv("LOG_LEVEL", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Proxy.Username != "apikey" {
		t.Errorf("Proxy.Username: got %q, want %q", cfg.Proxy.Username, "apikey")
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	t.Setenv("PROXY_USERNAME", "env-user")
	t.Setenv("PROXY_PASSWORD", "env-pass")
	t.Setenv("LOG_LEVEL", "WARN")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Proxy.Username != "env-user" {
		t.Errorf("Proxy.Username: got %q, want %q", cfg.Proxy.Username, "env-user")
	}
	if cfg.Proxy.Password != "env-pass" {
		t.Errorf("Proxy.Password: got %q, want %q", cfg.Proxy.Password, "env-pass")
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "warn")
	}
}

func TestLoad_EnvDoesNotSatisfyMissingField(t *testing.T) {
	t.Setenv("PROXY_PASSWORD", "env-pass")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := strings.Replace(validYAML, "  password: SG.secret\n", "", 1)
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := Load(path)
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("got %v, want MissingField", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}
