// Package config loads and validates the YAML configuration document for
// the SMTP proxy. Validation is done against the generically decoded
// document so that the first missing key can be reported by its path.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

const (
	defaultHostname        = "localhost"
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultRelayTimeout    = 30 * time.Second
)

// Upstream API kinds accepted by proxy.api.
const (
	APISMTP = "smtp"
	APISES  = "ses"
)

// TLSMode selects how the relay secures its upstream connection.
type TLSMode int

const (
	// TLSPlain sends everything, credentials included, unencrypted.
	TLSPlain TLSMode = iota
	// TLSImplicit negotiates TLS before the first SMTP byte.
	TLSImplicit
	// TLSStartTLS connects in plaintext and upgrades with STARTTLS before AUTH.
	TLSStartTLS
)

func (m TLSMode) String() string {
	switch m {
	case TLSPlain:
		return "plain"
	case TLSImplicit:
		return "implicit"
	case TLSStartTLS:
		return "starttls"
	}
	return fmt.Sprintf("TLSMode(%d)", int(m))
}

// ParseTLSMode maps a decoded proxy.tls value to a TLSMode. Booleans select
// implicit TLS or plaintext; the only accepted string is STARTTLS, in any case.
func ParseTLSMode(v interface{}) (TLSMode, bool) {
	switch t := v.(type) {
	case bool:
		if t {
			return TLSImplicit, true
		}
		return TLSPlain, true
	case string:
		if strings.EqualFold(t, "STARTTLS") {
			return TLSStartTLS, true
		}
	}
	return 0, false
}

// Config holds the complete application configuration. It is built once at
// startup and never modified afterwards.
type Config struct {
	Server  ServerConfig
	Proxy   ProxyConfig
	Logging LoggingConfig
}

// ServerConfig holds the inbound SMTP listener configuration.
type ServerConfig struct {
	Listen          ListenConfig
	Hostname        string
	MaxMessageSize  int64
	MaxSessions     int
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// ListenConfig is the address the front end binds.
type ListenConfig struct {
	Addr string
	Port uint16
}

// Address returns addr:port suitable for net.Listen.
func (l ListenConfig) Address() string {
	return net.JoinHostPort(l.Addr, strconv.Itoa(int(l.Port)))
}

// ProxyConfig describes the upstream server messages are relayed to.
type ProxyConfig struct {
	Hostname string
	Port     uint16
	Username string
	Password string
	TLS      TLSMode

	API     string
	Region  string
	Helo    string
	Timeout time.Duration
}

// Address returns hostname:port of the upstream server.
func (p ProxyConfig) Address() string {
	return net.JoinHostPort(p.Hostname, strconv.Itoa(int(p.Port)))
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string
}

// Load reads the document at path, validates it, then applies environment
// variable overrides. Environment variables never satisfy a missing key.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	cfg.applyEnvVars()
	return cfg, nil
}

// Parse validates a YAML document and returns the resulting Config.
// Checks run in a fixed order and stop at the first failure, which is
// returned as an *Error.
func Parse(data []byte) (*Config, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Kind: KindParse, Msg: err.Error(), Err: err}
	}

	if raw == nil {
		return nil, &Error{Kind: KindEmpty}
	}
	doc, ok := raw.(map[string]interface{})
	if !ok {
		return nil, &Error{Kind: KindParse, Msg: "document root must be a mapping"}
	}
	if len(doc) == 0 {
		return nil, &Error{Kind: KindEmpty}
	}

	if err := checkRequired(doc); err != nil {
		return nil, err
	}

	cfg, err := build(doc)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// requiredPaths lists the mandatory keys in the order they are checked.
var requiredPaths = []string{
	"server.listen.addr",
	"server.listen.port",
	"proxy.hostname",
	"proxy.port",
	"proxy.username",
	"proxy.password",
	"proxy.tls",
}

// checkRequired reports the first absent required key, then the TLS mode.
func checkRequired(doc map[string]interface{}) error {
	for _, path := range requiredPaths {
		if _, ok, err := lookup(doc, path); err != nil {
			return err
		} else if !ok {
			return missing(path)
		}
	}

	v, _, _ := lookup(doc, "proxy.tls")
	if _, ok := ParseTLSMode(v); !ok {
		return &Error{Kind: KindInvalidTLSMode, Path: "proxy.tls"}
	}
	return nil
}

func build(doc map[string]interface{}) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	var err error
	if cfg.Server.Listen.Addr, err = requireString(doc, "server.listen.addr"); err != nil {
		return nil, err
	}
	if cfg.Server.Listen.Port, err = requirePort(doc, "server.listen.port"); err != nil {
		return nil, err
	}
	if cfg.Proxy.Hostname, err = requireString(doc, "proxy.hostname"); err != nil {
		return nil, err
	}
	if cfg.Proxy.Port, err = requirePort(doc, "proxy.port"); err != nil {
		return nil, err
	}
	if cfg.Proxy.Username, err = requireString(doc, "proxy.username"); err != nil {
		return nil, err
	}
	if cfg.Proxy.Password, err = requireString(doc, "proxy.password"); err != nil {
		return nil, err
	}
	tlsValue, _, _ := lookup(doc, "proxy.tls")
	cfg.Proxy.TLS, _ = ParseTLSMode(tlsValue)

	if err := cfg.applyOptional(doc); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOptional reads the keys that have defaults.
func (c *Config) applyOptional(doc map[string]interface{}) error {
	if s, ok, err := optionalString(doc, "server.hostname"); err != nil {
		return err
	} else if ok {
		c.Server.Hostname = s
	}
	if n, ok, err := optionalInt(doc, "server.max_message_size"); err != nil {
		return err
	} else if ok {
		if n <= 0 {
			return invalid("server.max_message_size", "must be a positive integer")
		}
		c.Server.MaxMessageSize = int64(n)
	}
	if n, ok, err := optionalInt(doc, "server.max_sessions"); err != nil {
		return err
	} else if ok {
		if n < 0 {
			return invalid("server.max_sessions", "must not be negative")
		}
		c.Server.MaxSessions = n
	}
	if d, ok, err := optionalDuration(doc, "server.idle_timeout"); err != nil {
		return err
	} else if ok {
		c.Server.IdleTimeout = d
	}
	if d, ok, err := optionalDuration(doc, "server.shutdown_timeout"); err != nil {
		return err
	} else if ok {
		c.Server.ShutdownTimeout = d
	}

	c.Proxy.Helo = c.Server.Hostname
	if s, ok, err := optionalString(doc, "proxy.helo"); err != nil {
		return err
	} else if ok {
		c.Proxy.Helo = s
	}
	if d, ok, err := optionalDuration(doc, "proxy.timeout"); err != nil {
		return err
	} else if ok {
		c.Proxy.Timeout = d
	}
	if s, ok, err := optionalString(doc, "proxy.api"); err != nil {
		return err
	} else if ok {
		s = strings.ToLower(s)
		if s != APISMTP && s != APISES {
			return invalid("proxy.api", "must be one of [smtp, ses]")
		}
		c.Proxy.API = s
	}
	if s, ok, err := optionalString(doc, "proxy.region"); err != nil {
		return err
	} else if ok {
		c.Proxy.Region = s
	}
	if c.Proxy.API == APISES {
		if c.Proxy.Region == "" {
			return missing("proxy.region")
		}
		if c.Proxy.TLS == TLSStartTLS {
			return invalid("proxy.tls", "must be true or false when proxy.api is ses")
		}
	}

	if s, ok, err := optionalString(doc, "logging.level"); err != nil {
		return err
	} else if ok {
		c.Logging.Level = strings.ToLower(s)
	}
	return nil
}

// applyDefaults sets sensible default values for all optional fields.
func (c *Config) applyDefaults() {
	c.Server.Hostname = defaultHostname
	c.Server.MaxMessageSize = defaultMaxMessageSize
	c.Server.IdleTimeout = defaultIdleTimeout
	c.Server.ShutdownTimeout = defaultShutdownTimeout
	c.Proxy.API = APISMTP
	c.Proxy.Timeout = defaultRelayTimeout
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROXY_USERNAME"); v != "" {
		c.Proxy.Username = v
	}
	if v := os.Getenv("PROXY_PASSWORD"); v != "" {
		c.Proxy.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// lookup walks a dotted path through nested mappings. A non-mapping value
// in the middle of the path is reported as an invalid field.
func lookup(doc map[string]interface{}, path string) (interface{}, bool, error) {
	parts := strings.Split(path, ".")
	cur := doc
	for i, key := range parts {
		v, ok := cur[key]
		if !ok {
			if i < len(parts)-1 {
				return nil, false, missing(strings.Join(parts[:i+1], "."))
			}
			return nil, false, nil
		}
		if i == len(parts)-1 {
			return v, true, nil
		}
		next, ok := v.(map[string]interface{})
		if !ok {
			return nil, false, invalid(strings.Join(parts[:i+1], "."), "must be a mapping")
		}
		cur = next
	}
	return nil, false, nil
}

func requireString(doc map[string]interface{}, path string) (string, error) {
	s, ok, err := optionalString(doc, path)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", missing(path)
	}
	return s, nil
}

func optionalString(doc map[string]interface{}, path string) (string, bool, error) {
	v, ok, err := lookupOptional(doc, path)
	if err != nil || !ok {
		return "", false, err
	}
	s, isString := v.(string)
	if !isString {
		return "", false, invalid(path, "must be a string")
	}
	if s == "" {
		return "", false, invalid(path, "must not be empty")
	}
	return s, true, nil
}

func requirePort(doc map[string]interface{}, path string) (uint16, error) {
	n, ok, err := optionalInt(doc, path)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, missing(path)
	}
	if n < 1 || n > 65535 {
		return 0, invalid(path, "must be a port number between 1 and 65535")
	}
	return uint16(n), nil
}

func optionalInt(doc map[string]interface{}, path string) (int, bool, error) {
	v, ok, err := lookupOptional(doc, path)
	if err != nil || !ok {
		return 0, false, err
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case uint64:
		return int(n), true, nil
	}
	return 0, false, invalid(path, "must be an integer")
}

func optionalDuration(doc map[string]interface{}, path string) (time.Duration, bool, error) {
	s, ok, err := optionalString(doc, path)
	if err != nil || !ok {
		return 0, false, err
	}
	d, perr := time.ParseDuration(s)
	if perr != nil || d <= 0 {
		return 0, false, invalid(path, "must be a positive duration such as 30s")
	}
	return d, true, nil
}

// lookupOptional is lookup where an absent parent mapping means "not set"
// rather than an error.
func lookupOptional(doc map[string]interface{}, path string) (interface{}, bool, error) {
	v, ok, err := lookup(doc, path)
	var cerr *Error
	if errors.As(err, &cerr) && cerr.Kind == KindMissingField {
		return nil, false, nil
	}
	return v, ok, err
}
