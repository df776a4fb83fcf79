// Package config loads relay and client settings from a TOML file, an
// optional .env file and CANS_* environment variables, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// MailboxPolicy selects where the relay keeps queued envelopes.
type MailboxPolicy string

const (
	// MailboxDurable keeps every queued envelope in bbolt.
	MailboxDurable MailboxPolicy = "durable"
	// MailboxGraceful queues in memory and persists the queue on clean
	// shutdown only.
	MailboxGraceful MailboxPolicy = "graceful"
	// MailboxMemory never touches disk; friendships and pre-keys are lost on
	// restart too.
	MailboxMemory MailboxPolicy = "memory"
)

const (
	defaultListen         = ":8080"
	defaultDataDir        = "relay-data"
	defaultAckTimeout     = 3 * time.Second
	defaultRetryInterval  = 30 * time.Second
	defaultMinOneTimeKeys = 5
	defaultLogLevel       = "info"
	defaultMetricsPath    = "/metrics"
	defaultServerURL      = "ws://localhost:8080/ws"
	defaultHome           = ".cans"
	defaultPreKeyCount    = 20

	envPrefix = "CANS_"
)

// Duration is a time.Duration that reads from TOML strings like "3s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Relay is the relay server configuration.
type Relay struct {
	Listen  string `toml:"listen"`
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`
	DataDir string `toml:"data_dir"`

	MailboxPolicy MailboxPolicy `toml:"mailbox_policy"`
	// AckTimeout bounds the wait for a recipient's ack of one envelope.
	AckTimeout Duration `toml:"ack_timeout"`
	// RetryInterval is how often queues of online recipients are retried
	// after a delivery timeout.
	RetryInterval Duration `toml:"retry_interval"`
	// MinOneTimeKeys is the directory level below which owners are asked to
	// replenish.
	MinOneTimeKeys int `toml:"min_one_time_keys"`

	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`
	MetricsPath string `toml:"metrics_path"`
}

// Client is the CLI client configuration.
type Client struct {
	ServerURL   string   `toml:"server_url"`
	Home        string   `toml:"home"`
	LogLevel    string   `toml:"log_level"`
	AckTimeout  Duration `toml:"ack_timeout"`
	PreKeyCount int      `toml:"prekey_count"`
}

// LoadRelay parses b, applies environment overrides and validates the result.
func LoadRelay(b []byte) (*Relay, error) {
	cfg := new(Relay)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg.overrides()); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRelayFile loads the relay configuration from path. An empty path means
// defaults plus environment.
func LoadRelayFile(path string) (*Relay, error) {
	b, err := readOptional(path)
	if err != nil {
		return nil, err
	}
	return LoadRelay(b)
}

// LoadClient parses b, applies environment overrides and validates the
// result.
func LoadClient(b []byte) (*Client, error) {
	cfg := new(Client)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg.overrides()); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClientFile loads the client configuration from path. An empty path
// means defaults plus environment.
func LoadClientFile(path string) (*Client, error) {
	b, err := readOptional(path)
	if err != nil {
		return nil, err
	}
	return LoadClient(b)
}

// LoadDotEnv reads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return b, nil
}

// FixupAndValidate fills defaults and rejects unusable values.
func (c *Relay) FixupAndValidate() error {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.MailboxPolicy == "" {
		c.MailboxPolicy = MailboxDurable
	}
	if c.DataDir == "" && c.MailboxPolicy != MailboxMemory {
		c.DataDir = defaultDataDir
	}
	if c.AckTimeout.Duration == 0 {
		c.AckTimeout.Duration = defaultAckTimeout
	}
	if c.RetryInterval.Duration == 0 {
		c.RetryInterval.Duration = defaultRetryInterval
	}
	if c.MinOneTimeKeys == 0 {
		c.MinOneTimeKeys = defaultMinOneTimeKeys
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = defaultMetricsPath
	}

	switch c.MailboxPolicy {
	case MailboxDurable, MailboxGraceful, MailboxMemory:
	default:
		return fmt.Errorf("config: invalid mailbox_policy %q", c.MailboxPolicy)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("config: tls_cert and tls_key must be set together")
	}
	if c.AckTimeout.Duration < 0 || c.RetryInterval.Duration < 0 {
		return errors.New("config: timeouts must be positive")
	}
	if c.MinOneTimeKeys < 0 {
		return fmt.Errorf("config: invalid min_one_time_keys %d", c.MinOneTimeKeys)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("config: invalid log_format %q", c.LogFormat)
	}
	return nil
}

// FixupAndValidate fills defaults and rejects unusable values.
func (c *Client) FixupAndValidate() error {
	if c.ServerURL == "" {
		c.ServerURL = defaultServerURL
	}
	if c.Home == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("config: locate home directory: %w", err)
		}
		c.Home = filepath.Join(dir, defaultHome)
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.AckTimeout.Duration == 0 {
		c.AckTimeout.Duration = defaultAckTimeout
	}
	if c.PreKeyCount == 0 {
		c.PreKeyCount = defaultPreKeyCount
	}
	if c.PreKeyCount < 0 {
		return fmt.Errorf("config: invalid prekey_count %d", c.PreKeyCount)
	}
	if c.AckTimeout.Duration < 0 {
		return errors.New("config: ack_timeout must be positive")
	}
	return nil
}

// override binds one CANS_* variable to a field.
type override struct {
	name string
	set  func(string) error
}

func (c *Relay) overrides() []override {
	return []override{
		{"LISTEN", setString(&c.Listen)},
		{"TLS_CERT", setString(&c.TLSCert)},
		{"TLS_KEY", setString(&c.TLSKey)},
		{"DATA_DIR", setString(&c.DataDir)},
		{"MAILBOX_POLICY", func(v string) error { c.MailboxPolicy = MailboxPolicy(v); return nil }},
		{"ACK_TIMEOUT", c.AckTimeout.UnmarshalTextString},
		{"RETRY_INTERVAL", c.RetryInterval.UnmarshalTextString},
		{"MIN_ONE_TIME_KEYS", setInt(&c.MinOneTimeKeys)},
		{"LOG_LEVEL", setString(&c.LogLevel)},
		{"LOG_FORMAT", setString(&c.LogFormat)},
		{"METRICS_PATH", setString(&c.MetricsPath)},
	}
}

func (c *Client) overrides() []override {
	return []override{
		{"SERVER_URL", setString(&c.ServerURL)},
		{"HOME", setString(&c.Home)},
		{"LOG_LEVEL", setString(&c.LogLevel)},
		{"ACK_TIMEOUT", c.AckTimeout.UnmarshalTextString},
		{"PREKEY_COUNT", setInt(&c.PreKeyCount)},
	}
}

// UnmarshalTextString parses s like UnmarshalText.
func (d *Duration) UnmarshalTextString(s string) error {
	return d.UnmarshalText([]byte(s))
}

func applyEnv(list []override) error {
	for _, o := range list {
		v, ok := os.LookupEnv(envPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.set(v); err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, o.name, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}
