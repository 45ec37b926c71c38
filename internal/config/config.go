// Package config layers Pidgeon's process configuration: built-in
// defaults, an optional TOML file, environment variables, then CLI
// flags — each layer overriding the last, mirroring the teacher's
// default-then-file LoadConfig but extended with the env/flag layers
// spec.md's external-interface section requires.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// PaymentConfig mirrors spec.md §4.8's payment policy block.
type PaymentConfig struct {
	Mode            string // "lnurl_verify" or "" (disabled)
	InvoiceSats     int64
	MinSats         int64
	SupporterDays   int
	InvoiceTTLSec   int
	VerifyPollSec   int
	VerifyTimeoutMS int
}

// SupportConfig mirrors spec.md §4.8's process-wide policy.
type SupportConfig struct {
	HorizonDays     int
	WindowSchedules int
	GatedFeatures   map[string]bool
	CTALud16        string
	CTAMessage      string
	Payment         PaymentConfig
}

// Config is the full set of knobs named in spec.md §6 "Environment"
// and "CLI surface", plus the teacher-style Profile block published at
// bootstrap.
type Config struct {
	Secret      string // hex or nsec; resolved to hex by ResolveSecretHex
	Name        string
	About       string
	Picture     string
	Relays      []string
	IndexerRelays []string
	PublishRelays []string
	LoadTest    bool

	DataDir string

	MailboxDebounce       time.Duration
	MailboxFlushWorkers   int
	MailboxRetryMaxMS     int
	MailboxPublishConcurrency int

	RequestConcurrency int
	MaxPublishRelays   int

	LogLevel string
	LogPretty bool

	Support SupportConfig
}

func defaultConfig() Config {
	return Config{
		Name: "Pidgeon",
		Relays: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://nos.lol",
		},
		DataDir:                   "./data",
		MailboxDebounce:           500 * time.Millisecond,
		MailboxFlushWorkers:       1,
		MailboxRetryMaxMS:         10_000,
		MailboxPublishConcurrency: 4,
		RequestConcurrency:        4,
		MaxPublishRelays:          20,
		LogLevel:                  "info",
		LogPretty:                 true,
		Support: SupportConfig{
			WindowSchedules: 10,
			GatedFeatures:   map[string]bool{},
			Payment: PaymentConfig{
				InvoiceTTLSec:   900,
				VerifyPollSec:   30,
				VerifyTimeoutMS: 5000,
			},
		},
	}
}

// FileOverlay is the optional TOML file shape, loaded by LoadFile. Only
// fields present in the file override the running config; absent
// fields are left untouched (same semantics as the teacher's
// LoadConfig, which merges file values onto a default struct and falls
// back to defaults for zero-valued fields after decode).
type FileOverlay struct {
	Name   string   `toml:"name"`
	About  string   `toml:"about"`
	Picture string  `toml:"picture"`
	Relays []string `toml:"relays"`
	IndexerRelays []string `toml:"indexer_relays"`
	PublishRelays []string `toml:"publish_relays"`
	DataDir string `toml:"data_dir"`
}

// repeatableFlag implements flag.Value for flags that may be repeated
// on the command line (--relay wss://a --relay wss://b …), the same
// pattern the teacher's CLI parsing would need for a multi-relay flag
// (the teacher only ever takes a single -config flag, but nitrous's
// flag.Var-free style is kept: a small Value type registered with
// flag.Var).
type repeatableFlag struct {
	values *[]string
}

func (r *repeatableFlag) String() string {
	if r.values == nil {
		return ""
	}
	return strings.Join(*r.values, ",")
}

func (r *repeatableFlag) Set(v string) error {
	*r.values = append(*r.values, v)
	return nil
}

// RepeatableFlag returns a flag.Value that appends each occurrence to
// dst. Use with flag.Var.
func RepeatableFlag(dst *[]string) interface {
	String() string
	Set(string) error
} {
	return &repeatableFlag{values: dst}
}

// ApplyFile decodes a TOML file at path and overlays any fields it
// sets onto c. A missing path is not an error — the config file is
// optional, same as the teacher's LoadConfig falling back to defaults
// when no config file exists.
func (c *Config) ApplyFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	var f FileOverlay
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if f.Name != "" {
		c.Name = f.Name
	}
	if f.About != "" {
		c.About = f.About
	}
	if f.Picture != "" {
		c.Picture = f.Picture
	}
	if len(f.Relays) > 0 {
		c.Relays = f.Relays
	}
	if len(f.IndexerRelays) > 0 {
		c.IndexerRelays = f.IndexerRelays
	}
	if len(f.PublishRelays) > 0 {
		c.PublishRelays = f.PublishRelays
	}
	if f.DataDir != "" {
		c.DataDir = f.DataDir
	}
	return nil
}

// Load builds the final Config by layering, in increasing precedence:
// built-in defaults, an optional TOML file, environment variables.
// CLI flags are applied by the caller afterward: cmd/pidgeond parses its
// flags into separate variables before calling Load, then overwrites the
// returned Config's fields with every flag that was given, so flags win
// over everything else. A repeatable relay flag replaces the configured
// list rather than appending to it.
func Load(filePath string) (Config, error) {
	c := defaultConfig()
	if err := c.ApplyFile(filePath); err != nil {
		return c, err
	}
	c.ApplyEnv()
	return c, nil
}

// ApplyEnv overlays environment variables named in spec.md §6 onto cfg.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DVM_SECRET"); v != "" {
		c.Secret = v
	}
	if v := os.Getenv("DVM_RELAYS"); v != "" {
		c.Relays = splitCSV(v)
	}
	if v := os.Getenv("INDEXER_RELAYS"); v != "" {
		c.IndexerRelays = splitCSV(v)
	}
	if v := os.Getenv("DVM_PUBLISH_RELAYS"); v != "" {
		c.PublishRelays = splitCSV(v)
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("MAILBOX_DEBOUNCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MailboxDebounce = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("MAILBOX_FLUSH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MailboxFlushWorkers = n
		}
	}
	if v := os.Getenv("MAILBOX_RETRY_MAX_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MailboxRetryMaxMS = n
		}
	}
	if v := os.Getenv("MAILBOX_PUBLISH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MailboxPublishConcurrency = n
		}
	}
	if v := os.Getenv("DVM_REQUEST_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RequestConcurrency = n
		}
	}
	if v := os.Getenv("DVM_MAX_PUBLISH_RELAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxPublishRelays = n
		}
	}
	applySupportEnv(&c.Support)
}

func applySupportEnv(s *SupportConfig) {
	if v := os.Getenv("DVM_SUPPORT_HORIZON_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.HorizonDays = n
		}
	}
	if v := os.Getenv("DVM_SUPPORT_WINDOW_SCHEDULES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.WindowSchedules = n
		}
	}
	if v := os.Getenv("DVM_SUPPORT_GATED_FEATURES"); v != "" {
		s.GatedFeatures = map[string]bool{}
		for _, f := range splitCSV(v) {
			s.GatedFeatures[f] = true
		}
	}
	if v := os.Getenv("DVM_SUPPORT_LUD16"); v != "" {
		s.CTALud16 = v
	}
	if v := os.Getenv("DVM_SUPPORT_MESSAGE"); v != "" {
		s.CTAMessage = v
	}
	if v := os.Getenv("DVM_SUPPORT_PAYMENT_MODE"); v != "" {
		s.Payment.Mode = v
	}
	if v := os.Getenv("DVM_SUPPORT_INVOICE_SATS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.Payment.InvoiceSats = n
		}
	}
	if v := os.Getenv("DVM_SUPPORT_MIN_SATS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.Payment.MinSats = n
		}
	}
	if v := os.Getenv("DVM_SUPPORT_SUPPORTER_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.Payment.SupporterDays = n
		}
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Default returns the built-in default configuration; callers layer
// file/env/flag overrides on top via ApplyFile/ApplyEnv and their own
// flag-parsing code.
func Default() Config {
	return defaultConfig()
}

// Validate checks the minimal invariants needed before bootstrap:
// a secret must be resolvable, and at least one relay must be
// configured.
func (c *Config) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("config: no DVM secret: set --secret, DVM_SECRET, or a key file")
	}
	if len(c.Relays) == 0 {
		return fmt.Errorf("config: no relays configured")
	}
	if c.MailboxFlushWorkers <= 0 {
		return fmt.Errorf("config: mailbox flush workers must be >= 1")
	}
	return nil
}

// ResolveSecretHex normalizes c.Secret to lowercase hex, decoding an
// nsec-prefixed value the same way the teacher's loadKeys does.
// Leaves c.Secret as plain hex otherwise (already-hex and raw-hex
// inputs pass through unchanged).
func (c *Config) ResolveSecretHex() error {
	if !strings.HasPrefix(c.Secret, "nsec") {
		return nil
	}
	prefix, val, err := nip19.Decode(c.Secret)
	if err != nil {
		return fmt.Errorf("config: decoding nsec secret: %w", err)
	}
	if prefix != "nsec" {
		return fmt.Errorf("config: expected nsec prefix, got %s", prefix)
	}
	sk, ok := val.(string)
	if !ok {
		return fmt.Errorf("config: unexpected nsec decode type")
	}
	c.Secret = sk
	return nil
}
