// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/choreboard/choreboard-auth/internal/security"
	"github.com/choreboard/choreboard-auth/internal/sms"
	"github.com/choreboard/choreboard-auth/internal/util"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHOREBOARD_"

// MemoryDatabase selects an in-process database that is lost on exit.
const MemoryDatabase = "memory"

// Audit sink kinds.
const (
	AuditSinkDatabase = "database"
	AuditSinkFile     = "file"
)

// SMS delivery modes.
const (
	SMSModeHTTP = "http"
	SMSModeLog  = "log"
)

// =============================================================================
// DURATION
// =============================================================================

// Duration is a time.Duration written as a Go duration string ("15m").
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete service configuration.
type Config struct {
	Server      ServerConfig      `toml:"server" json:"server"`
	Database    DatabaseConfig    `toml:"database" json:"database"`
	Lockout     LockoutConfig     `toml:"lockout" json:"lockout"`
	OTP         OTPConfig         `toml:"otp" json:"otp"`
	Session     SessionConfig     `toml:"session" json:"session"`
	Child       ChildConfig       `toml:"child" json:"child"`
	Credentials CredentialsConfig `toml:"credentials" json:"credentials"`
	SMS         SMSConfig         `toml:"sms" json:"sms"`
	Audit       AuditConfig       `toml:"audit" json:"audit"`
	Maintenance MaintenanceConfig `toml:"maintenance" json:"maintenance"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr           string   `toml:"addr" json:"addr"`
	RequestTimeout Duration `toml:"request_timeout" json:"request_timeout"`

	// TrustProxyHeaders honours X-Forwarded-For / X-Real-IP. Enable only
	// behind a reverse proxy that overwrites them.
	TrustProxyHeaders bool `toml:"trust_proxy_headers" json:"trust_proxy_headers"`

	// Cookie keys are hex encoded. An empty hash key generates a random one
	// at startup, which invalidates cookies on restart.
	CookieHashKey  string `toml:"cookie_hash_key" json:"cookie_hash_key"`
	CookieBlockKey string `toml:"cookie_block_key" json:"cookie_block_key"`
	CookieSecure   bool   `toml:"cookie_secure" json:"cookie_secure"`

	// Per client IP request rate (requests per second) and burst.
	RateLimit float64 `toml:"rate_limit" json:"rate_limit"`
	RateBurst int     `toml:"rate_burst" json:"rate_burst"`
}

// DatabaseConfig selects the SQLite file.
type DatabaseConfig struct {
	Path string `toml:"path" json:"path"`
}

// LockoutConfig mirrors security.LimiterConfig.
type LockoutConfig struct {
	MaxAttempts int      `toml:"max_attempts" json:"max_attempts"`
	Window      Duration `toml:"window" json:"window"`
	Duration    Duration `toml:"duration" json:"duration"`
}

// OTPConfig holds SMS code policy.
type OTPConfig struct {
	TTL            Duration `toml:"ttl" json:"ttl"`
	MaxAttempts    int      `toml:"max_attempts" json:"max_attempts"`
	ResendCooldown Duration `toml:"resend_cooldown" json:"resend_cooldown"`
	Quota          int      `toml:"quota" json:"quota"`
	QuotaWindow    Duration `toml:"quota_window" json:"quota_window"`
}

// SessionConfig holds per-role session lifetimes.
type SessionConfig struct {
	AdminTTL  Duration `toml:"admin_ttl" json:"admin_ttl"`
	ParentTTL Duration `toml:"parent_ttl" json:"parent_ttl"`
	ChildTTL  Duration `toml:"child_ttl" json:"child_ttl"`
}

// ChildConfig holds child session settings.
type ChildConfig struct {
	IdleTimeout Duration `toml:"idle_timeout" json:"idle_timeout"`
}

// CredentialsConfig holds hashing settings.
type CredentialsConfig struct {
	BcryptCost      int `toml:"bcrypt_cost" json:"bcrypt_cost"`
	HashConcurrency int `toml:"hash_concurrency" json:"hash_concurrency"`
}

// SMSConfig selects and configures code delivery.
type SMSConfig struct {
	Mode       string   `toml:"mode" json:"mode"`
	Endpoint   string   `toml:"endpoint" json:"endpoint"`
	Token      string   `toml:"token" json:"token"`
	SenderID   string   `toml:"sender_id" json:"sender_id"`
	Timeout    Duration `toml:"timeout" json:"timeout"`
	MaxRetries int      `toml:"max_retries" json:"max_retries"`
	// LogCodes writes plaintext codes to the log in log mode. Development only.
	LogCodes bool `toml:"log_codes" json:"log_codes"`
}

// AuditConfig selects where audit entries go.
type AuditConfig struct {
	Sink     string `toml:"sink" json:"sink"`
	FilePath string `toml:"file_path" json:"file_path"`
}

// MaintenanceConfig controls background sweeps.
type MaintenanceConfig struct {
	SweepInterval Duration `toml:"sweep_interval" json:"sweep_interval"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			RequestTimeout: D(5 * time.Second),
			RateLimit:      5,
			RateBurst:      20,
		},
		Database: DatabaseConfig{Path: "choreboard-auth.db"},
		Lockout: LockoutConfig{
			MaxAttempts: security.DefaultMaxAttempts,
			Window:      D(security.DefaultAttemptWindow),
			Duration:    D(security.DefaultLockoutDuration),
		},
		OTP: OTPConfig{
			TTL:            D(security.DefaultCodeTTL),
			MaxAttempts:    security.DefaultMaxCodeAttempts,
			ResendCooldown: D(security.DefaultResendCooldown),
			Quota:          security.DefaultSMSQuota,
			QuotaWindow:    D(security.DefaultSMSQuotaWindow),
		},
		Session: SessionConfig{
			AdminTTL:  D(security.DefaultAdminSessionTTL),
			ParentTTL: D(security.DefaultParentSessionTTL),
			ChildTTL:  D(security.DefaultChildSessionTTL),
		},
		Child: ChildConfig{IdleTimeout: D(security.DefaultIdleTimeout)},
		Credentials: CredentialsConfig{
			BcryptCost:      security.DefaultBcryptCost,
			HashConcurrency: runtime.GOMAXPROCS(0),
		},
		SMS: SMSConfig{
			Mode:       SMSModeLog,
			Timeout:    D(sms.DefaultTimeout),
			MaxRetries: sms.DefaultMaxRetries,
		},
		Audit:       AuditConfig{Sink: AuditSinkDatabase},
		Maintenance: MaintenanceConfig{SweepInterval: D(5 * time.Minute)},
	}
}

// SetDefaults fills every zero value from Default.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	setDuration(&c.Server.RequestTimeout, d.Server.RequestTimeout)
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = d.Server.RateLimit
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = d.Server.RateBurst
	}

	if c.Database.Path == "" {
		c.Database.Path = d.Database.Path
	}

	if c.Lockout.MaxAttempts == 0 {
		c.Lockout.MaxAttempts = d.Lockout.MaxAttempts
	}
	setDuration(&c.Lockout.Window, d.Lockout.Window)
	setDuration(&c.Lockout.Duration, d.Lockout.Duration)

	setDuration(&c.OTP.TTL, d.OTP.TTL)
	if c.OTP.MaxAttempts == 0 {
		c.OTP.MaxAttempts = d.OTP.MaxAttempts
	}
	setDuration(&c.OTP.ResendCooldown, d.OTP.ResendCooldown)
	if c.OTP.Quota == 0 {
		c.OTP.Quota = d.OTP.Quota
	}
	setDuration(&c.OTP.QuotaWindow, d.OTP.QuotaWindow)

	setDuration(&c.Session.AdminTTL, d.Session.AdminTTL)
	setDuration(&c.Session.ParentTTL, d.Session.ParentTTL)
	setDuration(&c.Session.ChildTTL, d.Session.ChildTTL)

	setDuration(&c.Child.IdleTimeout, d.Child.IdleTimeout)

	if c.Credentials.BcryptCost == 0 {
		c.Credentials.BcryptCost = d.Credentials.BcryptCost
	}
	if c.Credentials.HashConcurrency == 0 {
		c.Credentials.HashConcurrency = d.Credentials.HashConcurrency
	}

	if c.SMS.Mode == "" {
		c.SMS.Mode = d.SMS.Mode
	}
	setDuration(&c.SMS.Timeout, d.SMS.Timeout)
	if c.SMS.MaxRetries == 0 {
		c.SMS.MaxRetries = d.SMS.MaxRetries
	}

	if c.Audit.Sink == "" {
		c.Audit.Sink = d.Audit.Sink
	}
	setDuration(&c.Maintenance.SweepInterval, d.Maintenance.SweepInterval)
}

func setDuration(dst *Duration, def Duration) {
	if dst.Duration == 0 {
		*dst = def
	}
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads path (skipped when empty and CHOREBOARD_CONFIG is unset), then
// .env, then environment overrides, and returns a validated config.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	cfg := Default()
	if path != "" {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes the file at path over cfg. Unknown keys are rejected so
// typos do not silently fall back to defaults.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

// WriteTOML writes cfg to path with 0600 permissions.
func WriteTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies CHOREBOARD_* variables.
//
// Supported environment variables:
//   - CHOREBOARD_ADDR: server.addr
//   - CHOREBOARD_TRUST_PROXY: server.trust_proxy_headers ("1" or "true")
//   - CHOREBOARD_COOKIE_HASH_KEY / CHOREBOARD_COOKIE_BLOCK_KEY
//   - CHOREBOARD_DB_PATH: database.path
//   - CHOREBOARD_LOCKOUT_MAX_ATTEMPTS / CHOREBOARD_LOCKOUT_DURATION
//   - CHOREBOARD_CHILD_IDLE_TIMEOUT
//   - CHOREBOARD_BCRYPT_COST
//   - CHOREBOARD_SMS_MODE / CHOREBOARD_SMS_ENDPOINT / CHOREBOARD_SMS_TOKEN
//   - CHOREBOARD_AUDIT_FILE: switches the audit sink to a JSON lines file
func (c *Config) ApplyEnvOverrides() error {
	var errs ValidateErrors
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, ValidationError{Field: EnvPrefix + name, Message: "not an integer"})
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}
	dur := func(name string, dst *Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, ValidationError{Field: EnvPrefix + name, Message: "not a duration"})
			}
		}
	}

	str("ADDR", &c.Server.Addr)
	flag("TRUST_PROXY", &c.Server.TrustProxyHeaders)
	str("COOKIE_HASH_KEY", &c.Server.CookieHashKey)
	str("COOKIE_BLOCK_KEY", &c.Server.CookieBlockKey)
	str("DB_PATH", &c.Database.Path)
	num("LOCKOUT_MAX_ATTEMPTS", &c.Lockout.MaxAttempts)
	dur("LOCKOUT_DURATION", &c.Lockout.Duration)
	dur("CHILD_IDLE_TIMEOUT", &c.Child.IdleTimeout)
	num("BCRYPT_COST", &c.Credentials.BcryptCost)
	str("SMS_MODE", &c.SMS.Mode)
	str("SMS_ENDPOINT", &c.SMS.Endpoint)
	str("SMS_TOKEN", &c.SMS.Token)
	flag("SMS_LOG_CODES", &c.SMS.LogCodes)
	if v, ok := os.LookupEnv(EnvPrefix + "AUDIT_FILE"); ok && v != "" {
		c.Audit.Sink = AuditSinkFile
		c.Audit.FilePath = v
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	positive := func(field string, d Duration) {
		if d.Duration <= 0 {
			add(field, "must be positive, got %s", d)
		}
	}

	if c.Server.Addr == "" {
		add("server.addr", "must not be empty")
	}
	positive("server.request_timeout", c.Server.RequestTimeout)
	if c.Server.RateLimit <= 0 {
		add("server.rate_limit", "must be positive")
	}
	if c.Server.RateBurst < 1 {
		add("server.rate_burst", "must be at least 1")
	}
	if _, _, err := c.Server.CookieKeys(); err != nil {
		add("server.cookie_hash_key", "%v", err)
	}

	if c.Database.Path == "" {
		add("database.path", "must not be empty")
	}

	if c.Lockout.MaxAttempts < 1 {
		add("lockout.max_attempts", "must be at least 1")
	}
	positive("lockout.window", c.Lockout.Window)
	positive("lockout.duration", c.Lockout.Duration)

	positive("otp.ttl", c.OTP.TTL)
	positive("otp.resend_cooldown", c.OTP.ResendCooldown)
	positive("otp.quota_window", c.OTP.QuotaWindow)
	if c.OTP.MaxAttempts < 1 {
		add("otp.max_attempts", "must be at least 1")
	}
	if c.OTP.Quota < 1 {
		add("otp.quota", "must be at least 1")
	}

	positive("session.admin_ttl", c.Session.AdminTTL)
	positive("session.parent_ttl", c.Session.ParentTTL)
	positive("session.child_ttl", c.Session.ChildTTL)
	positive("child.idle_timeout", c.Child.IdleTimeout)
	if c.Child.IdleTimeout.Duration >= c.Session.ChildTTL.Duration {
		add("child.idle_timeout", "must be shorter than session.child_ttl")
	}

	if c.Credentials.BcryptCost < bcrypt.MinCost || c.Credentials.BcryptCost > bcrypt.MaxCost {
		add("credentials.bcrypt_cost", "must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	if c.Credentials.HashConcurrency < 1 {
		add("credentials.hash_concurrency", "must be at least 1")
	}

	switch strings.ToLower(c.SMS.Mode) {
	case SMSModeLog:
	case SMSModeHTTP:
		if c.SMS.LogCodes {
			add("sms.log_codes", "only allowed when sms.mode is log")
		}
		u, err := url.Parse(c.SMS.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("sms.endpoint", "must be an http(s) URL when sms.mode is http")
		}
	default:
		add("sms.mode", "invalid mode '%s', must be one of: http, log", c.SMS.Mode)
	}

	switch c.Audit.Sink {
	case AuditSinkDatabase:
	case AuditSinkFile:
		if c.Audit.FilePath == "" {
			add("audit.file_path", "required when audit.sink is file")
		}
	default:
		add("audit.sink", "invalid sink '%s', must be one of: database, file", c.Audit.Sink)
	}

	positive("maintenance.sweep_interval", c.Maintenance.SweepInterval)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// CookieKeys decodes the hex cookie keys. The hash key must be 32 or 64
// bytes and the optional block key 16, 24 or 32 bytes.
func (s ServerConfig) CookieKeys() (hashKey, blockKey []byte, err error) {
	if s.CookieHashKey != "" {
		if hashKey, err = hex.DecodeString(s.CookieHashKey); err != nil {
			return nil, nil, fmt.Errorf("hash key is not hex: %w", err)
		}
		if len(hashKey) != 32 && len(hashKey) != 64 {
			return nil, nil, fmt.Errorf("hash key must be 32 or 64 bytes, got %d", len(hashKey))
		}
	}
	if s.CookieBlockKey != "" {
		if s.CookieHashKey == "" {
			return nil, nil, errors.New("block key set without hash key")
		}
		if blockKey, err = hex.DecodeString(s.CookieBlockKey); err != nil {
			return nil, nil, fmt.Errorf("block key is not hex: %w", err)
		}
		switch len(blockKey) {
		case 16, 24, 32:
		default:
			return nil, nil, fmt.Errorf("block key must be 16, 24 or 32 bytes, got %d", len(blockKey))
		}
	}
	return hashKey, blockKey, nil
}

// IsMemory reports whether the database lives only in process memory.
func (d DatabaseConfig) IsMemory() bool {
	return strings.EqualFold(d.Path, MemoryDatabase)
}

func (l LockoutConfig) LimiterConfig() security.LimiterConfig {
	return security.LimiterConfig{
		Threshold:       l.MaxAttempts,
		Window:          l.Window.Duration,
		LockoutDuration: l.Duration.Duration,
	}
}

func (o OTPConfig) CodeConfig() security.OTPConfig {
	return security.OTPConfig{TTL: o.TTL.Duration, MaxAttempts: o.MaxAttempts}
}

func (o OTPConfig) GatewayConfig() security.GatewayConfig {
	return security.GatewayConfig{
		ResendCooldown: o.ResendCooldown.Duration,
		SMSQuota:       o.Quota,
		SMSQuotaWindow: o.QuotaWindow.Duration,
	}
}

func (s SessionConfig) Policy() security.SessionPolicy {
	return security.SessionPolicy{
		AdminTTL:  s.AdminTTL.Duration,
		ParentTTL: s.ParentTTL.Duration,
		ChildTTL:  s.ChildTTL.Duration,
	}
}

func (s SMSConfig) SenderConfig() sms.Config {
	return sms.Config{
		Endpoint:   s.Endpoint,
		Token:      s.Token,
		SenderID:   s.SenderID,
		Timeout:    s.Timeout.Duration,
		MaxRetries: s.MaxRetries,
	}
}

// String renders the config as JSON with secrets masked.
func (c *Config) String() string {
	safe := *c
	if safe.Server.CookieHashKey != "" {
		safe.Server.CookieHashKey = "[REDACTED]"
	}
	if safe.Server.CookieBlockKey != "" {
		safe.Server.CookieBlockKey = "[REDACTED]"
	}
	if safe.SMS.Token != "" {
		safe.SMS.Token = util.MaskToken(safe.SMS.Token)
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
