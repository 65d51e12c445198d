// Package config loads the service configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"taskmarket/profile"
)

const (
	StoreMemory   = "memory"
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
)

type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Database  DatabaseConfig      `yaml:"database"`
	Platform  PlatformConfig      `yaml:"platform"`
	Auth      AuthConfig          `yaml:"auth"`
	Inbox     InboxConfig         `yaml:"inbox"`
	Analytics AnalyticsConfig     `yaml:"analytics"`
	Logging   LoggingConfig       `yaml:"logging"`
	UserTypes []profile.UserType  `yaml:"userTypes"`
	Fields    []profile.UserField `yaml:"userFields"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listenAddr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// TrustedProxies lists the addresses or CIDR ranges whose
	// X-Forwarded-For header is believed. Empty trusts no one.
	TrustedProxies []string `yaml:"trustedProxies"`
}

// TrustedPrefixes parses TrustedProxies. A bare address becomes a single-host prefix.
func (s ServerConfig) TrustedPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, raw := range s.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("config: invalid trusted proxy %q: %w", raw, err)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("config: invalid trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type PlatformConfig struct {
	BaseURL                 string        `yaml:"baseURL"`
	IntegrationBaseURL      string        `yaml:"integrationBaseURL"`
	ClientID                string        `yaml:"clientID"`
	ClientSecret            string        `yaml:"clientSecret"`
	IntegrationClientID     string        `yaml:"integrationClientID"`
	IntegrationClientSecret string        `yaml:"integrationClientSecret"`
	Timeout                 time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	OTPSigningSecret string        `yaml:"otpSigningSecret"`
	OTPCooldown      time.Duration `yaml:"otpCooldown"`
	OTPTTL           time.Duration `yaml:"otpTTL"`
	VerifiedTTL      time.Duration `yaml:"verifiedTTL"`
	// SendLog selects where OTP send times are kept: memory or postgres.
	SendLog string `yaml:"sendLog"`
	// OTPRatePerMinute bounds OTP calls per client address.
	OTPRatePerMinute int `yaml:"otpRatePerMinute"`
}

type InboxConfig struct {
	Store         string        `yaml:"store"`
	BoltPath      string        `yaml:"boltPath"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

type AnalyticsConfig struct {
	PlausibleDomain   string `yaml:"plausibleDomain"`
	PlausibleEndpoint string `yaml:"plausibleEndpoint"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Platform: PlatformConfig{
			Timeout: 15 * time.Second,
		},
		Auth: AuthConfig{
			OTPCooldown:      60 * time.Second,
			OTPTTL:           10 * time.Minute,
			VerifiedTTL:      30 * time.Minute,
			SendLog:          StoreMemory,
			OTPRatePerMinute: 10,
		},
		Inbox: InboxConfig{
			Store:         StoreMemory,
			BoltPath:      "viewed.db",
			SweepInterval: 24 * time.Hour,
		},
		Analytics: AnalyticsConfig{
			PlausibleEndpoint: "https://plausible.io/api/event",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		UserTypes: profile.DefaultUserTypes(),
		Fields:    profile.DefaultUserFields(),
	}
}

// Load reads path over the defaults. A missing file yields the defaults;
// environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		c.Server.TrustedProxies = strings.Split(v, ",")
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}

	// The browser-facing client id is shared with the web app build.
	if v := os.Getenv("REACT_APP_SHARETRIBE_SDK_CLIENT_ID"); v != "" {
		c.Platform.ClientID = v
	}
	if v := os.Getenv("SHARETRIBE_SDK_CLIENT_ID"); v != "" {
		c.Platform.ClientID = v
	}
	if v := os.Getenv("SHARETRIBE_SDK_CLIENT_SECRET"); v != "" {
		c.Platform.ClientSecret = v
	}
	if v := os.Getenv("INTEGRATION_API_CLIENT_ID"); v != "" {
		c.Platform.IntegrationClientID = v
	}
	if v := os.Getenv("INTEGRATION_API_CLIENT_SECRET"); v != "" {
		c.Platform.IntegrationClientSecret = v
	}
	if v := os.Getenv("SHARETRIBE_SDK_BASE_URL"); v != "" {
		c.Platform.BaseURL = v
	}

	if v := os.Getenv("OTP_SIGNING_SECRET"); v != "" {
		c.Auth.OTPSigningSecret = v
	}
	if v := os.Getenv("OTP_SEND_LOG"); v != "" {
		c.Auth.SendLog = v
	}
	if v := os.Getenv("PLAUSIBLE_DOMAIN"); v != "" {
		c.Analytics.PlausibleDomain = v
	}
	if v := os.Getenv("VIEWED_STORE"); v != "" {
		c.Inbox.Store = v
	}
	if v := os.Getenv("VIEWED_BOLT_PATH"); v != "" {
		c.Inbox.BoltPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate reports configuration the server cannot start with.
func (c *Config) Validate() error {
	if c.Auth.OTPSigningSecret == "" {
		return fmt.Errorf("config: otp signing secret not configured (set OTP_SIGNING_SECRET)")
	}
	if err := validStore("inbox.store", c.Inbox.Store, StoreMemory, StoreBolt, StorePostgres); err != nil {
		return err
	}
	if err := validStore("auth.sendLog", c.Auth.SendLog, StoreMemory, StorePostgres); err != nil {
		return err
	}
	needsDB := c.Inbox.Store == StorePostgres || c.Auth.SendLog == StorePostgres
	if needsDB && c.Database.URL == "" {
		return fmt.Errorf("config: postgres storage selected but DATABASE_URL is empty")
	}
	if c.Inbox.Store == StoreBolt && c.Inbox.BoltPath == "" {
		return fmt.Errorf("config: bolt storage selected but VIEWED_BOLT_PATH is empty")
	}
	if len(c.UserTypes) == 0 {
		return fmt.Errorf("config: no user types configured")
	}
	if _, err := c.Server.TrustedPrefixes(); err != nil {
		return err
	}
	return nil
}

func validStore(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("config: invalid %s %q (valid: %v)", field, value, allowed)
}
