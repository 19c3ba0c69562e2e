package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	NATS      NATSConfig
	JWT       JWTConfig
	Quota     QuotaConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	CORSAllowedOrigins []string
	MeteringKey        string
	ShutdownTimeout    time.Duration
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	Migrate        bool
	MigrationsPath string
	// StatementTimeout bounds every ledger query so a slow database turns
	// into an error the fail policy can act on.
	StatementTimeout time.Duration
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Timeout  time.Duration
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig is optional; an empty URL disables the event stream and usage
// events are written straight to PostgreSQL.
type NATSConfig struct {
	URL string
}

type JWTConfig struct {
	AccessSecret string
}

// QuotaConfig controls the monthly quota subsystem.
type QuotaConfig struct {
	LimitsTTL     time.Duration
	FailPolicy    string // "open" or "closed"
	LedgerBackend string // "postgres" or "redis"
	Defaults      map[string]map[string]int64
}

// RateRule is one traffic class ceiling.
type RateRule struct {
	Max    int
	Window time.Duration
}

type RateLimitConfig struct {
	Enabled    bool
	IPv6Prefix int
	// TrustedProxies are the peers allowed to set X-Forwarded-For.
	TrustedProxies []netip.Prefix
	Rules          map[string]RateRule
}

type LogConfig struct {
	Level  string
	Format string
}

// Feature and tier names known to the config layer. Kept as plain strings so
// this package does not import the domain packages.
var (
	tierNames    = []string{"free", "premium"}
	featureNames = []string{"chat", "tts", "realtime"}
	classNames   = []string{"global", "auth", "read", "write", "ai", "payment", "webhook", "metering"}
)

// DefaultTierLimits are the built-in ceilings used when the tier_limits table
// is unreachable or empty.
func DefaultTierLimits() map[string]map[string]int64 {
	return map[string]map[string]int64{
		"free":    {"chat": 50_000, "tts": 10_000, "realtime": 20_000},
		"premium": {"chat": 1_000_000, "tts": 500_000, "realtime": 300_000},
	}
}

// DefaultRateRules are the per-class fixed windows.
func DefaultRateRules() map[string]RateRule {
	return map[string]RateRule{
		"global":   {Max: 1000, Window: 15 * time.Minute},
		"auth":     {Max: 5, Window: 15 * time.Minute},
		"read":     {Max: 300, Window: time.Minute},
		"write":    {Max: 60, Window: time.Minute},
		"ai":       {Max: 20, Window: time.Minute},
		"payment":  {Max: 10, Window: time.Minute},
		"webhook":  {Max: 200, Window: time.Minute},
		"metering": {Max: 6000, Window: time.Minute},
	}
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (*Config, error) {
	var err error

	cfg := &Config{
		Server: ServerConfig{
			Host:        k.String("server.host"),
			Port:        k.Int("server.port"),
			MeteringKey: k.String("metering.key"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			Migrate:        k.Bool("db.migrate"),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		JWT: JWTConfig{
			AccessSecret: k.String("jwt.access.secret"),
		},
		Quota: QuotaConfig{
			FailPolicy:    strings.ToLower(k.String("quota.fail.policy")),
			LedgerBackend: strings.ToLower(k.String("ledger.backend")),
			Defaults:      DefaultTierLimits(),
		},
		RateLimit: RateLimitConfig{
			Enabled:    !k.Bool("ratelimit.disabled"),
			IPv6Prefix: k.Int("ratelimit.ipv6.prefix"),
			Rules:      DefaultRateRules(),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	if origins := k.String("cors.allowed.origins"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Server.CORSAllowedOrigins = append(cfg.Server.CORSAllowedOrigins, o)
			}
		}
	}

	// RATELIMIT_TRUSTED_PROXIES=10.0.0.0/8,192.0.2.1
	if proxies := k.String("ratelimit.trusted.proxies"); proxies != "" {
		cfg.RateLimit.TrustedProxies, err = parseProxies(strings.Split(proxies, ","))
		if err != nil {
			return nil, err
		}
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "meter"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "meter"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Quota.FailPolicy == "" {
		cfg.Quota.FailPolicy = "open"
	}
	if cfg.Quota.LedgerBackend == "" {
		cfg.Quota.LedgerBackend = "postgres"
	}
	if cfg.RateLimit.IPv6Prefix == 0 {
		cfg.RateLimit.IPv6Prefix = 56
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"quota.limits.ttl", "5m", &cfg.Quota.LimitsTTL},
		{"db.statement.timeout", "2s", &cfg.DB.StatementTimeout},
		{"redis.timeout", "500ms", &cfg.Redis.Timeout},
		{"server.shutdown.timeout", "30s", &cfg.Server.ShutdownTimeout},
	}
	for _, d := range durations {
		raw := k.String(d.key)
		if raw == "" {
			raw = d.def
		}
		*d.dest, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", d.key, err)
		}
	}

	// Tier ceilings: QUOTA_FREE_CHAT=75000, QUOTA_PREMIUM_TTS=...
	for _, tier := range tierNames {
		for _, feature := range featureNames {
			key := fmt.Sprintf("quota.%s.%s", tier, feature)
			if k.Exists(key) {
				cfg.Quota.Defaults[tier][feature] = k.Int64(key)
			}
		}
	}

	// Rate classes: RATELIMIT_AUTH_MAX=10, RATELIMIT_AUTH_WINDOW=30m
	for _, class := range classNames {
		rule := cfg.RateLimit.Rules[class]
		if key := fmt.Sprintf("ratelimit.%s.max", class); k.Exists(key) {
			rule.Max = k.Int(key)
		}
		if key := fmt.Sprintf("ratelimit.%s.window", class); k.Exists(key) {
			rule.Window, err = time.ParseDuration(k.String(key))
			if err != nil {
				return nil, fmt.Errorf("parsing %s rate window: %w", class, err)
			}
		}
		cfg.RateLimit.Rules[class] = rule
	}

	return cfg, nil
}

// parseProxies accepts CIDRs or bare addresses; a bare address is a
// single-host prefix.
func parseProxies(entries []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("parsing trusted proxy %q: %w", e, err)
			}
			out = append(out, p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("parsing trusted proxy %q: %w", e, err)
		}
		ip = ip.Unmap().WithZone("")
		out = append(out, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return out, nil
}
