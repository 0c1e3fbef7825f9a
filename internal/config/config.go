package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"

	MailDriverPostmark = "postmark"
	MailDriverLog      = "log"
)

type StoreConfig struct {
	Driver      string `env:"STARDUST_STORE" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"STARDUST_SQLITE_PATH" envDefault:"stardust.db"`
}

type MailConfig struct {
	Driver        string `env:"STARDUST_MAIL_DRIVER" envDefault:"postmark"`
	PostmarkToken string `env:"POSTMARK_API_KEY"`
	PostmarkURL   string `env:"POSTMARK_API_URL" envDefault:"https://api.postmarkapp.com"`
	From          string `env:"STARDUST_MAIL_FROM" envDefault:"Letta ✦ The Unroyal Society <letta@stardust.eartharcade.com>"`
	ReplyTo       string `env:"STARDUST_MAIL_REPLY_TO" envDefault:"letta@stardust.eartharcade.com"`
}

type GameConfig struct {
	MissionDelayHours   int     `env:"MISSION_DELAY_HOURS" envDefault:"24"`
	ReplyReward         int64   `env:"STARDUST_REPLY_REWARD" envDefault:"10"`
	WelcomeBonus        int64   `env:"STARDUST_WELCOME_BONUS" envDefault:"50"`
	SweepSendsPerSecond float64 `env:"STARDUST_SWEEP_SENDS_PER_SECOND" envDefault:"5"`
}

func (g GameConfig) MissionDelay() time.Duration {
	return time.Duration(g.MissionDelayHours) * time.Hour
}

type TelemetryConfig struct {
	Endpoint string `env:"STARDUST_OTEL_ENDPOINT"`
	Enabled  bool   `env:"STARDUST_OTEL_ENABLED" envDefault:"true"`
}

type APIConfig struct {
	// Addr is PORT (as ":PORT") when set, otherwise ListenAddr.
	Addr       string
	Port       string `env:"PORT"`
	ListenAddr string `env:"STARDUST_API_ADDR" envDefault:":8080"`

	Store     StoreConfig
	Mail      MailConfig
	Game      GameConfig
	Telemetry TelemetryConfig

	SupabaseURL     string `env:"SUPABASE_URL"`
	SupabaseAnonKey string `env:"SUPABASE_ANON_KEY"`

	InboundSecret   string  `env:"POSTMARK_INBOUND_SECRET"`
	CronSecret      string  `env:"CRON_SECRET"`
	AdminPassword   string  `env:"ADMIN_PASSWORD"`
	SignupPerMinute float64 `env:"STARDUST_SIGNUP_PER_MINUTE" envDefault:"5"`
	SeedSecrets     bool    `env:"STARDUST_SEED_SECRETS" envDefault:"true"`
}

type WorkerConfig struct {
	Store     StoreConfig
	Mail      MailConfig
	Game      GameConfig
	Telemetry TelemetryConfig

	SweepEvery time.Duration `env:"STARDUST_SWEEP_EVERY" envDefault:"15m"`
	RunOnce    bool          `env:"STARDUST_WORKER_RUN_ONCE"`
}

type CLIConfig struct {
	APIBaseURL    string `env:"STARDUST_API_BASE_URL" envDefault:"http://localhost:8080"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
	CronSecret    string `env:"CRON_SECRET"`
}

func LoadAPIFromEnv() (APIConfig, error) {
	var cfg APIConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	port := strings.TrimSpace(cfg.Port)
	switch {
	case port == "":
		cfg.Addr = strings.TrimSpace(cfg.ListenAddr)
	case strings.HasPrefix(port, ":"):
		cfg.Addr = port
	default:
		cfg.Addr = ":" + port
	}
	cfg.SupabaseURL = strings.TrimRight(strings.TrimSpace(cfg.SupabaseURL), "/")
	cfg.SupabaseAnonKey = strings.TrimSpace(cfg.SupabaseAnonKey)

	if err := cfg.Store.validate(); err != nil {
		return cfg, err
	}
	if err := cfg.Mail.validate(); err != nil {
		return cfg, err
	}
	if err := cfg.Game.validate(); err != nil {
		return cfg, err
	}
	if cfg.SupabaseURL == "" {
		return cfg, fmt.Errorf("SUPABASE_URL is required")
	}
	if cfg.SupabaseAnonKey == "" {
		return cfg, fmt.Errorf("SUPABASE_ANON_KEY is required")
	}
	if cfg.SignupPerMinute <= 0 {
		return cfg, fmt.Errorf("STARDUST_SIGNUP_PER_MINUTE must be > 0")
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Store.validate(); err != nil {
		return cfg, err
	}
	if err := cfg.Mail.validate(); err != nil {
		return cfg, err
	}
	if err := cfg.Game.validate(); err != nil {
		return cfg, err
	}
	if cfg.SweepEvery <= 0 {
		return cfg, fmt.Errorf("STARDUST_SWEEP_EVERY must be > 0")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	var cfg CLIConfig
	_ = env.Parse(&cfg)
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:8080"
	}
	return cfg
}

func (c *StoreConfig) validate() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	switch c.Driver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case StoreDriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("STARDUST_SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("STARDUST_STORE must be postgres or sqlite, got %q", c.Driver)
	}
	return nil
}

func (c *MailConfig) validate() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	switch c.Driver {
	case MailDriverPostmark:
		if strings.TrimSpace(c.PostmarkToken) == "" {
			return fmt.Errorf("POSTMARK_API_KEY is required")
		}
	case MailDriverLog:
	default:
		return fmt.Errorf("STARDUST_MAIL_DRIVER must be postmark or log, got %q", c.Driver)
	}
	if strings.TrimSpace(c.From) == "" {
		return fmt.Errorf("STARDUST_MAIL_FROM is required")
	}
	return nil
}

func (g GameConfig) validate() error {
	if g.MissionDelayHours <= 0 {
		return fmt.Errorf("MISSION_DELAY_HOURS must be > 0")
	}
	if g.ReplyReward <= 0 {
		return fmt.Errorf("STARDUST_REPLY_REWARD must be > 0")
	}
	if g.WelcomeBonus <= 0 {
		return fmt.Errorf("STARDUST_WELCOME_BONUS must be > 0")
	}
	if g.SweepSendsPerSecond < 0 {
		return fmt.Errorf("STARDUST_SWEEP_SENDS_PER_SECOND must be >= 0")
	}
	return nil
}
