package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v2"

	"github.com/gunshikin/kanri/internal/imaging"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Supabase   SupabaseConfig   `yaml:"supabase"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	Optimistic OptimisticConfig `yaml:"optimistic"`
	Images     imaging.Options  `yaml:"images"`
	Fridge     FridgeConfig     `yaml:"fridge"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Webhooks   WebhooksConfig   `yaml:"webhooks"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
	MaxUploadMB      int      `yaml:"max_upload_mb"`
}

type SupabaseConfig struct {
	URL              string `yaml:"url"`
	ServiceKey       string `yaml:"service_key"`
	Bucket           string `yaml:"bucket"`
	SignedURLTTLSecs int    `yaml:"signed_url_ttl_secs"`
	ExpensesTable    string `yaml:"expenses_table"`
	TodosTable       string `yaml:"todos_table"`
	FridgeItemsTable string `yaml:"fridge_items_table"`
}

// DatabaseConfig selects the direct SQL backend. An empty driver disables it.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres or sqlite3
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type PubSubConfig struct {
	ProjectID    string `yaml:"project_id"`
	Topic        string `yaml:"topic"`
	Subscription string `yaml:"subscription"`
}

type OptimisticConfig struct {
	TimeoutMs        int  `yaml:"timeout_ms"`
	RequestTimeoutMs int  `yaml:"request_timeout_ms"`
	Timestamps       bool `yaml:"timestamps"`
}

type FridgeConfig struct {
	ExpiringWithinDays int    `yaml:"expiring_within_days"`
	Timezone           string `yaml:"timezone"`
}

type RealtimeConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebhooksConfig configures outbound change notifications. Endpoints are
// registered at startup; more can be added through the API.
type WebhooksConfig struct {
	Workers    int               `yaml:"workers"`
	CloudTasks CloudTasksConfig  `yaml:"cloud_tasks"`
	Endpoints  []WebhookEndpoint `yaml:"endpoints"`
}

// CloudTasksConfig selects Cloud Tasks delivery when Queue is set.
type CloudTasksConfig struct {
	ProjectID string `yaml:"project_id"`
	Location  string `yaml:"location"`
	Queue     string `yaml:"queue"`
}

type WebhookEndpoint struct {
	ID          string   `yaml:"id"`
	URL         string   `yaml:"url"`
	Events      []string `yaml:"events"`
	Collections []string `yaml:"collections"`
	Secret      string   `yaml:"secret"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			Env:         "development",
			MaxUploadMB: 16,
		},
		Supabase: SupabaseConfig{
			Bucket:           "kanri-images",
			SignedURLTTLSecs: 3600,
			ExpensesTable:    "expenses",
			TodosTable:       "todos",
			FridgeItemsTable: "fridge_items",
		},
		Redis: RedisConfig{
			ChannelPrefix: "kanri:events:",
		},
		PubSub: PubSubConfig{
			Topic: "kanri-events",
		},
		Optimistic: OptimisticConfig{
			TimeoutMs:        10000,
			RequestTimeoutMs: 10000,
			Timestamps:       true,
		},
		Images: imaging.DefaultOptions(),
		Fridge: FridgeConfig{
			ExpiringWithinDays: 3,
			Timezone:           "Asia/Tokyo",
		},
		Realtime: RealtimeConfig{
			Enabled: true,
		},
		Webhooks: WebhooksConfig{
			Workers: 4,
			CloudTasks: CloudTasksConfig{
				Location: "asia-northeast1",
			},
		},
	}
}

// LoadConfig reads a YAML file over the defaults. Keys missing from the
// file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads path when it exists, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := LoadConfig(path)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides file values with environment variables.
func (c *Config) ApplyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "KANRI_ENV")
	setString(&c.Supabase.URL, "SUPABASE_URL")
	setString(&c.Supabase.ServiceKey, "SUPABASE_SERVICE_KEY")
	setString(&c.Supabase.Bucket, "SUPABASE_BUCKET")
	setString(&c.Database.Driver, "DATABASE_DRIVER")
	setString(&c.Database.DSN, "DATABASE_DSN")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.PubSub.ProjectID, "GOOGLE_CLOUD_PROJECT")
	setString(&c.PubSub.ProjectID, "PUBSUB_PROJECT_ID")
	setString(&c.PubSub.Subscription, "PUBSUB_SUBSCRIPTION")
	setString(&c.Webhooks.CloudTasks.Queue, "CLOUD_TASKS_QUEUE")

	if v := os.Getenv("CORS_ALLOW_ORIGINS"); v != "" {
		c.Server.CORSAllowOrigins = splitList(v)
	}
	if v := os.Getenv("OPTIMISTIC_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Optimistic.TimeoutMs = ms
		}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "postgres", "sqlite3":
	default:
		return fmt.Errorf("database.driver %q: want postgres or sqlite3", c.Database.Driver)
	}
	if c.Database.Driver != "" && c.Database.DSN == "" {
		return errors.New("database.dsn is required when database.driver is set")
	}
	if (c.Supabase.URL == "") != (c.Supabase.ServiceKey == "") {
		return errors.New("supabase.url and supabase.service_key must be set together")
	}
	if c.Optimistic.TimeoutMs <= 0 {
		return fmt.Errorf("optimistic.timeout_ms must be positive, got %d", c.Optimistic.TimeoutMs)
	}
	if q := c.Images.Quality; q < 0 || q > 1 {
		return fmt.Errorf("images.quality must be within 0..1, got %v", q)
	}
	if c.Fridge.ExpiringWithinDays < 0 {
		return fmt.Errorf("fridge.expiring_within_days must not be negative, got %d", c.Fridge.ExpiringWithinDays)
	}
	if c.Webhooks.CloudTasks.Queue != "" && c.CloudTasksProject() == "" {
		return errors.New("webhooks.cloud_tasks.project_id is required when a queue is set")
	}
	for i, ep := range c.Webhooks.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("webhooks.endpoints[%d].url is required", i)
		}
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("fridge.timezone: %w", err)
	}
	return nil
}

// OptimisticTimeout is the pending-operation timeout.
func (c *Config) OptimisticTimeout() time.Duration {
	return time.Duration(c.Optimistic.TimeoutMs) * time.Millisecond
}

// RequestTimeout bounds each store call; it defaults to the optimistic
// timeout.
func (c *Config) RequestTimeout() time.Duration {
	if c.Optimistic.RequestTimeoutMs <= 0 {
		return c.OptimisticTimeout()
	}
	return time.Duration(c.Optimistic.RequestTimeoutMs) * time.Millisecond
}

// SignedURLTTL is the lifetime of blob URLs.
func (c *Config) SignedURLTTL() time.Duration {
	return time.Duration(c.Supabase.SignedURLTTLSecs) * time.Second
}

// Location is the household time zone used for day arithmetic.
func (c *Config) Location() (*time.Location, error) {
	if c.Fridge.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Fridge.Timezone)
}

// CloudTasksProject falls back to the Pub/Sub project.
func (c *Config) CloudTasksProject() string {
	if c.Webhooks.CloudTasks.ProjectID != "" {
		return c.Webhooks.CloudTasks.ProjectID
	}
	return c.PubSub.ProjectID
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
