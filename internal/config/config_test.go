package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

// replaceFile swaps the file in with a rename so watchers never observe a
// truncated config.
func replaceFile(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	writeFile(t, tmp, body)
	require.NoError(t, os.Rename(tmp, path))
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
server:
  port: "9090"
images:
  max_images: 3
fridge:
  expiring_within_days: 5
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, 3, cfg.Images.MaxImages)
	assert.Equal(t, 1200, cfg.Images.MaxDimension)
	assert.Equal(t, 5, cfg.Fridge.ExpiringWithinDays)
	assert.Equal(t, "Asia/Tokyo", cfg.Fridge.Timezone)
	assert.Equal(t, 10*time.Second, cfg.OptimisticTimeout())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, time.Hour, cfg.SignedURLTTL())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "server: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("SUPABASE_URL", "https://abc.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")
	t.Setenv("DATABASE_DRIVER", "sqlite3")
	t.Setenv("DATABASE_DSN", "file:kanri.db")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("CORS_ALLOW_ORIGINS", "https://kanri.example, http://localhost:5173")
	t.Setenv("OPTIMISTIC_TIMEOUT_MS", "2500")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "https://abc.supabase.co", cfg.Supabase.URL)
	assert.Equal(t, "service-key", cfg.Supabase.ServiceKey)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "file:kanri.db", cfg.Database.DSN)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"https://kanri.example", "http://localhost:5173"}, cfg.Server.CORSAllowOrigins)
	assert.Equal(t, 2500*time.Millisecond, cfg.OptimisticTimeout())
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout())
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown driver":        func(c *Config) { c.Database.Driver = "mysql"; c.Database.DSN = "x" },
		"driver without dsn":    func(c *Config) { c.Database.Driver = "postgres" },
		"supabase url only":     func(c *Config) { c.Supabase.URL = "https://abc.supabase.co" },
		"zero timeout":          func(c *Config) { c.Optimistic.TimeoutMs = 0 },
		"quality":               func(c *Config) { c.Images.Quality = 1.5 },
		"negative days":         func(c *Config) { c.Fridge.ExpiringWithinDays = -1 },
		"timezone":              func(c *Config) { c.Fridge.Timezone = "Mars/Olympus" },
		"queue without project": func(c *Config) { c.Webhooks.CloudTasks.Queue = "webhooks" },
		"endpoint without url":  func(c *Config) { c.Webhooks.Endpoints = []WebhookEndpoint{{ID: "bot"}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestWebhookEndpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `pubsub:
  project_id: household-prod
webhooks:
  cloud_tasks:
    queue: kanri-webhooks
  endpoints:
    - id: line-bot
      url: https://bot.example.com/kanri
      events: [record.changed]
      collections: [fridge]
      secret: s3cret
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Webhooks.Workers)
	assert.Equal(t, "household-prod", cfg.CloudTasksProject())
	assert.Equal(t, "asia-northeast1", cfg.Webhooks.CloudTasks.Location)
	require.Len(t, cfg.Webhooks.Endpoints, 1)
	ep := cfg.Webhooks.Endpoints[0]
	assert.Equal(t, "line-bot", ep.ID)
	assert.Equal(t, []string{"record.changed"}, ep.Events)
	assert.Equal(t, []string{"fridge"}, ep.Collections)
}

func TestManagerReloadAndWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "images:\n  max_images: 5\n")

	m, err := NewManager(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, m.Get().Images.MaxImages)

	var mu sync.Mutex
	var seen []int
	m.OnChange(func(c *Config) {
		mu.Lock()
		seen = append(seen, c.Images.MaxImages)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)

	replaceFile(t, path, "images:\n  max_images: 2\n")
	require.Eventually(t, func() bool { return m.Get().Images.MaxImages == 2 }, 2*time.Second, 10*time.Millisecond)

	replaceFile(t, path, "images: [broken")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, m.Get().Images.MaxImages)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, 2)
}
