package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gunshikin/kanri/internal/api"
	"github.com/gunshikin/kanri/internal/circuitbreaker"
	"github.com/gunshikin/kanri/internal/clock"
	"github.com/gunshikin/kanri/internal/collection"
	"github.com/gunshikin/kanri/internal/config"
	"github.com/gunshikin/kanri/internal/database"
	"github.com/gunshikin/kanri/internal/events"
	"github.com/gunshikin/kanri/internal/expense"
	"github.com/gunshikin/kanri/internal/fridge"
	"github.com/gunshikin/kanri/internal/imaging"
	"github.com/gunshikin/kanri/internal/infra"
	"github.com/gunshikin/kanri/internal/media"
	"github.com/gunshikin/kanri/internal/middleware"
	"github.com/gunshikin/kanri/internal/optimistic"
	"github.com/gunshikin/kanri/internal/realtime"
	"github.com/gunshikin/kanri/internal/todo"
	"github.com/gunshikin/kanri/internal/webhooks"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfgManager, err := config.NewManager(*configPath, logger)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cfgManager.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage: Supabase, then direct SQL, then memory.
	backend, err := database.OpenBackend(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer backend.Close()
	log.Printf("🗄️  Storage backend: %s", backend.Kind)
	if backend.Kind == database.BackendMemory && cfg.IsProduction() {
		log.Printf("⚠️  Running in production with in-memory storage; data is lost on restart")
	}

	bus := openBus(ctx, cfg)
	defer bus.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := optimistic.NewMetrics(registry)

	clk := clock.Real()
	collOpts := func(name string) collection.Options {
		return collection.Options{
			Name:           name,
			Timeout:        cfg.OptimisticTimeout(),
			RequestTimeout: cfg.RequestTimeout(),
			Clock:          clk,
			Logger:         logger,
			Metrics:        metrics,
			Bus:            bus,
			Timestamps:     cfg.Optimistic.Timestamps,
		}
	}
	// A store that keeps failing is cut off so writes fail fast into the
	// retryable state.
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{IsFailure: circuitbreaker.IsStoreFailure})
	expenses := collection.New[expense.Expense](circuitbreaker.WrapStore(
		database.OpenStore[expense.Expense](backend, cfg.Supabase.ExpensesTable), breakers.Get("expenses")), collOpts("expenses"))
	todos := collection.New[todo.Todo](circuitbreaker.WrapStore(
		database.OpenStore[todo.Todo](backend, cfg.Supabase.TodosTable), breakers.Get("todos")), collOpts("todos"))
	fridgeItems := collection.New[fridge.Item](circuitbreaker.WrapStore(
		database.OpenStore[fridge.Item](backend, cfg.Supabase.FridgeItemsTable), breakers.Get("fridge")), collOpts("fridge"))

	refreshCtx, cancelRefresh := context.WithTimeout(ctx, 30*time.Second)
	for name, refresh := range map[string]func(context.Context) error{
		"expenses": expenses.Refresh,
		"todos":    todos.Refresh,
		"fridge":   fridgeItems.Refresh,
	} {
		if err := refresh(refreshCtx); err != nil {
			log.Printf("⚠️  Initial %s refresh failed: %v", name, err)
		}
	}
	cancelRefresh()

	// Image limits and the fridge window follow config reloads.
	live := newLiveSettings(cfg)
	cfgManager.OnChange(live.update)
	go func() {
		if err := cfgManager.Watch(ctx); err != nil {
			log.Printf("⚠️  Config watch disabled: %v", err)
		}
	}()

	var hub *realtime.Hub
	if cfg.Realtime.Enabled {
		hub = realtime.NewHub(cfg.Realtime.AllowedOrigins, logger)
		detach := hub.Attach(bus)
		defer func() {
			detach()
			hub.Close()
		}()
	}

	hooks, emitter := openWebhooks(ctx, cfg, logger)
	detachHooks := webhooks.Attach(bus, emitter)
	defer func() {
		detachHooks()
		emitter.Shutdown()
	}()

	uploadLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: 30})
	defer uploadLimiter.Stop()

	server := api.NewServer(api.Config{
		Expenses:       expenses,
		Todos:          todos,
		Fridge:         fridgeItems,
		Uploader:       media.NewUploader(backend.Blobs(), clk, logger),
		Images:         live.images,
		Classifier:     live.classifier,
		Hub:            hub,
		Gatherer:       registry,
		Webhooks:       hooks,
		Health: func(ctx context.Context) error {
			if err := backend.Ping(ctx); err != nil {
				return err
			}
			return breakers.Healthy()
		},
		CORSOrigins:    cfg.Server.CORSAllowOrigins,
		UploadLimiter:  uploadLimiter,
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
		Clock:          clk,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("Received shutdown signal, shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 kanri API starting on port %s (env=%s)", cfg.Server.Port, cfg.Server.Env)
	log.Printf("📊 Health check: http://localhost:%s/health", cfg.Server.Port)
	if hub != nil {
		log.Printf("🔌 Realtime: ws://localhost:%s/ws", cfg.Server.Port)
	}

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed to start: %v", err)
	}

	// In-flight store calls finish before the process exits.
	expenses.Close()
	todos.Close()
	fridgeItems.Close()
	log.Println("Server stopped")
}

// openBus picks Redis, then Cloud Pub/Sub, then an in-process bus.
func openBus(ctx context.Context, cfg *config.Config) events.Bus {
	if cfg.Redis.Addr != "" {
		client, err := infra.OpenRedis(ctx, cfg.Redis)
		if err == nil {
			log.Printf("📡 Event bus: redis (%s, channels %s*)", cfg.Redis.Addr, client.Channel(""))
			return events.NewRedisBus(client)
		}
		log.Printf("⚠️  Redis unavailable (%v); trying other buses", err)
	}

	if cfg.PubSub.ProjectID != "" {
		bus, err := openPubSubBus(ctx, cfg.PubSub)
		if err == nil {
			log.Printf("📡 Event bus: pubsub (%s/%s)", cfg.PubSub.ProjectID, cfg.PubSub.Topic)
			return bus
		}
		log.Printf("⚠️  Pub/Sub unavailable (%v); using in-process bus", err)
	}

	log.Printf("📡 Event bus: local")
	return events.NewLocalBus()
}

func openPubSubBus(ctx context.Context, cfg config.PubSubConfig) (events.Bus, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	bus, err := events.NewCloudPubSubBus(ctx, client, cfg.Topic, cfg.Subscription)
	if err != nil {
		client.Close()
		return nil, err
	}
	return bus, nil
}

// openWebhooks registers the configured endpoints and picks Cloud Tasks
// delivery when a queue is set.
func openWebhooks(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*webhooks.Registry, webhooks.Emitter) {
	registry := webhooks.NewRegistry(logger)
	for _, ep := range cfg.Webhooks.Endpoints {
		types := make([]events.EventType, 0, len(ep.Events))
		for _, t := range ep.Events {
			types = append(types, events.EventType(t))
		}
		if len(types) == 0 {
			types = []events.EventType{events.EventRecordChanged, events.EventOperationFailed}
		}
		_, err := registry.Register(webhooks.Subscription{
			ID:          ep.ID,
			URL:         ep.URL,
			Events:      types,
			Collections: ep.Collections,
			Secret:      ep.Secret,
		})
		if err != nil {
			log.Printf("⚠️  Skipping webhook %s: %v", ep.URL, err)
		}
	}

	dispatcher := webhooks.NewDispatcher(registry, webhooks.DispatcherOptions{Workers: cfg.Webhooks.Workers, Logger: logger})
	ct := cfg.Webhooks.CloudTasks
	if ct.Queue == "" {
		log.Printf("🔔 Webhooks: in-memory dispatcher (%d endpoints)", len(registry.List()))
		return registry, dispatcher
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cloud, err := webhooks.NewCloudDispatcher(initCtx, registry, cfg.CloudTasksProject(), ct.Location, ct.Queue, dispatcher, logger)
	if err != nil {
		log.Printf("⚠️  Cloud Tasks unavailable (%v); using in-memory dispatcher", err)
		return registry, dispatcher
	}
	log.Printf("🔔 Webhooks: Cloud Tasks (%s)", cloud.QueuePath())
	return registry, cloud
}

// liveSettings holds the config values that change without a restart.
type liveSettings struct {
	mu      sync.RWMutex
	imgOpts imaging.Options
	window  fridge.Classifier
}

func newLiveSettings(cfg *config.Config) *liveSettings {
	s := &liveSettings{}
	s.update(cfg)
	return s
}

func (s *liveSettings) update(cfg *config.Config) {
	loc, err := cfg.Location()
	if err != nil {
		loc = time.Local
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imgOpts = cfg.Images
	s.window = fridge.Classifier{ExpiringWithinDays: cfg.Fridge.ExpiringWithinDays, Location: loc}
	log.Printf("⚙️  Settings: max %d images, %.1f MB, %d px; fridge window %d days (%s)",
		cfg.Images.MaxImages, cfg.Images.MaxSizeMB, cfg.Images.MaxDimension, cfg.Fridge.ExpiringWithinDays, loc)
}

func (s *liveSettings) images() imaging.Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.imgOpts
}

func (s *liveSettings) classifier() fridge.Classifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.window
}
