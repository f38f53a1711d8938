package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/quotefleet/rpatrack/internal/metrics"
	"github.com/quotefleet/rpatrack/internal/middleware"
	"github.com/quotefleet/rpatrack/internal/providers"
	"github.com/quotefleet/rpatrack/internal/ratelimit"
	"github.com/quotefleet/rpatrack/internal/services"
	"github.com/quotefleet/rpatrack/internal/tracing"
	"github.com/quotefleet/rpatrack/pkg/auth"
	"github.com/quotefleet/rpatrack/pkg/config"
	"github.com/quotefleet/rpatrack/pkg/domain"
	"github.com/quotefleet/rpatrack/pkg/persistence"
	redisstore "github.com/quotefleet/rpatrack/pkg/persistence/redis"

	"github.com/gin-gonic/gin"
)

type Application struct {
	Config   *config.Config
	Engine   *gin.Engine
	Persist  persistence.PluginPersistence
	Ingest   services.IngestService
	Dispatch services.DispatchService
	Status   services.StatusService
	Logger   *slog.Logger
	TZ       *time.Location
	Carriers domain.CarrierSet

	ProducerValidator auth.Validator
	RateLimiter       ratelimit.Limiter
	TracingShutdown   func(context.Context) error
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithProducerValidator sets a custom producer validator
func WithProducerValidator(validator auth.Validator) ApplicationOption {
	return func(app *Application) error {
		app.ProducerValidator = validator
		return nil
	}
}

// WithPersistence sets a pre-built persistence plugin, bypassing provider
// selection from config. Tests wire miniredis-backed plugins this way.
func WithPersistence(p persistence.PluginPersistence) ApplicationOption {
	return func(app *Application) error {
		app.Persist = p
		return nil
	}
}

func NewApplication(cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.FixedZone("UTC", 0)
	}

	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler).With("service", "rpatrack", "env", cfg.Env)
	slog.SetDefault(logger)

	app := &Application{
		Config: cfg,
		Logger: logger,
		TZ:     loc,
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	if app.Persist == nil {
		if cfg.PersistenceProvider == "redis" {
			// One client shared by the store, the rate limiter and the
			// submissions-tracked collector.
			rdb := providers.NewRedisProvider(cfg.RedisAddr, cfg.RedisPassword)
			app.Persist = redisstore.NewPluginWithClient(rdb)
			app.RateLimiter = ratelimit.NewTokenBucketLimiter(rdb)
			metrics.RegisterRedisCollector(rdb, logger)
		} else {
			p, err := persistence.NewPersistence(
				persistence.ProviderConfig{Type: cfg.PersistenceProvider},
				persistence.PluginConfig{Timezone: loc},
			)
			if err != nil {
				return nil, err
			}
			app.Persist = p
		}
	}

	if app.ProducerValidator == nil && cfg.ProducerAuth.Type != "" {
		raw, err := producerAuthRaw(cfg)
		if err != nil {
			return nil, err
		}
		validator, err := auth.NewValidator(auth.ProviderConfig{
			Type:   cfg.ProducerAuth.Type,
			Config: raw,
		})
		if err != nil {
			return nil, err
		}
		app.ProducerValidator = validator
	}

	app.Carriers = domain.NewCarrierSet(cfg.SupportedCarriers)
	store := app.Persist.Submissions()
	app.Ingest = services.NewIngestService(store, app.Carriers, logger, time.Now)
	app.Dispatch = services.NewDispatchService(store, app.Carriers, logger, time.Now)
	app.Status = services.NewStatusService(store)

	shutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return nil, err
	}
	app.TracingShutdown = shutdown

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestIDMiddleware(), middleware.LoggerMiddleware(logger))
	if cfg.Tracing.Enabled {
		engine.Use(middleware.TracingMiddleware(cfg.Tracing.ServiceName))
	}
	app.Engine = engine

	return app, nil
}

// producerAuthRaw renders the producer auth provider config. The top-level
// clock skew setting applies unless the provider block sets its own.
func producerAuthRaw(cfg *config.Config) ([]byte, error) {
	merged := make(map[string]any, len(cfg.ProducerAuth.Config)+1)
	for k, v := range cfg.ProducerAuth.Config {
		merged[k] = v
	}
	if _, ok := merged["clockSkewSeconds"]; !ok && cfg.AllowedClockSkewSeconds > 0 {
		merged["clockSkewSeconds"] = cfg.AllowedClockSkewSeconds
	}
	return json.Marshal(merged)
}
