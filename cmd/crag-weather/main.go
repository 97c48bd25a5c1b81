package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpapi "github.com/i474232898/crag-weather/internal/api/http"
	"github.com/i474232898/crag-weather/internal/cache"
	"github.com/i474232898/crag-weather/internal/config"
	"github.com/i474232898/crag-weather/internal/logging"
	"github.com/i474232898/crag-weather/internal/openbeta"
	"github.com/i474232898/crag-weather/internal/resilience"
	"github.com/i474232898/crag-weather/internal/scheduler"
	"github.com/i474232898/crag-weather/internal/store"
	"github.com/i474232898/crag-weather/internal/weather"
	"github.com/i474232898/crag-weather/internal/weather/providers"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "crag-weather",
		Short:        "Climbing area weather ingestion",
		Long:         "Caches OpenBeta climbing areas and stores per-area weather and air quality",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(enrichCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(clearCmd())
	rootCmd.AddCommand(weatherCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime holds the wired components shared by every command.
type runtime struct {
	cfg      *config.AppConfig
	logger   *zap.Logger
	pipeline *weather.Pipeline
	closers  []func(ctx context.Context) error
}

func (r *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			r.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	_ = r.logger.Sync()
}

func bootstrap(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: log}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	rt.closers = append(rt.closers, func(context.Context) error { return redisClient.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		rt.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	areaCache := cache.New(cache.NewRedisKV(redisClient), cfg.CallTimeout, log)

	var docStore weather.DocumentStore
	if cfg.MongoURI == "" {
		log.Warn("MONGO_URI not set; documents are kept in memory only")
		docStore = store.NewMemoryStore(cfg.StoreMaxHistory, cfg.StoreMaxAge)
	} else {
		mongoStore, client, err := store.Connect(pingCtx, cfg.MongoURI, cfg.MongoDatabase, log)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, client.Disconnect)
		docStore = mongoStore
	}

	// Timeouts are not retried unless WEATHER_MAX_RETRIES says so.
	backoff := resilience.BackoffConfig{
		MaxRetries:      cfg.WeatherMaxRetries,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}

	var provider weather.Provider
	switch cfg.WeatherProvider {
	case "weatherapi":
		provider = providers.NewWeatherAPIProvider(&http.Client{Timeout: cfg.CallTimeout}, providers.WeatherAPIConfig{
			APIKey:  cfg.WeatherAPIKey,
			Days:    cfg.WeatherForecastDay,
			Backoff: backoff,
		})
	default:
		provider = providers.NewSampleProvider()
	}
	log.Info("weather provider selected", zap.String("provider", provider.Name()))

	source := openbeta.NewSource(&http.Client{Timeout: cfg.SourceTimeout}, openbeta.Config{
		Endpoint: cfg.OpenBetaEndpoint,
	}, log)

	enricher := weather.NewEnricher(provider, weather.EnricherConfig{
		RatePerSecond: cfg.WeatherRatePerSec,
		Burst:         cfg.Workers,
		Timeout:       cfg.CallTimeout,
	})

	rt.pipeline = weather.NewPipeline(source, areaCache, docStore, enricher, weather.PipelineConfig{
		Workers:       cfg.Workers,
		CallTimeout:   cfg.CallTimeout,
		SourceTimeout: cfg.SourceTimeout,
		ArchiveAreas:  cfg.ArchiveAreas,
	}, log)

	return rt, nil
}

// withRuntime runs fn with a signal-aware context and a wired runtime.
func withRuntime(fn func(ctx context.Context, rt *runtime) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		return fn(ctx, rt)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled ingestion and the admin API",
		RunE: withRuntime(func(ctx context.Context, rt *runtime) error {
			sched := scheduler.New(rt.cfg.FetchInterval, rt.pipeline, rt.logger)
			if err := sched.Start(); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
			defer sched.Stop()

			app := httpapi.NewApp()
			app.Use(logger.New())
			app.Use(recover.New())

			app.Get("/health", func(c *fiber.Ctx) error {
				return c.JSON(fiber.Map{
					"status":  "ok",
					"service": "crag-weather",
				})
			})
			httpapi.RegisterRoutes(ctx, app, rt.pipeline)

			rt.logger.Info("crag-weather started", zap.String("port", rt.cfg.Port))
			return serveHTTP(ctx, app, ":"+rt.cfg.Port, rt.logger)
		}),
	}
}

// serveHTTP runs app on addr until ctx is done or the listener fails.
// A listener failure is returned so the process exits non-zero.
func serveHTTP(ctx context.Context, app *fiber.App, addr string, logger *zap.Logger) error {
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(addr)
	}()

	select {
	case err := <-listenErr:
		if err == nil {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return app.ShutdownWithContext(shutdownCtx)
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Fetch all areas and upsert them into the cache",
		RunE: withRuntime(func(ctx context.Context, rt *runtime) error {
			result, err := rt.pipeline.RefreshAreas(ctx)
			if err != nil {
				return err
			}
			return printJSON(result)
		}),
	}
}

func enrichCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enrich",
		Short: "Enrich every cached area and persist the documents",
		RunE: withRuntime(func(ctx context.Context, rt *runtime) error {
			summary, err := rt.pipeline.EnrichAndPersist(ctx)
			if printErr := printJSON(summary); printErr != nil {
				return printErr
			}
			return degradedError(summary, err)
		}),
	}
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Refresh areas, then enrich and persist them",
		RunE: withRuntime(func(ctx context.Context, rt *runtime) error {
			refresh, summary, err := rt.pipeline.RunOnce(ctx)
			if printErr := printJSON(map[string]any{"refresh": refresh, "run": summary}); printErr != nil {
				return printErr
			}
			return degradedError(summary, err)
		}),
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached area",
		Long:  "Delete every cached area. Not atomic: stop writers first for a clean slate.",
		RunE: withRuntime(func(ctx context.Context, rt *runtime) error {
			deleted, err := rt.pipeline.ClearAreas(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d areas\n", deleted)
			return nil
		}),
	}
}

func weatherCmd() *cobra.Command {
	var lat, lng float64
	cmd := &cobra.Command{
		Use:   "weather",
		Short: "Fetch and normalize weather for one coordinate",
		RunE: withRuntime(func(ctx context.Context, rt *runtime) error {
			rec, err := rt.pipeline.Weather(ctx, lat, lng)
			if err != nil {
				return err
			}
			return printJSON(rec)
		}),
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
	return cmd
}

// degradedError turns a degraded but otherwise successful run into a non-zero exit.
func degradedError(summary weather.RunSummary, err error) error {
	if err != nil {
		return err
	}
	if summary.Degraded() {
		return errors.New("run degraded: see failures in the summary")
	}
	return nil
}

func printJSON(v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(output))
	return nil
}
