package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sodav/monitor/internal/cache"
	"github.com/sodav/monitor/internal/config"
	"github.com/sodav/monitor/internal/database"
	"github.com/sodav/monitor/internal/dsp"
	"github.com/sodav/monitor/internal/events"
	"github.com/sodav/monitor/internal/fingerprint"
	"github.com/sodav/monitor/internal/ingest"
	"github.com/sodav/monitor/internal/logger"
	"github.com/sodav/monitor/internal/metrics"
	"github.com/sodav/monitor/internal/models"
	"github.com/sodav/monitor/internal/resolver"
	"github.com/sodav/monitor/internal/scheduler"
	"github.com/sodav/monitor/internal/stats"
	"github.com/sodav/monitor/internal/telemetry"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

func main() {
	root := &cobra.Command{
		Use:   "monitor",
		Short: "Radio airplay detection engine",
	}

	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the detection engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err == nil {
				log.Println("Loaded environment from .env")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := logger.Initialize(cfg.LogLevel, cfg.LogFile); err != nil {
				return err
			}
			defer logger.Close()

			if err := database.Initialize(cfg.DatabaseURL); err != nil {
				return err
			}
			defer database.Close()

			return database.Migrate()
		},
	}
}

func serve() error {
	// load environment before anything reads it
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, using system environment variables")
	}

	// configuration errors refuse startup
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if err := logger.Initialize(cfg.LogLevel, cfg.LogFile); err != nil {
		return err
	}
	defer logger.Close()

	logger.Log.Info("=== Detection engine starting ===")

	metrics.Initialize()

	var tracerProvider *sdktrace.TracerProvider
	if os.Getenv("OTEL_ENABLED") == "true" {
		tcfg := telemetry.Config{
			ServiceName:  getEnvOrDefault("OTEL_SERVICE_NAME", "sodav-monitor"),
			Environment:  getEnvOrDefault("OTEL_ENVIRONMENT", "development"),
			OTLPEndpoint: getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			Enabled:      true,
			SamplingRate: getEnvFloat("OTEL_TRACE_SAMPLER_RATE", 1.0),
		}

		tracerProvider, err = telemetry.InitTracer(tcfg)
		if err != nil {
			logger.Warn("Failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			logger.Log.Info("OpenTelemetry tracing enabled",
				zap.String("endpoint", tcfg.OTLPEndpoint))
			defer func() {
				if tracerProvider != nil {
					if err := tracerProvider.Shutdown(context.Background()); err != nil {
						logger.ErrorWithFields("Failed to shutdown tracer provider", err)
					}
				}
			}()
		}
	}

	// the identifier cache is optional: without Redis the resolver just
	// hits the database directly
	var idcache *cache.IdentifierCache
	if cfg.RedisHost != "" || cfg.RedisPort != "" {
		idcache, err = cache.NewIdentifierCache(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword)
		if err != nil {
			logger.Warn("Redis unavailable, identifier caching disabled", zap.Error(err))
			idcache = nil
		} else {
			defer idcache.Close()
		}
	}

	if err := database.Initialize(cfg.DatabaseURL); err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return err
	}

	// pipeline components
	bus := events.NewBus()
	ingestor := ingest.NewIngestor()
	extractor := dsp.NewExtractor()
	codec := fingerprint.NewCodec(fingerprint.NewChromaprinter(cfg.FpcalcPath))
	recorder := stats.NewRecorder(database.DB, bus)

	res := resolver.New(
		database.DB,
		idcache,
		resolver.NewMetadataClient(cfg.MetadataBaseURL),
		resolver.NewAcoustIDClient(cfg.AcoustIDBaseURL, cfg.AcoustIDAPIKey),
		resolver.NewAudDClient(cfg.AudDBaseURL, cfg.AudDAPIKey),
		resolver.Thresholds{
			Local:    cfg.MinConfidenceLocal,
			Content:  cfg.MinConfidenceContent,
			Acoustic: cfg.MinConfidenceAcoustic,
		},
	)

	sched := scheduler.New(scheduler.Config{
		MaxConcurrentStations: cfg.MaxConcurrentStations,
		DetectionInterval:     cfg.DetectionInterval,
		ChunkDuration:         cfg.ChunkDuration,
		MergeWindow:           cfg.MergeWindow,
		FFmpegPath:            cfg.FFmpegPath,
	}, database.DB, ingestor, extractor, codec, res, recorder, bus)

	var stations []models.Station
	if err := database.DB.Where("status <> ?", models.StationInactive).
		Find(&stations).Error; err != nil {
		return err
	}
	if len(stations) == 0 {
		logger.Warn("No active stations configured, engine will idle")
	}

	if err := sched.Start(stations); err != nil {
		return err
	}

	// ops listener: health and metrics only
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		dbErr := database.Health()
		if dbErr != nil {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"database": dbErr == nil,
			"stations": sched.Health(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}
	go func() {
		logger.Log.Info("Ops listener started", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorWithFields("Ops listener failed", err)
		}
	}()

	// wait for termination
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithFields("Ops listener shutdown failed", err)
	}

	logger.Log.Info("Shutdown complete")
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
