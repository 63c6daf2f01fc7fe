package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/configpilot/configpilot/internal/broadcast"
	"github.com/configpilot/configpilot/internal/config"
	"github.com/configpilot/configpilot/internal/database"
	"github.com/configpilot/configpilot/internal/handlers"
	"github.com/configpilot/configpilot/internal/jobs"
	"github.com/configpilot/configpilot/internal/llm"
	"github.com/configpilot/configpilot/internal/metadata"
	"github.com/configpilot/configpilot/internal/middleware"
	"github.com/configpilot/configpilot/internal/services"
	slackutil "github.com/configpilot/configpilot/internal/slack"
)

const (
	shutdownTimeout = 15 * time.Second
	// cacheJanitorInterval is how often expired entries of the in-memory caches are reclaimed.
	cacheJanitorInterval = time.Minute
)

// janitor is a component holding an expiring in-memory cache.
type janitor interface {
	StartJanitor(interval time.Duration)
}

func startJanitors(interval time.Duration, janitors ...janitor) {
	for _, j := range janitors {
		j.StartJanitor(interval)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, live update socket and recalculation coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close(db)
		if _, err := database.GetOrCreateRecalculationSettings(db, &cfg.Recalculation); err != nil {
			return fmt.Errorf("failed to seed recalculation settings: %w", err)
		}
		logger.Info("migrations complete")
		return nil
	},
}

func openDatabase(dsn string) (*gorm.DB, error) {
	db, err := database.Open(dsn, gormlogger.Warn)
	if err != nil {
		return nil, err
	}
	if err := database.AutoMigrate(db, zap.L()); err != nil {
		database.Close(db)
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	return db, nil
}

// newMetadataClient serves describes from the configured snapshot, or from an
// empty one so the server still starts without org access.
func newMetadataClient(path string) (metadata.Client, error) {
	if path == "" {
		zap.L().Warn("METADATA_SNAPSHOT not set, serving empty org metadata")
		return metadata.NewStaticClient(metadata.Snapshot{}), nil
	}
	snap, err := metadata.LoadSnapshot(path)
	if err != nil {
		return nil, err
	}
	zap.L().Info("loaded metadata snapshot", zap.String("path", path), zap.Int("orgs", len(snap.Orgs)))
	return metadata.NewStaticClient(snap), nil
}

func newGenerator(c *config.Config) llm.Generator {
	if !c.LLMEnabled() {
		zap.L().Info("LLM_API_KEY not set, recommendations are rule based only")
		return nil
	}
	return llm.NewClient(c.LLM)
}

func runServer(ctx context.Context) error {
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close(db)
	logger.Info("database connection established")

	store := database.NewStore(db)
	meta, err := newMetadataClient(cfg.MetadataSnapshot)
	if err != nil {
		return err
	}
	rules, err := config.LoadConflictRules(cfg.HeuristicsFile, services.DefaultConflictRules())
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(logger)
	defer hub.Close()
	hub.SetReplaySource(store.GetRecommendations)

	patterns := services.NewPatternService(meta, store, logger)
	conflicts := services.NewConflictService(meta, rules, logger)
	feedback := services.NewFeedbackService(store, services.NewDampeningAdjuster(store), logger)
	defer feedback.Close()
	analytics := services.NewAnalyticsService(store, cfg.AnalyticsCacheTTL, logger)
	defer analytics.Close()
	feedback.OnRecorded(analytics.FeedbackRecorded)

	recalc := jobs.NewRecalculator(jobs.Deps{
		Patterns:    patterns,
		Engine:      services.NewRecommendationService(newGenerator(cfg), logger),
		Conflicts:   conflicts,
		Store:       store,
		Broadcaster: hub,
		Improver:    feedback,
		Settings:    jobs.DBSettings(db, &cfg.Recalculation),
		Log:         logger,
	})
	defer recalc.Close()
	recalc.OnResult(analytics.RecommendationsUpdated)
	startJanitors(cacheJanitorInterval, hub, feedback, analytics, recalc)

	if cfg.SlackEnabled() {
		notifier := slackutil.NewConflictNotifier(slackutil.NewClient(cfg.SlackBotToken),
			slackutil.NotifierConfig{Channel: cfg.SlackConflictChannel}, logger)
		defer notifier.Close()
		hub.SubscribeAll(notifier)
		logger.Info("slack conflict notifications enabled", zap.String("channel", cfg.SlackConflictChannel))
	}

	auth := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		Enabled:   cfg.AuthEnabled(),
		Secret:    cfg.JWTSecret,
		Issuer:    cfg.JWTIssuer,
		SkipPaths: []string{"/health"},
	}, logger)
	if !cfg.AuthEnabled() {
		logger.Warn("JWT_SECRET not set, API authentication is disabled")
	}
	cors := middleware.NewCORSMiddleware(cfg.CORSAllowedOrigins...)

	ws := handlers.NewUpdatesWSHandler(hub, cors.CheckOrigin, logger)
	ws.SetTicketOwner(recalc.OwnerOf)
	mux := http.NewServeMux()
	handlers.NewHTTPHandler(db, logger).SetupRoutes(mux)
	handlers.NewAPIHandler(handlers.APIDeps{
		Patterns:         patterns,
		Conflicts:        conflicts,
		Feedback:         feedback,
		Analytics:        analytics,
		Recalculator:     recalc,
		Store:            store,
		Broadcaster:      hub,
		SettingsDefaults: &cfg.Recalculation,
		Log:              logger,
	}).SetupRoutes(mux)
	ws.SetupRoutes(mux)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           middleware.RequestIDMiddleware(middleware.AccessLog(logger)(cors.Wrap(auth.Wrap(mux)))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting HTTP server", zap.Int("port", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		recalc.Start(gctx.Done())
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		ws.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
