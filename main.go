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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mabletask/cdp/config"
	"mabletask/cdp/database"
	"mabletask/cdp/handlers"
	"mabletask/cdp/middleware"
	"mabletask/cdp/store"
)

var (
	verbose bool
	envFile string
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cdp",
	Short: "CDP event collector and tracker tooling",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collector API",
	Long: `Starts the HTTP collector. Tracker batches are accepted on POST /api/collect and
written to ClickHouse; identity links go to PostgreSQL. Stats and identity lookups
under /api require a JWT (see "cdp token").`,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load before reading the process environment")

	rootCmd.AddCommand(serveCmd, tokenCmd, sendCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := database.NewPostgresDB(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL database: %w", err)
	}
	defer dbClient.Close()

	chClient, err := database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize ClickHouse database: %w", err)
	}
	defer chClient.Close()

	identityStore := store.NewIdentityStore(dbClient.DB, logger)
	analyticsStore := store.NewAnalyticsStore(chClient, logger)
	if err := identityStore.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := analyticsStore.EnsureSchema(ctx); err != nil {
		return err
	}

	r := newRouter(cfg,
		handlers.NewCollectHandlers(analyticsStore, identityStore, logger),
		handlers.NewStatsHandlers(analyticsStore, identityStore, logger),
		logger,
	)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Collector starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("collector failed to start: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("Shutting down collector")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("collector forced to shutdown: %w", err)
	}

	logger.Info("Collector exiting")
	return nil
}

func newRouter(cfg *config.ServerConfig, collect *handlers.CollectHandlers, stats *handlers.StatsHandlers, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(logger))
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.POST("/collect", middleware.WriteKeyRequired(cfg.WriteKey, logger), collect.Collect)

		protected := api.Group("/")
		protected.Use(middleware.JWTRequired(cfg.JWTSecret, logger))
		{
			protected.GET("/identity/:anonymous_id", stats.GetIdentity)
			protected.GET("/users/:user_id/identities", stats.GetUserIdentities)

			statsGroup := protected.Group("/stats")
			{
				statsGroup.GET("/event-counts", stats.GetEventCountsOverTime)
				statsGroup.GET("/unique-users", stats.GetUniqueUsersOverTime)
				statsGroup.GET("/top-paths", stats.GetTopNPagePaths)
			}
		}
	}
	return r
}
