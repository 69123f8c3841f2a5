package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/crvs/deathform/internal/config"
	"github.com/crvs/deathform/internal/domain/doris"
	"github.com/crvs/deathform/internal/domain/formmeta"
	"github.com/crvs/deathform/internal/domain/tracker"
	"github.com/crvs/deathform/internal/platform/cache"
	"github.com/crvs/deathform/internal/platform/db"
	"github.com/crvs/deathform/internal/platform/metrics"
	"github.com/crvs/deathform/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "deathform-server",
		Short: "Death notification form rules API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(mappingCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the form rules API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Store != config.StorePostgres {
		return nil, nil, fmt.Errorf("migrations need STORE=%s, got %q", config.StorePostgres, cfg.Store)
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
	if err != nil {
		return nil, nil, err
	}
	migrator, err := db.NewMigrator(pool, migrations.FS, cfg.DBSchema)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return migrator, pool.Close, nil
}

func mappingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Inspect form mapping files",
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that a form mapping resolves every field the rules use",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			m, err := formmeta.Load(file)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d attributes, %d data elements, %d ICD-11 options)\n",
				file, len(m.Attributes), len(m.DataElements), len(m.ICD11Options))
			return nil
		},
	}
	validateCmd.Flags().String("file", "", "Path to a YAML or JSON form mapping")
	cmd.AddCommand(validateCmd)

	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadMapping(path string) (*formmeta.Mapping, error) {
	if path == "" {
		return formmeta.Identity(), nil
	}
	return formmeta.Load(path)
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()

	mapping, err := loadMapping(cfg.FormMappingFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load form mapping")
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Result cache: Redis when configured, in-process otherwise
	var results cache.Results = cache.NewMemoryResults()
	redisClient, err := cache.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if redisClient != nil {
		defer redisClient.Close()
		results = cache.NewRedisResults(redisClient, "deathform:doris:")
		logger.Info().Msg("connected to redis")
	}

	// Case store
	var (
		store tracker.Store
		pool  *pgxpool.Pool
	)
	switch cfg.Store {
	case config.StorePostgres:
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		store = tracker.NewStorePG(pool)
		logger.Info().Msg("connected to database")
	default:
		store = tracker.NewMemoryStore()
		logger.Warn().Msg("using in-memory case store; data is lost on restart")
	}

	detector := doris.NewClient(doris.Config{
		BaseURL:    cfg.DorisBaseURL,
		APIVersion: cfg.DorisAPIVersion,
		Token:      cfg.ICDAPIToken,
		Language:   cfg.UILocale,
		Timeout:    time.Duration(cfg.DorisTimeoutSeconds) * time.Second,
		CacheTTL:   time.Duration(cfg.DorisCacheTTLSeconds) * time.Second,
	}, results, m, logger)

	deps := serverDeps{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		mapping:  mapping,
		detector: detector,
		metrics:  m,
		pool:     pool,
	}
	if redisClient != nil {
		deps.cache = redisClient
	}
	e := newServer(deps)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth", cfg.AuthMode()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
