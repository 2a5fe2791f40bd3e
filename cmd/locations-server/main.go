package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/locations/internal/config"
	"github.com/ehr/locations/internal/domain/location"
	"github.com/ehr/locations/internal/platform/auth"
	"github.com/ehr/locations/internal/platform/db"
	"github.com/ehr/locations/internal/platform/middleware"
	"github.com/ehr/locations/migrations"
)

const appName = "locations-server"

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Healthcare location hierarchy service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(exportCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the location API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", appName).Logger()
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		DatabaseURL:     cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: appName,
	}
}

// migrationSource prefers an on-disk directory (flag, then MIGRATIONS_DIR)
// and falls back to the migrations compiled into the binary.
func migrationSource(flagDir, cfgDir string) (fs.FS, string) {
	for _, dir := range []string{flagDir, cfgDir} {
		if dir != "" {
			return os.DirFS(dir), dir
		}
	}
	return migrations.FS, "embedded"
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	newMigrator := func(cmd *cobra.Command) (*db.Migrator, func(), error) {
		schema, _ := cmd.Flags().GetString("schema")
		dir, _ := cmd.Flags().GetString("dir")

		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		pool, err := db.NewPool(cmd.Context(), poolConfig(cfg))
		if err != nil {
			return nil, nil, err
		}
		source, name := migrationSource(dir, cfg.MigrationsDir)
		fmt.Printf("Using %s migrations on schema: %s\n", name, schema)
		return db.NewMigrator(pool, source, schema), pool.Close, nil
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := newMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := newMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "public", "Target schema for migrations")
		c.Flags().String("dir", "", "Path to a migrations directory (default: embedded)")
		cmd.AddCommand(c)
	}
	return cmd
}

// app bundles what every command needs to talk to the store.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	svc    *location.Service
	pinger db.Pinger
	close  func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Env)

	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	types, err := location.NewTypeRepo(pool).LoadTypeHierarchy(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("load location types (did you run migrate up?): %w", err)
	}
	logger.Info().Int("types", len(types.Types())).Int("max_depth", types.MaxDepth()).Msg("loaded location type hierarchy")

	tx := db.NewTxRunner(pool, cfg.TxMaxRetries, logger)
	svc := location.NewService(location.NewRepo(pool), types, tx, logger)

	return &app{cfg: cfg, logger: logger, svc: svc, pinger: pool, close: pool.Close}, nil
}

// newServer builds the echo instance with the global middleware stack and
// every route mounted.
func newServer(cfg *config.Config, svc *location.Service, pinger db.Pinger, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit("1M", "50M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(location.ScopeRead, location.ScopeWrite))
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if cfg.AuthJWKSURL == "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Health
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pinger, 5*time.Second))

	location.NewHandler(svc).RegisterRoutes(e.Group("/dhos/v1"), e.Group("/fhir"))

	return e
}

func runServer() error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		startupLogger := newLogger(os.Getenv("ENV"))
		startupLogger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.close()
	logger := a.logger

	e := newServer(a.cfg, a.svc, a.pinger, logger)

	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
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
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a location hierarchy from an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			actor, _ := cmd.Flags().GetString("actor")
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open %s: %w", file, err)
			}
			defer f.Close()

			ctx := location.WithActor(cmd.Context(), actor)
			locs, err := a.svc.ImportHierarchy(ctx, f)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d location(s) from %s.\n", len(locs), file)
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to the .xlsx workbook")
	cmd.Flags().String("actor", "cli", "Recorded as created_by on every imported location")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write locations to an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			types, _ := cmd.Flags().GetStringSlice("type")
			inactive, _ := cmd.Flags().GetBool("include-inactive")
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			if !strings.HasSuffix(strings.ToLower(file), ".xlsx") {
				return fmt.Errorf("--file must end in .xlsx")
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			f, err := os.Create(file)
			if err != nil {
				return fmt.Errorf("create %s: %w", file, err)
			}
			crit := location.Criteria{LocationTypes: types, IncludeInactive: inactive}
			if err := a.svc.ExportHierarchy(cmd.Context(), f, crit); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("write %s: %w", file, err)
			}
			fmt.Printf("Exported locations to %s.\n", file)
			return nil
		},
	}
	cmd.Flags().String("file", "", "Destination .xlsx path")
	cmd.Flags().StringSlice("type", nil, "Restrict to these location types (names or codes)")
	cmd.Flags().Bool("include-inactive", false, "Also export inactive locations")
	return cmd
}
