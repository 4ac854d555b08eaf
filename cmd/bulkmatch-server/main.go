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

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/bulkmatch/internal/config"
	"github.com/ehr/bulkmatch/internal/domain/patient"
	"github.com/ehr/bulkmatch/internal/platform/auth"
	"github.com/ehr/bulkmatch/internal/platform/bulkmatch"
	"github.com/ehr/bulkmatch/internal/platform/db"
	"github.com/ehr/bulkmatch/internal/platform/matching"
	"github.com/ehr/bulkmatch/internal/platform/middleware"
	"github.com/ehr/bulkmatch/internal/platform/telemetry"
)

const (
	version          = "0.1.0"
	jwksFetchTimeout = 10 * time.Second
	requestTimeout   = 60 * time.Second
	shutdownTimeout  = 10 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bulkmatch-server",
		Short: "FHIR bulk patient match server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(clientCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bulk match server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Destroy expired jobs once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)
			store, err := newStore(cfg)
			if err != nil {
				return err
			}
			engine := bulkmatch.NewEngine(store, nil, nil, engineConfig(cfg), logger)
			n, err := engine.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "destroyed %d expired job(s)\n", n)
			return nil
		},
	}
}

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage backend-services clients",
	}

	var (
		jwksFile string
		d        auth.ClientDescriptor
	)
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Issue a client id for a JWKS",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if jwksFile != "" {
				raw, err := os.ReadFile(jwksFile)
				if err != nil {
					return fmt.Errorf("reading jwks file: %w", err)
				}
				if !json.Valid(raw) {
					return fmt.Errorf("%s is not a JSON document", jwksFile)
				}
				d.JWKS = raw
			}
			token, err := auth.NewRegistrar([]byte(cfg.JWTSecret)).Register(d)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	registerCmd.Flags().StringVar(&jwksFile, "jwks-file", "", "path to a JWKS document holding the client's public keys")
	registerCmd.Flags().StringVar(&d.JWKSURL, "jwks-url", "", "URL the client's JWKS is served from")
	registerCmd.Flags().StringVar(&d.Err, "err", "", "simulated error")
	registerCmd.Flags().IntVar(&d.FakeMatches, "fake-matches", 0, "percentage of inputs given a synthetic match")
	registerCmd.Flags().IntVar(&d.Duplicates, "duplicates", 0, "percentage of fake matches given a duplicate")
	registerCmd.Flags().StringVar(&d.MatchServer, "match-server", "", "FHIR server to delegate matching to")
	registerCmd.Flags().StringVar(&d.MatchToken, "match-token", "", "bearer token for the match server")
	registerCmd.Flags().IntVar(&d.AccessTokensExpireIn, "access-tokens-expire-in", 0, "access token lifetime in minutes")

	cmd.AddCommand(registerCmd)
	return cmd
}

func newStore(cfg *config.Config) (*bulkmatch.FileStore, error) {
	return bulkmatch.NewFileStore(bulkmatch.StoreConfig{
		Dir:            cfg.JobsDir,
		LockTimeout:    cfg.LockTimeout,
		LockRetryDelay: cfg.LockRetryDelay,
	})
}

func engineConfig(cfg *config.Config) bulkmatch.Config {
	return bulkmatch.Config{
		RetryAfter:            cfg.RetryAfter,
		Throttle:              cfg.JobThrottle,
		MaxRunningJobs:        cfg.MaxRunningJobs,
		CompletedLifetime:     cfg.CompletedJobLifetime,
		MaxLifetime:           cfg.JobMaxLifetime,
		ProxyFailureThreshold: cfg.ProxyFailureThreshold,
	}
}

// loadRegistry returns the registry from the configured source. The pinger
// is non-nil when the registry comes from Postgres; release closes it.
func loadRegistry(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (reg *patient.Registry, pinger db.Pinger, release func(), err error) {
	release = func() {}
	switch {
	case cfg.RegistryDatabaseURL != "":
		pool, err := db.NewPool(ctx, cfg.RegistryDatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, release, err
		}
		reg, err = patient.LoadFromDB(ctx, pool, patient.DefaultTable)
		if err != nil {
			pool.Close()
			return nil, nil, release, err
		}
		logger.Info().Int("patients", reg.Len()).Msg("registry loaded from database")
		return reg, pool, pool.Close, nil
	case cfg.RegistryFile != "":
		reg, err = patient.LoadFile(cfg.RegistryFile)
		if err != nil {
			return nil, nil, release, err
		}
		logger.Info().Str("file", cfg.RegistryFile).Int("patients", reg.Len()).Msg("registry loaded")
	default:
		reg, err = patient.Default()
		if err != nil {
			return nil, nil, release, err
		}
		logger.Info().Int("patients", reg.Len()).Msg("sample registry loaded")
	}
	return reg, nil, release, nil
}

// server bundles the HTTP surface with the engine it drives.
type server struct {
	echo   *echo.Echo
	engine *bulkmatch.Engine
}

func newServer(cfg *config.Config, logger zerolog.Logger, reg *patient.Registry, store bulkmatch.Store, pinger db.Pinger) *server {
	secret := []byte(cfg.JWTSecret)
	registrar := auth.NewRegistrar(secret)
	tokens := auth.NewTokenService(registrar, auth.NewHTTPJWKSFetcher(jwksFetchTimeout), secret, auth.TokenConfig{
		DefaultLifetime: cfg.AccessTokenLifetime,
		MaxLifetime:     cfg.AccessTokenMaxLifetime,
	})

	engine := bulkmatch.NewEngine(store, matching.NewEngine(reg),
		bulkmatch.NewHTTPProxyMatcher(cfg.ProxyTimeout), engineConfig(cfg), logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Accept", "Prefer", "X-Request-ID", bulkmatch.HeaderSimulatedError, bulkmatch.HeaderFakeMatches, bulkmatch.HeaderDuplicates},
		ExposeHeaders: []string{"Content-Location", "Retry-After", "X-Progress", "Expires"},
	}))
	e.Use(telemetry.MetricsMiddleware())
	e.Use(middleware.RequestTimeout(requestTimeout, "/files/"))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":       "ok",
			"version":      version,
			"running_jobs": engine.Running(),
		})
	})
	if pinger != nil {
		e.GET("/health/db", db.HealthHandler(pinger))
	}
	e.GET("/metrics", echo.WrapHandler(telemetry.Handler()))

	authHandler := auth.NewHandler(registrar, tokens, cfg.BaseURL, logger)
	authHandler.RegisterRoutes(e)

	fhirGroup := e.Group("/fhir",
		middleware.RateLimit(rateLimitCfg),
		auth.BearerMiddleware(auth.BearerConfig{Tokens: tokens, Registrar: registrar}),
	)
	bulkmatch.NewHandler(engine, bulkmatch.HandlerConfig{
		BaseURL:      cfg.BaseURL,
		MaxResources: cfg.MaxResourcesPerRequest,
	}, logger).RegisterRoutes(fhirGroup)

	return &server{echo: e, engine: engine}
}

func runServer() error {
	// Config
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if cfg.IsDev() {
		logger.Warn().Msg("running in development mode; JWT_SECRET is random unless set and tokens do not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, pinger, release, err := loadRegistry(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("loading patient registry: %w", err)
	}
	defer release()

	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	srv := newServer(cfg, logger, reg, store, pinger)

	go srv.engine.RunSweeper(ctx, cfg.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("jobs_dir", cfg.JobsDir).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
