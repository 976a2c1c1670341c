package main

import (
	"context"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medxfer/medxfer/internal/config"
	"github.com/medxfer/medxfer/internal/domain/auditlog"
	"github.com/medxfer/medxfer/internal/domain/hospital"
	"github.com/medxfer/medxfer/internal/domain/mailbox"
	"github.com/medxfer/medxfer/internal/domain/record"
	"github.com/medxfer/medxfer/internal/domain/transfer"
	"github.com/medxfer/medxfer/internal/platform/auth"
	"github.com/medxfer/medxfer/internal/platform/custody"
	"github.com/medxfer/medxfer/internal/platform/db"
	"github.com/medxfer/medxfer/internal/platform/hipaa"
	"github.com/medxfer/medxfer/internal/platform/kms"
	"github.com/medxfer/medxfer/internal/platform/middleware"
	"github.com/medxfer/medxfer/internal/platform/qkd"
	"github.com/medxfer/medxfer/internal/platform/telemetry"
	"github.com/medxfer/medxfer/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medxfer-server",
		Short: "Inter-hospital medical record transfer service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(hospitalCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the transfer API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// openPool loads the config and connects. Callers close the pool.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ConnectAttempts: cfg.DBConnectAttempts,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetInt("to")

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			var count int
			if target > 0 {
				count, err = migrator.UpTo(ctx, target)
			} else {
				count, err = migrator.Up(ctx)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this migration version (0 applies all)")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func hospitalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hospital",
		Short: "Manage the hospital registry",
	}

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register a hospital",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			h, err := hospital.NewService(hospital.NewRepoPG(pool)).Register(ctx, name)
			if err != nil {
				return fmt.Errorf("register hospital: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s) as %s\n", h.Name, h.Slug, h.ID)
			return nil
		},
	}
	registerCmd.Flags().String("name", "", "Display name of the hospital")
	cmd.AddCommand(registerCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered hospitals",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			hs, err := hospital.NewService(hospital.NewRepoPG(pool)).List(ctx)
			if err != nil {
				return err
			}
			printHospitals(cmd.OutOrStdout(), hs)
			return nil
		},
	})

	return cmd
}

func printHospitals(w io.Writer, hs []*hospital.Hospital) {
	fmt.Fprintf(w, "%-36s %-30s %s\n", "ID", "SLUG", "NAME")
	for _, h := range hs {
		fmt.Fprintf(w, "%-36s %-30s %s\n", h.ID, h.Slug, h.Name)
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Operator token utilities",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token for a doctor or government user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			username, _ := cmd.Flags().GetString("username")
			hosp, _ := cmd.Flags().GetString("hospital")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY must be set to issue tokens")
			}
			if err := validRoles(roles); err != nil {
				return err
			}

			token, err := auth.IssueToken(auth.TokenRequest{
				Principal: auth.Principal{UserID: user, Username: username, Hospital: hosp, Roles: roles},
				Issuer:    cfg.AuthIssuer,
				Audience:  cfg.AuthAudience,
				TTL:       ttl,
			}, []byte(cfg.AuthSigningKey))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issueCmd.Flags().String("user", "", "Subject (user id)")
	issueCmd.Flags().String("username", "", "Display name")
	issueCmd.Flags().String("hospital", "", "Hospital name as registered")
	issueCmd.Flags().StringSlice("role", []string{auth.RoleDoctor}, "Role, repeatable (doctor, government)")
	issueCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	cmd.AddCommand(issueCmd)

	return cmd
}

func validRoles(roles []string) error {
	if len(roles) == 0 {
		return fmt.Errorf("at least one --role is required")
	}
	for _, r := range roles {
		if r != auth.RoleDoctor && r != auth.RoleGovernment {
			return fmt.Errorf("unknown role %q", r)
		}
	}
	return nil
}

// resolveSigningKey returns the configured token signing key. Development
// servers without one get a random key; the second return value reports that.
func resolveSigningKey(cfg *config.Config) ([]byte, bool, error) {
	if cfg.AuthSigningKey != "" {
		return []byte(cfg.AuthSigningKey), false, nil
	}
	if !cfg.IsDev() {
		return nil, false, errors.New("AUTH_SIGNING_KEY is required")
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("failed to generate random signing key: %w", err)
	}
	return key, true, nil
}

// newKeyWrapper builds the wrapper protecting custody entries. A local KEK
// is generated when none is configured, which only Validate permits outside
// production.
func newKeyWrapper(cfg *config.Config) (kms.KeyWrapper, bool, error) {
	switch cfg.KMSProvider {
	case "vault":
		w, err := kms.NewVaultTransit(cfg.VaultAddr, cfg.VaultToken, cfg.VaultTransitKey)
		return w, false, err
	case "local":
		generated := false
		var kek []byte
		if cfg.CustodyKEK != "" {
			decoded, err := config.DecodeKEK(cfg.CustodyKEK)
			if err != nil {
				return nil, false, fmt.Errorf("CUSTODY_KEK: %w", err)
			}
			kek = decoded
		} else {
			kek = make([]byte, hipaa.KeySize)
			if _, err := crypto_rand.Read(kek); err != nil {
				return nil, false, fmt.Errorf("generate custody kek: %w", err)
			}
			generated = true
		}
		w, err := kms.NewLocal(kek)
		return w, generated, err
	default:
		return nil, false, fmt.Errorf("unknown KMS_PROVIDER %q", cfg.KMSProvider)
	}
}

func qkdConfig(cfg *config.Config) qkd.Config {
	qc := qkd.DefaultConfig()
	if cfg.QKDRawBits > 0 {
		qc.RawBits = cfg.QKDRawBits
	}
	if cfg.QKDQBERThreshold > 0 {
		qc.QBERThreshold = cfg.QKDQBERThreshold
	}
	if cfg.QKDMaxAttempts > 0 {
		qc.MaxAttempts = cfg.QKDMaxAttempts
	}
	qc.EavesdropRate = cfg.QKDEavesdropRate
	return qc
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 {
		return middleware.DefaultRateLimitConfig()
	}
	return rl
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger = newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	signingKey, generated, err := resolveSigningKey(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve signing key")
	}
	if generated {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set, using a random key; issued tokens will not survive a restart")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ConnectAttempts: cfg.DBConnectAttempts,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Key custody
	wrapper, kekGenerated, err := newKeyWrapper(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure key wrapping")
	}
	if kekGenerated {
		logger.Warn().Msg("CUSTODY_KEK not set, using an ephemeral key; held transmission keys are lost on restart")
	}
	keys, err := custody.Open(cfg.CustodyPath, wrapper)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.CustodyPath).Msg("failed to open key custody store")
	}
	defer keys.Close()
	logger.Info().Str("provider", cfg.KMSProvider).Str("path", cfg.CustodyPath).Msg("key custody ready")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(reg)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RateLimit(rateLimitConfig(cfg)))
	e.Use(auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: signingKey,
		Skipper:    auth.AuthSkipper,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", telemetry.Handler(reg))

	apiV1 := e.Group("/api/v1")

	cipher := hipaa.NewAESGCM()
	hospitalSvc := hospital.NewService(hospital.NewRepoPG(pool))
	recordSvc := record.NewService(record.NewRepoPG(pool), cipher)

	qc := qkdConfig(cfg)
	transferSvc := transfer.NewService(transfer.Deps{
		Records:   recordSvc,
		Mailbox:   mailbox.NewRepoPG(pool),
		Ledger:    auditlog.NewRepoPG(pool),
		Hospitals: hospitalSvc,
		Exchange:  qkd.New(qc),
		Cipher:    cipher,
		Custody:   keys,
		Tx:        db.NewTransactor(pool),
		Metrics:   metrics,
		Logger:    logger.With().Str("component", "transfer").Logger(),
	})
	logger.Info().
		Int("raw_bits", qc.RawBits).
		Float64("qber_threshold", qc.QBERThreshold).
		Float64("eavesdrop_rate", qc.EavesdropRate).
		Msg("key exchange configured")

	hospital.NewHandler(hospitalSvc).RegisterRoutes(apiV1)
	record.NewHandler(recordSvc, hospitalSvc, logger).RegisterRoutes(apiV1)
	transfer.NewHandler(transferSvc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
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
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
