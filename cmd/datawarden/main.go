// Package main provides the entry point for the DataWarden API server.
// DataWarden is a governed tool-dispatch layer that sits between an
// untrusted natural-language client and a trusted data warehouse, gating
// every tool invocation through policy, approval, and audit.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/datawarden/datawarden/internal/api"
	"github.com/datawarden/datawarden/internal/approval"
	"github.com/datawarden/datawarden/internal/audit"
	"github.com/datawarden/datawarden/internal/config"
	"github.com/datawarden/datawarden/internal/executor"
	"github.com/datawarden/datawarden/internal/orchestrator"
	"github.com/datawarden/datawarden/internal/policy"
	"github.com/datawarden/datawarden/internal/repository/postgres"
	"github.com/datawarden/datawarden/internal/telemetry"
	"github.com/datawarden/datawarden/pkg/opa"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "datawarden",
		Short: "Governed tool dispatch for data-analyst agents",
		Long: `DataWarden dispatches tool calls from a natural-language client against
a trusted data warehouse, deciding per call whether the invocation is
permitted, whether it needs human approval, and how inputs and outputs
must be transformed to stay compliant.

Features:
  • Five-layer policy engine (rbac, tables, columns, rows, approval) via OPA
  • SQL analysis with fail-closed over-approximation
  • Region predicate injection and column masking
  • Human-approval workflow with signed, time-bounded tokens
  • Immutable audit log written before every response`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	// Server command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the DataWarden API server",
		RunE:  runServer,
	}
	serveCmd.Flags().StringP("config", "c", "", "Path to configuration file")
	serveCmd.Flags().StringP("port", "p", "8080", "Port to listen on")
	serveCmd.Flags().Bool("debug", false, "Enable debug logging")

	// Validate command
	validateCmd := &cobra.Command{
		Use:   "validate [bundle-dir]",
		Short: "Compile-check a policy bundle directory",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runValidate,
	}

	// Sweep command
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed approval requests once and exit",
		RunE:  runSweep,
	}
	sweepCmd.Flags().StringP("config", "c", "", "Path to configuration file")

	rootCmd.AddCommand(serveCmd, validateCmd, sweepCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	configureLogging(debug)

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	port, _ := cmd.Flags().GetString("port")
	if port != "" {
		cfg.Server.Port = port
	}

	log.Info().
		Str("version", version).
		Str("port", cfg.Server.Port).
		Msg("Starting DataWarden server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	var tel *telemetry.Provider
	if cfg.OTEL.Enabled {
		tel, err = telemetry.NewProvider(telemetry.Config{
			ServiceName:    cfg.OTEL.ServiceName,
			ServiceVersion: version,
			OTLPEndpoint:   cfg.OTEL.Endpoint,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("telemetry shutdown error")
			}
		}()
	}

	// Database
	db, err := postgres.New(ctx, postgres.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: int32(cfg.Database.MaxConns),
	})
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	// Policy bundle
	policySvc, err := policy.NewService(ctx, cfg.Policy.BundlePath)
	if err != nil {
		return fmt.Errorf("policy bundle failed to load: %w", err)
	}
	if cfg.Policy.Watch && cfg.Policy.BundlePath != "" {
		go func() {
			if err := policySvc.Watch(ctx); err != nil {
				log.Error().Err(err).Msg("policy bundle watcher stopped")
			}
		}()
	}

	// Repositories
	identityRepo := postgres.NewIdentityRepository(db)
	approvalRepo := postgres.NewApprovalRepository(db)
	auditRepo := postgres.NewAuditRepository(db)
	docRepo := postgres.NewDocRepository(db)
	metricRepo := postgres.NewMetricRepository(db)

	// Core pipeline
	auditor := audit.NewWriter(auditRepo)
	exec := executor.New(db, docRepo, metricRepo, executor.Config{
		Timeout:          cfg.Executor.Timeout(),
		AcquireTimeout:   cfg.Executor.AcquireTimeout(),
		RowCap:           cfg.Executor.RowCap,
		PrivilegedRowCap: cfg.Executor.PrivilegedRowCap,
	})
	coordinator := approval.NewCoordinator(
		approvalRepo, identityRepo, auditor, policySvc, exec,
		[]byte(cfg.Approval.TokenSecret), cfg.Approval.TTL(),
	)
	orch := orchestrator.New(identityRepo, auditRepo, policySvc, exec, coordinator, auditor)

	go coordinator.RunSweeper(ctx, cfg.Approval.SweepInterval())

	deps := &api.RouterDeps{
		Handlers:  api.NewHandlers(orch, coordinator, approvalRepo, identityRepo, tel),
		Telemetry: tel,
		Ready: map[string]func() bool{
			"database":      func() bool { return db.Health(context.Background()) == nil },
			"policy_engine": policySvc.Ready,
		},
	}
	router := api.NewRouter(cfg, deps)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()

		log.Info().Msg("Shutting down server...")
		if deps.StopRateLimiter != nil {
			deps.StopRateLimiter()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("Server stopped")
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	configureLogging(false)

	for _, dir := range args {
		log.Info().Str("dir", dir).Msg("Validating policy bundle")
		if err := opa.Validate(cmd.Context(), dir); err != nil {
			return err
		}
		log.Info().Str("dir", dir).Msg("Policy bundle valid")
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	configureLogging(false)

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := cmd.Context()
	db, err := postgres.New(ctx, postgres.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: 2,
	})
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	auditor := audit.NewWriter(postgres.NewAuditRepository(db))
	coordinator := approval.NewCoordinator(
		postgres.NewApprovalRepository(db), postgres.NewIdentityRepository(db),
		auditor, nil, nil,
		[]byte(cfg.Approval.TokenSecret), cfg.Approval.TTL(),
	)

	n, err := coordinator.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	log.Info().Int("expired", n).Msg("Sweep complete")
	return nil
}

func configureLogging(debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
