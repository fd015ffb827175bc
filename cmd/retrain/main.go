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

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"model-retrain-service/internal/adapters/primary/http/handlers"
	"model-retrain-service/internal/adapters/primary/http/middleware"
	"model-retrain-service/internal/adapters/secondary/filesystem"
	"model-retrain-service/internal/adapters/secondary/mlflow"
	"model-retrain-service/internal/adapters/secondary/postgres"
	"model-retrain-service/internal/config"
	ports "model-retrain-service/internal/core/ports/output"
	"model-retrain-service/internal/core/services"
	"model-retrain-service/internal/features"
	"model-retrain-service/internal/observability/metrics"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "retrain",
		Short:         "Monthly retrain, evaluate and promote loop for the bike-share membership classifier",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"project YAML (defaults to $RETRAIN_CONFIG or "+config.DefaultProjectConfig+")")

	rootCmd.AddCommand(
		runCommand(&configPath),
		registerBestCommand(&configPath),
		serveCommand(&configPath),
	)
	return rootCmd
}

func runCommand(configPath *string) *cobra.Command {
	var (
		year      int
		month     int
		threshold float64
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Retrain on one month of trips and promote the challenger if it improves F1",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if !cmd.Flags().Changed("threshold") {
				threshold = a.cfg.Training.Threshold
			}
			decision, err := a.promotion.RetrainIfNeeded(cmd.Context(), year, month, threshold)
			if err != nil {
				return err
			}
			return printJSON(cmd, decision)
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "year of the trip data")
	cmd.Flags().IntVar(&month, "month", 0, "month of the trip data (1-12)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "minimum F1 improvement required to promote (default from RETRAIN_THRESHOLD)")
	_ = cmd.MarkFlagRequired("year")
	_ = cmd.MarkFlagRequired("month")
	return cmd
}

func registerBestCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "register-best",
		Short: "Register the best run of the experiment and point the alias at it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			reg, err := a.registration.RegisterBestModel(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, reg)
		},
	}
}

func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the retrain trigger API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve()
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type app struct {
	cfg          *config.Config
	registry     *prometheus.Registry
	promotion    *services.PromotionService
	registration *services.RegistrationService
	pool         *pgxpool.Pool
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	initLogger(cfg)

	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewRetrainMetrics(a.registry)
	if err != nil {
		return nil, err
	}

	// ============================================================================
	// Hexagonal Architecture Wiring
	// ============================================================================

	// Secondary Adapters
	var store ports.TrackingStore
	switch cfg.Tracking.Backend {
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.Tracking.Database)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate tracking schema: %w", err)
		}
		a.pool = pool
		store = postgres.NewTrackingStore(pool)
	default:
		store = mlflow.NewClient(&cfg.Tracking.MLflow)
		log.WithField("uri", cfg.Tracking.MLflow.URI).Info("Using MLflow tracking server")
	}
	source := filesystem.NewDatasetSource(&cfg.Data)

	// Core Services
	pipeline := features.NewPipeline(features.Options{
		MaxDurationMin: cfg.Features.MaxDurationMin,
		WidenInts:      cfg.Features.WidenInts,
	})
	experiments := services.NewExperimentService(store, source, pipeline, cfg.Training, cfg.Data.InterimDir)
	a.registration = services.NewRegistrationService(store, cfg.Project, recorder)
	a.promotion = services.NewPromotionService(store, experiments, a.registration, cfg.Project, recorder)

	return a, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) serve() error {
	h := handlers.New(a.promotion, a.registration, a.cfg.Training.Threshold, a.registry)

	router := gin.New()
	router.Use(middleware.RequestID(), middleware.Logging(), gin.Recovery())
	h.RegisterOps(router)
	h.RegisterRoutes(router.Group("/api/v1/retrain"))

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}
	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func initLogger(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Logger.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Logger.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
