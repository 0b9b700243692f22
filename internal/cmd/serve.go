package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/cycjobs/internal/config"
	"github.com/3leaps/cycjobs/internal/observability"
	"github.com/3leaps/cycjobs/internal/server"
	"github.com/3leaps/cycjobs/internal/server/handlers"
	"github.com/3leaps/cycjobs/pkg/jobregistry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP job API",
	Long: `Serve the tool and job API over HTTP.

On startup every job recorded as running is reconciled against its process,
then a monitor polls running jobs until shutdown. Jobs themselves run
detached and keep running when the server stops.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
}

type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// jobStoreHealthChecker verifies the job store root is a writable directory.
type jobStoreHealthChecker struct {
	store *jobregistry.Store
}

func (c jobStoreHealthChecker) CheckHealth(context.Context) error {
	if c.store == nil {
		return errors.New("job store not initialized")
	}
	root := c.store.RootDir()
	st, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("job store: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("job store %s is not a directory", root)
	}
	f, err := os.CreateTemp(root, ".health-*")
	if err != nil {
		return fmt.Errorf("job store not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// registerHealthCheckers installs the checkers behind /health and
// /health/ready. With health checks disabled the probes only report liveness.
func registerHealthCheckers(health *handlers.HealthManager, cfg *config.Config, identity *config.AppIdentity, store *jobregistry.Store) {
	if !cfg.Health.Enabled {
		return
	}
	health.RegisterChecker("signals", signalHealthChecker{})
	health.RegisterChecker("identity", identityHealthChecker{
		binaryName: identity.BinaryName,
		envPrefix:  identity.EnvPrefix,
		configName: identity.ConfigName,
	})
	health.RegisterChecker("job_store", jobStoreHealthChecker{store: store})
	if cfg.Metrics.Enabled {
		health.RegisterChecker("telemetry", telemetryHealthChecker{})
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.GetConfig()
	if h, _ := cmd.Flags().GetString("host"); h != "" {
		cfg.Server.Host = h
	}
	if p, _ := cmd.Flags().GetInt("port"); p != 0 {
		cfg.Server.Port = p
	}

	identity := GetAppIdentity()
	if err := observability.InitServerLogger(identity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	logger := observability.CLILogger
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var observer jobregistry.Observer
	var metrics *observability.JobMetrics
	if cfg.Metrics.Enabled {
		metrics = observability.InitMetrics(identity.BinaryName, logger)
		observer = metrics
	}

	rt, err := newJobRuntime(ctx, observer)
	if err != nil {
		return err
	}
	defer rt.Close()

	registerHealthCheckers(handlers.InitHealthManager(versionInfo.Version), cfg, identity, rt.store)

	reconciled, err := rt.manager.ReconcileRunning(ctx)
	if err != nil {
		logger.Warn("Reconciling running jobs failed", zap.Error(err))
	} else if reconciled > 0 {
		logger.Info("Reconciled running jobs", zap.Int("finished", reconciled))
	}

	opts := []server.Option{
		server.WithToolService(rt.service),
		server.WithVersion(server.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithTimeouts(server.Timeouts{
			Read:  cfg.Server.ReadTimeout,
			Write: cfg.Server.WriteTimeout,
			Idle:  cfg.Server.IdleTimeout,
		}),
	}
	if metrics != nil {
		opts = append(opts, server.WithHTTPObserver(metrics))
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, server.WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	var metricsSrv *http.Server
	if metrics != nil || cfg.Debug.PprofEnabled {
		metricsSrv = newMetricsServer(cfg)
		go func() {
			logger.Info("Metrics server listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	go rt.manager.Monitor(ctx, cfg.Jobs.PollInterval, func(err error) {
		logger.Warn("Job monitor pass failed", zap.Error(err))
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening",
			zap.String("addr", srv.Addr()),
			zap.String("jobs_dir", rt.store.RootDir()),
			zap.String("version", versionInfo.Version))
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return exitError(foundry.ExitSignalInt, "Graceful shutdown failed", err)
	}
	logger.Info("Server stopped")
	return nil
}

// newMetricsServer serves /metrics and, when enabled, the pprof handlers
// on the metrics port.
func newMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	if observability.PrometheusExporter != nil {
		mux.Handle("/metrics", observability.PrometheusExporter)
	}
	if cfg.Debug.PprofEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Metrics.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
