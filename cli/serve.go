package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/arbor-labs/arborflow/bus"
	"github.com/arbor-labs/arborflow/engine"
	arborotel "github.com/arbor-labs/arborflow/otel"
	"github.com/arbor-labs/arborflow/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the workflow HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().String("addr", envDefault("ARBORFLOW_ADDR", ":8080"), "Listen address (env ARBORFLOW_ADDR)")
	cmd.Flags().String("db", os.Getenv("ARBORFLOW_DB"), "SQLite path for run events (env ARBORFLOW_DB; empty keeps events in memory)")
	cmd.Flags().Bool("otel", false, "Export traces and metrics over OTLP HTTP")
	cmd.Flags().String("otel-endpoint", "", "OTLP collector endpoint as host:port (default: standard OTEL_* env vars)")
	cmd.Flags().Bool("otel-insecure", false, "Disable TLS on OTLP exporter connections")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Int("max-steps", 0, "Default step ceiling for runs (0 uses the engine default)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 = none; event streams are long-lived)")
	cmd.Flags().Duration("schedule-poll", 5*time.Second, "Schedule poll interval")
	cmd.Flags().StringArray("provider-key", nil, "Set provider API key (repeatable)")
	addEvaluatorFlag(cmd)

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	dbPath, _ := cmd.Flags().GetString("db")
	otelOn, _ := cmd.Flags().GetBool("otel")
	otelEndpoint, _ := cmd.Flags().GetString("otel-endpoint")
	otelInsecure, _ := cmd.Flags().GetBool("otel-insecure")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	maxSteps, _ := cmd.Flags().GetInt("max-steps")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	schedulePoll, _ := cmd.Flags().GetDuration("schedule-poll")

	eval, err := conditionEngine(cmd)
	if err != nil {
		return err
	}

	providers, err := resolveRunProviders(cmd)
	if err != nil {
		return err
	}

	logger := slog.Default()
	executor := buildExecutor(providers, logger)

	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer func() {
		_ = eb.Close()
	}()

	var events bus.EventStore
	if dbPath != "" {
		es, err := bus.NewSQLiteStore(bus.SQLiteStoreConfig{DSN: dbPath})
		if err != nil {
			return fmt.Errorf("opening sqlite event store: %w", err)
		}
		defer func() {
			_ = es.Close()
		}()
		events = es
	} else {
		events = bus.NewMemStore(bus.MemStoreConfig{})
	}

	var runEvents engine.EventHandler
	var decorator engine.EventEmitterDecorator
	if otelOn {
		shutdown, err := arborotel.Setup(cmd.Context(), arborotel.SetupConfig{
			Endpoint: otelEndpoint,
			Insecure: otelInsecure,
		})
		if err != nil {
			return fmt.Errorf("initializing otel export: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()

		tracing := arborotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer("arborflow/engine"))
		metrics, err := arborotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("arborflow/engine"))
		if err != nil {
			return fmt.Errorf("initializing otel metrics: %w", err)
		}
		runEvents = engine.MultiEventHandler(tracing.Handle, metrics.Handle)
		decorator = arborotel.Decorator(tracing)
	}

	srv := server.NewServer(server.ServerConfig{
		Bus:           eb,
		Events:        events,
		Evaluator:     eval,
		Executor:      executor,
		RunEvents:     runEvents,
		EmitDecorator: decorator,
		Providers:     providers,
		MaxSteps:      maxSteps,
		CORSOrigin:    corsOrigin,
		MaxBody:       maxBody,
		Logger:        logger,
	})
	defer srv.Close()

	scheduler, err := server.NewScheduler(server.SchedulerConfig{
		Server:       srv,
		PollInterval: schedulePoll,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = scheduler.Stop(stopCtx)
	}()

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "arborflow listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// envDefault returns the environment value for key, or fallback when
// unset.
func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
