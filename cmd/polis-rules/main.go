// Package main is the entry point for the polis-rules binary.
// It serves rule executions over HTTP and can evaluate a single rule offline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-rules/pkg/config"
	"github.com/polisai/polis-rules/pkg/domain"
	"github.com/polisai/polis-rules/pkg/engine"
	"github.com/polisai/polis-rules/pkg/logging"
	"github.com/polisai/polis-rules/pkg/policy"
	"github.com/polisai/polis-rules/pkg/storage"
	"github.com/polisai/polis-rules/pkg/telemetry"
)

const (
	serviceName              = "polis-rules"
	telemetryShutdownTimeout = 5 * time.Second
	gracefulShutdownTimeout  = 10 * time.Second
	minWriteTimeout          = 30 * time.Second

	// writeTimeoutGrace leaves room to write the timeout response once the
	// evaluation deadline has fired.
	writeTimeoutGrace = 5 * time.Second
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command. Without a subcommand it serves.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "HTTP execution front-end for decision documents",
		Long: `Serves decision documents from a rules folder over HTTP.

Configuration is read from the environment (server_addr and rules_folder are
required), optionally seeded from a .env file.

Example:
  server_addr=127.0.0.1:8080 rules_folder=./rules polis-rules
  curl -d '{"age": 20}' 'http://127.0.0.1:8080/execute_rule?rule=adult.rego'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	rootCmd.PersistentFlags().String("env-file", "", "Path to a dotenv file (default: .env when present)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Enable pretty console logging")

	rootCmd.AddCommand(newServeCmd(), newEvalCmd(), newVersionCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func newEvalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate one rule against a context document and print the decision",
		Args:  cobra.NoArgs,
		RunE:  runEval,
	}
	cmd.Flags().String("rules-folder", "", "Rules folder (default: $rules_folder)")
	cmd.Flags().String("rule", domain.DefaultRule, "Rule reference relative to the rules folder")
	cmd.Flags().String("context", "-", "Context document file, or - for stdin")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// loadServeConfig seeds the environment, loads the configuration and applies
// flag overrides.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return nil, fmt.Errorf("failed to get env-file flag: %w", err)
	}
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := applyLoggingFlags(cmd, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyLoggingFlags(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("log-level") {
		level, err := cmd.Flags().GetString("log-level")
		if err != nil {
			return fmt.Errorf("failed to get log-level flag: %w", err)
		}
		cfg.Logging.Level = level
		if err := cfg.Logging.Validate(); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("pretty") {
		pretty, err := cmd.Flags().GetBool("pretty")
		if err != nil {
			return fmt.Errorf("failed to get pretty flag: %w", err)
		}
		cfg.Logging.Pretty = pretty
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger, nil)
}

// components bundles the long-lived objects shared by every request.
type components struct {
	loader   *storage.FilesystemLoader
	engine   *policy.Engine
	executor *engine.Executor
	metrics  *engine.Metrics
	watcher  *storage.RuleWatcher
}

func buildComponents(cfg *config.Config, logger *slog.Logger, withMetrics bool) (*components, error) {
	c := &components{}
	if withMetrics {
		c.metrics = engine.NewMetrics()
	}

	opts := storage.FilesystemLoaderOptions{
		Root:         cfg.Rules.Folder,
		KeepInMemory: cfg.Rules.KeepInMemory,
		Logger:       logger,
	}
	if c.metrics != nil {
		opts.Observer = c.metrics
	}
	loader, err := storage.NewFilesystemLoader(opts)
	if err != nil {
		return nil, fmt.Errorf("rule store initialization failed: %w", err)
	}
	c.loader = loader

	c.engine = policy.NewEngine(policy.EngineOptions{Logger: logger})
	c.executor = engine.NewExecutor(engine.ExecutorConfig{
		Locator:     loader,
		Evaluator:   c.engine,
		EvalTimeout: cfg.Rules.EvalTimeout,
		Logger:      logger,
	})

	if cfg.Rules.KeepInMemory && cfg.Rules.Watch {
		watcher, err := storage.NewRuleWatcher(loader, logger)
		if err != nil {
			return nil, fmt.Errorf("rule watcher initialization failed: %w", err)
		}
		watcher.OnChange(func(refs []string) {
			c.engine.Forget(refs...)
		})
		if c.metrics != nil {
			watcher.OnChange(c.metrics.RecordInvalidations)
		}
		c.watcher = watcher
	}

	return c, nil
}

// serve runs the HTTP server until ctx is canceled. ready, when set, receives
// the bound address once the listener is open.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ready func(net.Addr)) error {
	telemetryShutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		Headers:        cfg.Telemetry.Headers,
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer shutdownTelemetry(telemetryShutdown, logger)

	c, err := buildComponents(cfg, logger, true)
	if err != nil {
		return err
	}
	if c.watcher != nil {
		defer func() {
			if err := c.watcher.Close(); err != nil {
				logger.Error("Failed to close rule watcher", "error", err)
			}
		}()
		go c.watcher.Run(ctx)
	}

	handler := engine.NewHandler(engine.HandlerConfig{
		Executor:     c.executor,
		Metrics:      c.metrics,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	server := &http.Server{
		Handler:      otelhttp.NewHandler(handler, "polis.rules"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout(cfg.Rules.EvalTimeout),
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to bind listener on %s: %w", cfg.Server.Address, err)
	}

	logger.Info("Server listening",
		"addr", listener.Addr().String(),
		"rules_folder", c.loader.Root(),
		"keep_in_memory", c.loader.KeepInMemory(),
		"watch_rules", c.watcher != nil,
		"version", version,
	)
	if ready != nil {
		ready(listener.Addr())
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// writeTimeout outlasts the evaluation deadline so a 504 body still reaches the
// client. Without an evaluation deadline writes are not bounded either.
func writeTimeout(evalTimeout time.Duration) time.Duration {
	if evalTimeout <= 0 {
		return 0
	}
	return max(minWriteTimeout, evalTimeout+writeTimeoutGrace)
}

func shutdownTelemetry(shutdown func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("Telemetry shutdown error", "error", err)
	}
}

func runEval(cmd *cobra.Command, _ []string) error {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return fmt.Errorf("failed to get env-file flag: %w", err)
	}
	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}

	folder, err := cmd.Flags().GetString("rules-folder")
	if err != nil {
		return fmt.Errorf("failed to get rules-folder flag: %w", err)
	}
	rule, err := cmd.Flags().GetString("rule")
	if err != nil {
		return fmt.Errorf("failed to get rule flag: %w", err)
	}
	contextPath, err := cmd.Flags().GetString("context")
	if err != nil {
		return fmt.Errorf("failed to get context flag: %w", err)
	}

	cfg, err := config.LoadRules(folder)
	if err != nil {
		return err
	}
	if err := applyLoggingFlags(cmd, cfg); err != nil {
		return err
	}
	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: true,
		Output: cmd.ErrOrStderr(),
	})

	body, err := readContext(cmd.InOrStdin(), contextPath)
	if err != nil {
		return err
	}

	c, err := buildComponents(cfg, logger, false)
	if err != nil {
		return err
	}

	result, err := c.executor.Execute(cmd.Context(), engine.Request{Rule: rule, Body: body})
	if err != nil {
		return fmt.Errorf("%s: %w", domain.KindOf(err), err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result.Payload)
}

func readContext(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read context from stdin: %w", err)
		}
		return data, nil
	}
	// #nosec G304 -- path is an operator-supplied flag
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read context file: %w", err)
	}
	return data, nil
}
