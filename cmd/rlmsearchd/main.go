// Command rlmsearchd is the process entrypoint for the search orchestrator:
// it loads config, constructs the retrieval and LM clients, and starts the
// SSE Gateway. Structurally grounded on the teacher's cmd/root.go cobra
// bootstrap (Execute, PersistentFlags, version subcommand) and cmd/gateway.go's
// runGateway (slog setup, config load, signal-driven graceful shutdown).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/rlmsearch/internal/config"
	"github.com/nextlevelbuilder/rlmsearch/internal/gateway"
	"github.com/nextlevelbuilder/rlmsearch/internal/llm"
	"github.com/nextlevelbuilder/rlmsearch/internal/retrieval"
	"github.com/nextlevelbuilder/rlmsearch/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=v1.0.0".
var version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "rlmsearchd",
	Short: "rlmsearchd — recursive language-model search orchestrator",
	Long:  "rlmsearchd runs the iteration driver, sandboxed tool interpreter, and SSE gateway that together drive one bounded research loop per search.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $RLM_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rlmsearchd %s\n", version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("RLM_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

func runServe() error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	stop, err := config.Watch(cfgPath, cfg, func(err error) {
		slog.Warn("config: reload failed", "error", err)
	})
	if err != nil {
		slog.Warn("config: hot-reload watcher unavailable", "error", err)
	} else {
		defer stop()
	}

	snap := cfg.Snapshot()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, snap.Telemetry)
	if err != nil {
		slog.Warn("telemetry: tracer init failed, continuing without export", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				slog.Warn("telemetry: shutdown failed", "error", err)
			}
		}()
	}

	retr := retrieval.New(snap.Retrieval.APIURL, snap.Retrieval.APIKey, snap.Retrieval.Timeout)

	client, err := buildLLMClient(snap.LLM)
	if err != nil {
		return fmt.Errorf("build LM client: %w", err)
	}

	srv := gateway.NewServer(cfg, retr, client)

	slog.Info("rlmsearchd starting", "backend", snap.LLM.Backend, "model", snap.LLM.Model)
	return srv.Start(ctx)
}

// buildLLMClient selects the LM callable adapter per RLM_BACKEND, exactly
// spec.md §6's backend selector generalized to the two real Go SDKs this
// module wires (see SPEC_FULL.md §6 and DESIGN.md).
func buildLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Backend {
	case "openai":
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.Model,
		})
	case "anthropic", "":
		return llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:   cfg.AnthropicAPIKey,
			BaseURL:  cfg.AnthropicBaseURL,
			Model:    cfg.Model,
			SubModel: cfg.SubModel,
		})
	default:
		return nil, fmt.Errorf("unrecognized RLM_BACKEND %q", cfg.Backend)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
