// Seologyd is the conversational SEO assistant service.
//
// It exposes an SSE chat API backed by an LLM with site-analysis
// tools, meters usage with per-account credits, and authenticates
// callers with bearer API tokens. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	seologyd serve                         Start the API server
//	seologyd provision <email> [plan]      Create an account and print its API token
//	seologyd topup <user-id> <credits>     Grant purchased credits
//	seologyd version                       Print version and build information
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/anyrxo/seology/internal/account"
	"github.com/anyrxo/seology/internal/analysis"
	"github.com/anyrxo/seology/internal/api"
	"github.com/anyrxo/seology/internal/auth"
	"github.com/anyrxo/seology/internal/buildinfo"
	"github.com/anyrxo/seology/internal/config"
	"github.com/anyrxo/seology/internal/credits"
	"github.com/anyrxo/seology/internal/llm"
	"github.com/anyrxo/seology/internal/orchestrator"
	"github.com/anyrxo/seology/internal/quality"
	"github.com/anyrxo/seology/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level
// environment and delegates to [run], keeping os.Exit and os.Args out
// of the application logic so the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's global state gets in the way of calling run concurrently
// from tests, and the argument surface here is tiny.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "provision":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: seologyd provision <email> [plan] [monthly-credits]")
		}
		return runProvision(ctx, stdout, configPath, cmdArgs)
	case "topup":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: seologyd topup <user-id> <credits>")
		}
		return runTopup(ctx, stdout, configPath, cmdArgs)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
			if v, ok := buildinfo.Info()[k]; ok {
				fmt.Fprintf(stdout, "  %-12s %s\n", k+":", v)
			}
		}
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "seologyd - conversational SEO assistant service")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: seologyd [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                       Start the API server")
	fmt.Fprintln(w, "  provision <email> [plan]    Create an account and print its API token")
	fmt.Fprintln(w, "  topup <user-id> <credits>   Grant purchased credits")
	fmt.Fprintln(w, "  version                     Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	return nil
}

// stores bundles the SQLite-backed state opened under the data dir.
type stores struct {
	tokens   *auth.Store
	accounts *account.Store
	ledger   *credits.Ledger
}

func openStores(dataDir string) (*stores, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}

	tokens, err := auth.NewStore(filepath.Join(dataDir, "auth.db"))
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}
	accounts, err := account.NewStore(filepath.Join(dataDir, "accounts.db"))
	if err != nil {
		tokens.Close()
		return nil, fmt.Errorf("open account store: %w", err)
	}
	ledger, err := credits.NewLedger(filepath.Join(dataDir, "credits.db"))
	if err != nil {
		tokens.Close()
		accounts.Close()
		return nil, fmt.Errorf("open credit ledger: %w", err)
	}

	return &stores{tokens: tokens, accounts: accounts, ledger: ledger}, nil
}

func (s *stores) Close() {
	s.ledger.Close()
	s.accounts.Close()
	s.tokens.Close()
}

// planAllotments maps plan names to monthly credit allotments used at
// provisioning time. The ledger itself is plan-agnostic.
var planAllotments = map[string]int{
	"starter": 50,
	"growth":  250,
	"scale":   1000,
}

// runProvision creates an account with a credit balance and prints a
// fresh API token. The token secret is shown exactly once.
func runProvision(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	email := args[0]
	plan := "starter"
	if len(args) > 1 {
		plan = args[1]
	}
	allotment, ok := planAllotments[plan]
	if !ok {
		return fmt.Errorf("unknown plan %q (expected starter, growth, or scale)", plan)
	}
	if len(args) > 2 {
		allotment, err = strconv.Atoi(args[2])
		if err != nil || allotment < 0 {
			return fmt.Errorf("invalid monthly credit count %q", args[2])
		}
	}

	st, err := openStores(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	userID, err := st.accounts.CreateUser(ctx, "", email, plan, "approve")
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	if err := st.ledger.EnsureBalance(ctx, userID, allotment, false); err != nil {
		return err
	}
	token, err := st.tokens.IssueToken(ctx, userID)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "user_id: %s\n", userID)
	fmt.Fprintf(stdout, "plan: %s (%d credits/month)\n", plan, allotment)
	fmt.Fprintf(stdout, "api_token: %s\n", token)
	return nil
}

// runTopup grants purchased credits to an existing account.
func runTopup(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	n, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid credit count %q", args[1])
	}

	st, err := openStores(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ledger.AddPurchased(ctx, args[0], n); err != nil {
		return err
	}
	balance, err := st.ledger.Balance(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "user %s now has %d credits available\n", args[0], balance.TotalAvailable())
	return nil
}

// runServe is the primary operating mode: load config, open stores,
// wire the tool catalogue and orchestrator, start the API server, and
// block until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting seologyd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Anthropic.Model,
		"analysis_backend", cfg.Analysis.BaseURL,
	)

	if cfg.Anthropic.APIKey == "" {
		return errors.New("anthropic.api_key is required")
	}

	st, err := openStores(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("stores opened", "data_dir", cfg.DataDir)

	// --- Model client ---
	llmClient := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)

	// --- Tool catalogue ---
	// Every tool proxies to the site-analysis backend; the registry
	// validates the model's inputs before anything leaves the process.
	analysisClient := analysis.NewClient(cfg.Analysis.BaseURL, cfg.Analysis.APIKey, logger)
	registry := tools.NewRegistry(logger)
	if err := tools.RegisterAnalysisTools(registry, analysisClient); err != nil {
		return err
	}
	logger.Info("tool catalogue registered", "tools", len(registry.Specs()))

	// --- Turn orchestrator ---
	orch := orchestrator.New(
		llmClient,
		registry,
		quality.NewChecker(cfg.Chat.MinAnswerChars),
		logger,
		orchestrator.Options{
			Model:         cfg.Anthropic.Model,
			HistoryWindow: cfg.Chat.HistoryWindow,
			PhaseTimeout:  time.Duration(cfg.Chat.PhaseTimeoutSec) * time.Second,
			ToolTimeout:   time.Duration(cfg.Analysis.TimeoutSec) * time.Second,
		},
	)

	// --- API server ---
	server := api.NewServer(
		cfg.Listen.Address, cfg.Listen.Port,
		st.tokens, st.accounts, st.ledger,
		orch, cfg.Chat.MaxMessageChars, logger,
	)

	// Verify provider reachability without blocking startup on it.
	go func() {
		pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := llmClient.Ping(pingCtx); err != nil {
			logger.Warn("model provider unreachable at startup", "error", err)
		} else {
			logger.Info("model provider reachable", "model", cfg.Anthropic.Model)
		}
	}()

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("seologyd stopped")
	return nil
}

// newLogger creates a structured text logger writing to w. All log
// output goes through slog; this helper standardizes the handler
// configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
