package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/rewindly/agent/internal/config"
	"github.com/rewindly/agent/internal/db"
	"github.com/rewindly/agent/internal/errors"
	"github.com/rewindly/agent/internal/mcp"
	"github.com/rewindly/agent/internal/queue"
	"github.com/rewindly/agent/internal/syncer"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"run": true, "mcp": true, "sync": true, "stats": true, "recent": true,
	"clear": true, "report": true, "tools": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false // No args → MCP server
	}
	arg := os.Args[1]
	if cliCommands[arg] {
		return true
	}
	if arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" {
		return true
	}
	return false
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

func printBanner() {
	fmt.Println(`
  rewindly: browsing activity recorder and sync agent

  Usage: rewindly <command> [options]
         rewindly --help

  Run 'rewindly run' to start the agent for the browser extension.
  MCP server mode requires piped input.`)
}

func newLogger() slog.Logger {
	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if os.Getenv("REWINDLY_DEBUG") != "" {
		logger = logger.Leveled(slog.LevelDebug)
	}
	return logger
}

// clientID returns the installation id, creating it on first use.
func clientID(ctx context.Context, database *sql.DB) (string, error) {
	id, err := db.GetValue(ctx, database, db.KeyClientID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return "", err
	}
	id = uuid.NewString()
	if err := db.SetValue(ctx, database, db.KeyClientID, id); err != nil {
		return "", err
	}
	return id, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Handle --help/--version before DB init (no DB needed)
	if isHelpOrVersion() {
		app := newCLIApp(nil)
		if err := app.Run(os.Args); err != nil {
			fatal("%v", err)
		}
		return
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		fatal("could not determine home directory: %v", err)
	}
	baseDir := filepath.Join(homeDir, ".rewindly")

	database, err := db.Init(baseDir)
	if err != nil {
		fatal("failed to initialize database: %v", err)
	}
	defer database.Close()

	cfg, err := config.LoadWithOverlay(baseDir, os.Getenv("REWINDLY_CONFIG"))
	if err != nil {
		fatal("failed to load config: %v", err)
	}
	db.ConfigurePool(database, cfg)

	logger := newLogger()
	ctx := context.Background()

	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		logger.Warn(ctx, "unknown tools in disabled_tools", slog.F("tools", unknown))
	}

	id, err := clientID(ctx, database)
	if err != nil {
		fatal("failed to load client id: %v", err)
	}

	client := syncer.NewHTTPClient(cfg.APIURL, cfg.AuthToken, id, cfg.RequestTimeout.Std())
	rt := newRuntime(database, cfg, client, quartz.NewReal(), logger)
	defer rt.agent.Close()

	if err := rt.agent.Load(ctx); err != nil {
		fatal("failed to load sync state: %v", err)
	}

	if isCLIMode() {
		app := newCLIApp(rt)
		if err := app.Run(os.Args); err != nil {
			fatal("%v", err)
		}
		return
	}

	// Unknown argument + terminal → show error (don't start MCP server)
	if len(os.Args) >= 2 && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'rewindly --help' for usage.\n")
		os.Exit(1)
	}

	if err := mcp.Run(rt.deps(nil), cfg, Version); err != nil {
		fatal("%v", err)
	}
}

// runtime holds the long-lived components shared by every command.
type runtime struct {
	db     *sql.DB
	cfg    *config.Config
	clock  quartz.Clock
	logger slog.Logger
	queue  *queue.Queue
	agent  *syncer.Agent
}

func newRuntime(database *sql.DB, cfg *config.Config, client syncer.Client, clock quartz.Clock, logger slog.Logger) *runtime {
	q := queue.New(database)
	agent := syncer.New(q, database, client, syncer.Options{
		Interval: cfg.SyncInterval.Std(),
		Policy: syncer.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay.Std(),
		},
		// the lease outlives the longest collector request
		LeaseTTL: cfg.RequestTimeout.Std() + time.Minute,
		Clock:    clock,
		Logger:   logger.Named("syncer"),
	})
	return &runtime{
		db:     database,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		queue:  q,
		agent:  agent,
	}
}
