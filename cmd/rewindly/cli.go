package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"cdr.dev/slog/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rewindly/agent/internal/errors"
	"github.com/rewindly/agent/internal/mcp"
	"github.com/rewindly/agent/internal/ops"
	"github.com/rewindly/agent/internal/tracker"
	"github.com/rewindly/agent/internal/web"
)

// stdout is where command output goes; tests replace it.
var stdout io.Writer = os.Stdout

// deps returns the operation dependencies. presence is nil when no recorder
// runs in this process.
func (rt *runtime) deps(presence ops.Presence) ops.Deps {
	return ops.Deps{
		Queue:    rt.queue,
		Agent:    rt.agent,
		Clock:    rt.clock,
		Logger:   rt.logger,
		Presence: presence,
	}
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(rt *runtime) *cli.App {
	app := &cli.App{
		Name:    "rewindly",
		Usage:   "Browsing activity recorder and sync agent",
		Version: Version,
		Commands: []*cli.Command{
			runCmd(rt),
			mcpCmd(rt),
			syncCmd(rt),
			statsCmd(rt),
			recentCmd(rt),
			clearCmd(rt),
			reportCmd(rt),
			toolsCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// runCmd starts the recorder's HTTP endpoint and the periodic sync agent.
func runCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the agent: local event endpoint plus background sync",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			recorder := tracker.New(rt.queue, nil, rt.clock, rt.logger.Named("tracker"))
			srv, err := web.NewServer(rt.deps(recorder), recorder, rt.cfg, Version)
			if err != nil {
				return outputError(err)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return web.Run(gctx, srv, rt.logger.Named("web"))
			})
			g.Go(func() error {
				return rt.agent.Run(gctx)
			})

			err = g.Wait()

			// close out whatever was being tracked so it is not lost
			if herr := recorder.Handle(context.Background(), tracker.Shutdown{}); herr != nil {
				rt.logger.Error(context.Background(), "failed to save current activity", slog.Error(herr))
			}
			if err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// mcpCmd serves the command surface over stdio. Without a recorder in this
// process, stats report the user as inactive.
func mcpCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the MCP tools over stdio",
		Action: func(c *cli.Context) error {
			if err := mcp.Run(rt.deps(nil), rt.cfg, Version); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

func syncCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Upload queued activities now",
		Action: func(c *cli.Context) error {
			out := ops.SyncNow(c.Context, rt.deps(nil))
			if err := outputJSON(out); err != nil {
				return err
			}
			if !out.Success && !out.Skipped {
				return cli.Exit("sync failed: "+out.Error, 1)
			}
			return nil
		},
	}
}

func statsCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show today's totals and sync status",
		Action: func(c *cli.Context) error {
			out, err := ops.Stats(c.Context, rt.deps(nil))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(out)
		},
	}
}

func recentCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "recent",
		Usage: "List the most recent queued activities",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: ops.DefaultRecentLimit, Usage: "Max activities to show"},
		},
		Action: func(c *cli.Context) error {
			limit := c.Int("limit")
			if limit < 0 {
				return outputError(errors.NewInvalidRequest("limit must not be negative"))
			}
			out, err := ops.Recent(c.Context, rt.deps(nil), ops.RecentInput{Limit: limit})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(out)
		},
	}
}

func clearCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "Delete all queued activities and reset sync state",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Confirm deletion"},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("yes") {
				return outputError(errors.NewInvalidRequest("refusing to clear data without --yes"))
			}
			out, err := ops.Clear(c.Context, rt.deps(nil))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(out)
		},
	}
}

func reportCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Print today's activity digest as markdown",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Output JSON instead of markdown"},
		},
		Action: func(c *cli.Context) error {
			out, err := ops.Report(c.Context, rt.deps(nil))
			if err != nil {
				return outputError(err)
			}
			if c.Bool("json") {
				return outputJSON(out)
			}
			_, err = fmt.Fprint(stdout, out.Markdown)
			return err
		},
	}
}

func toolsCmd() *cli.Command {
	return &cli.Command{
		Name:  "tools",
		Usage: "List MCP tool names (for disabled_tools)",
		Action: func(c *cli.Context) error {
			return outputJSON(mcp.AllToolNames())
		},
	}
}

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var rErr *errors.RewindError
	if stderrors.As(err, &rErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", rErr.Code, rErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}
