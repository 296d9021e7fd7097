package main

import (
	"context"
	"errors"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"deskpilot/internal/browser"
	"deskpilot/internal/companion"
	"deskpilot/internal/config"
	"deskpilot/internal/diag"
	"deskpilot/internal/host"
	"deskpilot/internal/journal"
	mcpserver "deskpilot/internal/mcp"
	"deskpilot/internal/recorder"
	"deskpilot/internal/rules"
)

var (
	runSSEPort int
	runNoMCP   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach to the desktop and run both features",
	Long: "Connects to Chrome, picks the desktop tab, starts the hold alert and autofill loops " +
		"and serves the MCP control surface (stdio, or SSE plus REST with --sse-port).",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if runSSEPort != 0 {
			cfg.MCP.SSEPort = runSSEPort
		}
		return run(ctx, *cfg)
	},
}

func init() {
	runCmd.Flags().IntVar(&runSSEPort, "sse-port", 0, "serve MCP over SSE plus REST on this port (overrides mcp.sse_port)")
	runCmd.Flags().BoolVar(&runNoMCP, "no-mcp", false, "run the features without a control surface")
	rootCmd.AddCommand(runCmd)
}

func run(ctx context.Context, cfg config.Config) error {
	log := zap.L()

	pack, err := rules.Load(cfg.Rules.Path)
	if err != nil {
		return err
	}

	live := config.NewLive(cfg.Settings)
	if len(cfg.Files) > 0 {
		stopWatch, err := config.Watch(ctx, cfg.Files, live, log)
		if err != nil {
			return err
		}
		defer stopWatch()
	}

	engine, err := diag.NewEngine(cfg.Diag, log)
	if err != nil {
		return eris.Wrap(err, "diagnostics engine")
	}

	rec, err := recorder.New(cfg.Trace)
	if err != nil {
		return eris.Wrap(err, "trace recorder")
	}
	defer rec.Close()

	var hist *journal.Journal
	if cfg.Journal.Path != "" {
		hist, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer hist.Close()
	}

	mgr := browser.NewManager(cfg.Browser, log)
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Shutdown()

	page, err := mgr.DesktopPage(ctx)
	if err != nil {
		return err
	}

	// The banner's Ack binding is live before the companion exists.
	var acker atomic.Pointer[companion.Companion]
	banner, err := browser.NewBanner(page, func() {
		if c := acker.Load(); c != nil {
			c.Ack()
		}
	}, log)
	if err != nil {
		return err
	}
	defer banner.Close()

	comp, err := companion.New(companion.Options{
		Host:     host.NewRod(page),
		Banner:   banner,
		Live:     live,
		Pack:     pack,
		Diag:     engine,
		Recorder: rec,
		Journal:  hist,
		Log:      log,
	})
	if err != nil {
		return err
	}
	acker.Store(comp)
	if err := comp.Start(ctx); err != nil {
		return err
	}
	defer comp.Stop()
	log.Info("deskpilot running",
		zap.String("control_url", mgr.ControlURL()),
		zap.String("trace_run", rec.Run()),
		zap.String("workspace", wsDir))

	if runNoMCP {
		<-ctx.Done()
		return nil
	}

	server, err := mcpserver.NewServer(cfg, comp, engine, hist, log)
	if err != nil {
		return err
	}
	if cfg.MCP.SSEPort > 0 {
		err = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		err = server.Start(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return eris.Wrap(err, "mcp server")
	}
	return nil
}
