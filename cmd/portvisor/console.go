package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/benaskins/portvisor/internal/audit"
	"github.com/benaskins/portvisor/internal/browser"
	"github.com/benaskins/portvisor/internal/console"
	"github.com/benaskins/portvisor/internal/supervisor"
)

var consoleStartAll bool

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Run the supervisor with an interactive terminal console",
	Long:  "Run the supervisor in-process with a terminal console. Quitting the console stops every service.",
	RunE:  runConsole,
}

func init() {
	consoleCmd.Flags().BoolVar(&consoleStartAll, "start-all", false, "start every service when the console opens")
	rootCmd.AddCommand(consoleCmd)
}

func runConsole(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		return errors.New("console requires an interactive terminal; use \"portvisor daemon\" instead")
	}

	// The console owns the terminal, so logs go to a file.
	logFile := fileLog(cfg.LogPath(), "console.log")
	defer logFile.Close()
	format := cfg.LogFormat
	if format == "" {
		format = "json"
	}
	setupLogging(logFile, format)

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.watchRegistry(ctx)

	startupDone := make(chan struct{})
	startup := func() {
		defer close(startupDone)
		rt.preflight(ctx)
		if consoleStartAll || cfg.AutoStart {
			if err := rt.sup.StartAll(ctx); err != nil {
				slog.Warn("start-all finished with errors", "error", err)
			}
		}
	}

	runErr := console.Run(ctx, auditedController{Supervisor: rt.sup, log: rt.audit}, browser.Open, startup)

	// Stops still in flight from the console keep running on an uncancelled
	// context; StopAll waits for each before checking its service.
	cancel()
	<-startupDone
	if err := rt.sup.StopAll(context.Background()); err != nil {
		slog.Error("stopping services", "error", err)
	}
	return runErr
}

// auditedController records console actions to the audit log.
type auditedController struct {
	*supervisor.Supervisor
	log *audit.Logger
}

func (c auditedController) record(action audit.Action, id string, err error) {
	if err := c.log.Record("console", action, id, err); err != nil {
		slog.Warn("audit write failed", "error", err)
	}
}

func (c auditedController) Start(id string) error {
	err := c.Supervisor.Start(id)
	c.record(audit.ActionStart, id, err)
	return err
}

func (c auditedController) Stop(ctx context.Context, id string) error {
	err := c.Supervisor.Stop(ctx, id)
	c.record(audit.ActionStop, id, err)
	return err
}

func (c auditedController) StartAll(ctx context.Context) error {
	err := c.Supervisor.StartAll(ctx)
	c.record(audit.ActionStartAll, "", err)
	return err
}

func (c auditedController) StopAll(ctx context.Context) error {
	err := c.Supervisor.StopAll(ctx)
	c.record(audit.ActionStopAll, "", err)
	return err
}

func (c auditedController) RefreshAll() {
	c.Supervisor.RefreshAll()
	c.record(audit.ActionRefreshAll, "", nil)
}

func (c auditedController) OpenURL(id string) (string, error) {
	url, err := c.Supervisor.OpenURL(id)
	c.record(audit.ActionOpen, id, err)
	return url, err
}
