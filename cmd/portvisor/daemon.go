package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/benaskins/portvisor/internal/api"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the supervisor headless with its API",
	Long:  "Run the supervisor in the foreground and serve the operator API on a Unix socket. SIGINT or SIGTERM stops every service and exits.",
	RunE:  runDaemon,
}

var (
	apiAddr        string
	daemonStartAll bool
)

func init() {
	daemonCmd.Flags().StringVar(&apiAddr, "api-addr", "", "Optional TCP address for API (e.g. 127.0.0.1:9090)")
	daemonCmd.Flags().BoolVar(&daemonStartAll, "start-all", false, "start every service once the daemon is up")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	setupLogging(os.Stderr, cfg.LogFormat)
	if apiAddr == "" {
		apiAddr = cfg.APIAddr
	}

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	socketPath := cfg.SocketPath()
	// Remove stale socket
	os.Remove(socketPath)
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}

	srv := api.NewServer(ctx, rt.sup, rt.history, rt.metrics.Handler())
	srv.SetAudit(rt.audit)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenUnix(socketPath)
	}()

	if apiAddr != "" {
		go func() {
			if err := srv.ListenTCP(apiAddr); err != nil {
				slog.Error("TCP API error", "error", err)
			}
		}()
	}

	rt.preflight(ctx)
	rt.watchRegistry(ctx)

	startAllDone := make(chan struct{})
	if daemonStartAll || cfg.AutoStart {
		go func() {
			defer close(startAllDone)
			if err := rt.sup.StartAll(ctx); err != nil {
				slog.Warn("start-all finished with errors", "error", err)
			}
		}()
	} else {
		close(startAllDone)
	}

	slog.Info("portvisor daemon ready", "socket", socketPath)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("API server error", "error", err)
		}
	}

	// Let an in-flight start-all see the cancellation before stopping everything.
	cancel()
	<-startAllDone
	srv.Wait()
	if err := rt.sup.StopAll(context.Background()); err != nil {
		slog.Error("stopping services", "error", err)
	}
	srv.Shutdown(context.Background())
	os.Remove(socketPath)

	slog.Info("portvisor daemon stopped")
	return nil
}
