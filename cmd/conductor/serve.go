package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/conductor/internal/config"
	"github.com/fentz26/conductor/internal/controlplane"
	"github.com/fentz26/conductor/internal/logging"
	"github.com/fentz26/conductor/internal/store"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath string
	listenAddr string
	dbPath     string
	inMemory   bool
	detach     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the conductor control plane",
	Long: `Starts the HTTP API together with the dispatch loop, the stuck run
detector and the agent watchdog. State is recovered from the database
before the API accepts spans.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", os.Getenv("CONDUCTOR_CONFIG"), "Path to YAML config file")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides server.listen)")
	serveCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides store.path)")
	serveCmd.Flags().BoolVar(&inMemory, "memory", false, "Keep all state in memory")
	serveCmd.Flags().BoolVar(&detach, "detach", false, "Start in the background and wait until healthy")
}

func runServe(cmd *cobra.Command, args []string) error {
	if detach {
		return startDetached(cmd)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}

	logger, err := logging.New(cfg.Log, "conductor")
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	var st *store.Store
	if !inMemory && cfg.Store.Path != "" {
		st, err = store.New(cfg.Store.Path)
		if err != nil {
			return err
		}
		logger.Info("store opened", zap.String("path", cfg.Store.Path))
	} else {
		logger.Warn("running without a store, state is lost on exit")
	}

	svc, err := controlplane.NewService(controlplane.Options{
		Config:  *cfg,
		Store:   st,
		Version: version,
		Logger:  logger,
	})
	if err != nil {
		if st != nil {
			st.Close()
		}
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("close service", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Recover(ctx); err != nil {
		return fmt.Errorf("recover state: %w", err)
	}

	server := controlplane.NewServer(svc, logger.Named("http"), cfg.Server.Listen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("shutdown complete")
	return err
}

// startDetached re-executes serve without --detach in a new session and
// waits for the API to report healthy.
func startDetached(cmd *cobra.Command) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	var args []string
	for _, a := range os.Args[1:] {
		if a != "--detach" && a != "--detach=true" {
			args = append(args, a)
		}
	}
	proc := exec.Command(exe, args...)
	configureDetached(proc)
	proc.Stdin, proc.Stdout, proc.Stderr = nil, nil, nil
	if err := proc.Start(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, "Waiting for conductor...")
	for i := 0; i < 20; i++ {
		if _, err := CheckHealth(); err == nil {
			fmt.Fprintf(out, " started (pid %d)\n", proc.Process.Pid)
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Fprint(out, ".")
	}
	fmt.Fprintln(out, " timeout")
	return fmt.Errorf("conductor started but API not reachable at %s", apiAddr)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the control plane health",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := CheckHealth()
		if h != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "ok=%t db=%s version=%s active_runs=%d time=%s\n", h.OK, h.DB, h.Version, h.ActiveRuns, h.Time)
		}
		return err
	},
}
