package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"conductor/internal/broadcast"
	"conductor/internal/bus"
	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/memory"
	"conductor/internal/metrics"
	"conductor/internal/orchestrator"
	"conductor/internal/prompt"
	"conductor/internal/registry"
	"conductor/internal/rl"
	"conductor/internal/server"
	"conductor/internal/task"
	"conductor/internal/workspace"
)

const shutdownGrace = 10 * time.Second

type serveFlags struct {
	configPath  string
	workspace   string
	listen      string
	logLevel    string
	autoApprove bool
	concurrency int
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "conductor",
		Short:         "Multi-agent task orchestrator",
		Long:          "conductor dispatches tasks to a roster of model-backed agents,\napplies their structured output to a workspace and learns which agent\nfits which kind of work.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())
	return root
}

func newServeCommand() *cobra.Command {
	flags := serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags)
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", "", "path to agents.yaml (default: ./agents.yaml, ~/.conductor/agents.yaml)")
	cmd.Flags().StringVar(&flags.workspace, "workspace", "", "workspace root for file writes and command execution")
	cmd.Flags().StringVar(&flags.listen, "listen", "", "listen address (host:port)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&flags.autoApprove, "auto-approve", false, "treat every new task as low risk")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "max agents working at once (default 5)")
	return cmd
}

func runServe(flags serveFlags) error {
	// .env first so credential env vars resolve before the snapshot.
	_ = godotenv.Load()
	logging.Configure(os.Stderr, flags.logLevel)
	logger := logging.NewComponentLogger("conductor")

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.workspace != "" {
		cfg.Workspace = flags.workspace
	}
	if flags.listen != "" {
		cfg.Listen = flags.listen
	}
	if flags.autoApprove {
		cfg.AutoApprove = true
	}

	b := bus.New(logging.NewComponentLogger("bus"))

	reg := registry.New(b, config.EnvSnapshot(), logging.NewComponentLogger("registry"))
	if err := reg.Load(cfg.Agents); err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	exec, err := workspace.NewExecutor(cfg.Workspace, b, logging.NewComponentLogger("workspace"))
	if err != nil {
		return err
	}

	store, err := memory.Open(filepath.Join(exec.Root(), ".conductor"), logging.NewComponentLogger("memory"))
	if err != nil {
		return err
	}

	scorer := rl.NewScorer()
	scorer.Load(store.PerformanceLog())

	tasks := task.NewManager(b, logging.NewComponentLogger("task"))
	tasks.SetAutoApprove(cfg.AutoApprove)

	m := metrics.New()
	orch := orchestrator.New(orchestrator.Deps{
		Registry: reg,
		Tasks:    tasks,
		Scorer:   scorer,
		Memory:   store,
		Executor: exec,
		Composer: prompt.NewComposer(scorer, store),
		Bus:      b,
		Metrics:  m,
		Logger:   logging.NewComponentLogger("orchestrator"),
	}, orchestrator.Options{Concurrency: flags.concurrency})

	bc := broadcast.New(broadcast.Sources{
		Registry: reg,
		Tasks:    tasks,
		Scorer:   scorer,
		Memory:   store,
		Bus:      b,
	}, logging.NewComponentLogger("broadcast"))

	srv := server.New(server.Deps{
		Registry:     reg,
		Tasks:        tasks,
		Orchestrator: orch,
		Broadcaster:  bc,
		Bus:          b,
		Metrics:      m,
		Logger:       logging.NewComponentLogger("server"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bc.Start()
	orch.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(cfg.Listen)
	})
	g.Go(func() error {
		defer func() {
			cancel()
			orch.Stop()
			bc.Stop()
		}()
		select {
		case sig := <-sigCh:
			logger.Info("received %s, shutting down", sig)
		case <-gctx.Done():
			// The listener failed; nothing left to drain.
			return nil
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("serving %d agents, workspace %s", len(cfg.Agents), exec.Root())
	return g.Wait()
}
