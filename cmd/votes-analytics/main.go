package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"votes/analytics/internal/app"
	"votes/analytics/internal/config"
	"votes/analytics/internal/ctxlog"
	"votes/analytics/internal/pipeline"
	"votes/analytics/internal/queue"
	"votes/analytics/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	cfg    config.Config
	logger *slog.Logger
	quiet  bool

	shutdownTracing func(context.Context) error
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "votes-analytics",
		Short:        "Derived voting analytics pipeline",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			level := cfg.LogLevel
			if c.quiet {
				level = "warn"
			}
			c.cfg = cfg
			c.logger = ctxlog.New(level, cfg.LogFormat, os.Stderr)
			cmd.SetContext(ctxlog.WithLogger(cmd.Context(), c.logger))

			shutdown, err := telemetry.Setup(cmd.Context(), "votes-analytics", cfg.OTLPEndpoint)
			if err != nil {
				return fmt.Errorf("tracing setup: %w", err)
			}
			c.shutdownTracing = shutdown
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.shutdownTracing == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return c.shutdownTracing(ctx)
		},
	}

	root.AddCommand(
		c.populateCommand(),
		c.enqueueCommand(),
		c.runQueueCommand(),
		c.serveCommand(),
		c.migrateCommand(),
		c.resetOverrideCommand(),
	)
	return root
}

func addRequestFlags(cmd *cobra.Command, req *pipeline.Request) {
	flags := cmd.Flags()
	flags.StringVar(&req.Model, "model", "", "run a single model")
	flags.StringVar(&req.Group, "group", "", "run a single group")
	flags.StringVar(&req.StartGroup, "start-group", "", "first group of a range")
	flags.StringVar(&req.EndGroup, "end-group", "", "last group of a range")
	flags.StringVar(&req.Shortcut, "shortcut", "", "named preset of scope and window")
	flags.BoolVar(&req.All, "all", false, "run every group")
	flags.StringVar(&req.UpdateSince, "update-since", "", "only units touched on or after this date (YYYY-MM-DD)")
	flags.IntVar(&req.UpdateLast, "update-last", 0, "only units touched in the last N days")
	flags.BoolVar(&req.SinceLastRun, "since-last-run", false, "only units touched since each model last ran")
}

func (c *cli) populateCommand() *cobra.Command {
	var (
		req         pipeline.Request
		showOptions bool
	)
	cmd := &cobra.Command{
		Use:   "populate",
		Short: "Run pipeline models in dependency order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if showOptions {
				registry, closeFn, err := optionsRegistry(ctx, c.cfg)
				if err != nil {
					return err
				}
				defer closeFn()
				return pipeline.WriteOptions(cmd.OutOrStdout(), registry.Options())
			}

			req.Quiet = c.quiet
			rt, err := setup(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			plan, err := rt.registry.Resolve(req, time.Now())
			if err != nil {
				return err
			}
			c.logger.Info("populate", "plan", plan.Describe())
			report, err := rt.queue.Run(ctx, plan, "cli")
			if err != nil {
				return err
			}
			if !c.quiet {
				for _, res := range report.Results {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d units\t%s\n", res.Group, res.Model, res.Units, res.Duration.Round(time.Millisecond))
				}
			}
			return nil
		},
	}
	addRequestFlags(cmd, &req)
	cmd.Flags().BoolVar(&c.quiet, "quiet", false, "only log warnings and errors")
	cmd.Flags().BoolVar(&showOptions, "show-options", false, "list groups, models and shortcuts, then exit")
	return cmd
}

func (c *cli) enqueueCommand() *cobra.Command {
	var req pipeline.Request
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a pipeline request for the next drain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			update, created, err := rt.queue.Enqueue(cmd.Context(), req, "cli")
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", update.ID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "already queued as %s\n", update.ID)
			}
			return nil
		},
	}
	addRequestFlags(cmd, &req)
	return cmd
}

func (c *cli) runQueueCommand() *cobra.Command {
	var checkForUpdates bool
	cmd := &cobra.Command{
		Use:   "run-queue",
		Short: "Drain pending updates once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			if checkForUpdates {
				queued, err := rt.queue.CheckForUpdates(ctx, rt.store)
				if err != nil {
					return err
				}
				if queued {
					c.logger.Info("new data detected, refresh queued")
				}
			}
			res, err := rt.queue.Drain(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "completed=%d skipped=%d failed=%d removed=%d\n", res.Completed, res.Skipped, res.Failed, res.Removed)
			return err
		},
	}
	cmd.Flags().BoolVar(&checkForUpdates, "check-for-updates", false, "queue a refresh when ingestion changed decisions since the last completed update")
	return cmd
}

func (c *cli) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read API and drain the queue periodically",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			service := rt.service()
			httpServer := app.NewHTTPServer(service, c.cfg.CORSOrigin, c.logger)
			server := &http.Server{
				Addr:              c.cfg.Addr,
				Handler:           httpServer.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       15 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			var src queue.ChangeSource
			if c.cfg.CheckForUpdates {
				src = rt.store
			}
			stopQueue := background(ctx, func(ctx context.Context) {
				service.RunQueue(ctx, c.cfg.QueuePollInterval, src)
			})
			defer stopQueue()

			errCh := make(chan error, 1)
			go func() {
				c.logger.Info("votes analytics listening", "addr", c.cfg.Addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				c.logger.Warn("shutdown error", "error", err)
			}
			return nil
		},
	}
}

// background runs fn in its own goroutine. The returned stop cancels fn's
// context and blocks until fn has returned.
func background(ctx context.Context, fn func(ctx context.Context)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (c *cli) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDatabase(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			return migrate(cmd.Context(), db, c.cfg, c.logger)
		},
	}
}

func (c *cli) resetOverrideCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-override <decision-id>",
		Short: "Drop a manual cluster assignment so the classifier owns it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decisionID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid decision id %q", args[0])
			}
			rt, err := setup(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.service().ResetOverride(cmd.Context(), decisionID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "override for decision %d removed; the next %s run reclassifies it\n", decisionID, classifierModel(rt.registry.Options()))
			return nil
		},
	}
}
