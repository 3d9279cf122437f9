package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	dryRun   bool
	seedFile string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook/operator HTTP server, the scheduler and the event relay",
	Long: `serve runs every surveyd role in one process. All instances serve
webhooks; the scheduler only dials while this instance holds the lease.

With --dry-run nothing leaves the process: contacts live in memory, calls go
to a fake provider and replies are read by keyword matching unless
OPENAI_API_KEY is set. Drive a call by POSTing provider callbacks to the
webhook routes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&dryRun, "dry-run", false, "use in-memory storage and the fake telephony provider")
	serveCmd.Flags().StringVar(&seedFile, "seed", "", "YAML campaigns and contacts to load (dry run only)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, log, err := loadConfig(dryRun)
	if err != nil {
		return err
	}

	a, err := newApp(rootCtx, cfg, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		return err
	}
	defer a.Close()

	if seedFile != "" {
		if err := a.seed(seedFile, time.Now()); err != nil {
			return err
		}
	}

	router, err := newRouter(a)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("http listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return a.scheduler.Run(ctx) })
	g.Go(func() error { return a.relay.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("surveyd stopped with error", "err", err)
		return err
	}
	log.Info("surveyd stopped")
	return nil
}
