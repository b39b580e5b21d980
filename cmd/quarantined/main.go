package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/znz-systems/quarantined/internal/cleanup"
	"github.com/znz-systems/quarantined/internal/config"
	"github.com/znz-systems/quarantined/internal/notify"
	"github.com/znz-systems/quarantined/internal/ratelimit"
	"github.com/znz-systems/quarantined/internal/tasks"
	"github.com/znz-systems/quarantined/internal/web"
	"github.com/znz-systems/quarantined/internal/web/handlers"
)

const usage = `usage: quarantined [command]

commands:
  serve          run the HTTP API (default)
  worker         consume queued learning jobs
  cleanup        purge deleted, released and expired messages once
  notify         mail pending release requests to administrators
  sync-policies  create the amavis policies of every hosted domain
`

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		fmt.Print(usage)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	switch cmd {
	case "serve":
		err = serve(ctx, a)
	case "worker":
		err = runWorker(ctx, a)
	case "cleanup":
		err = runCleanup(ctx, a)
	case "notify":
		err = runNotify(ctx, a)
	case "sync-policies":
		err = a.directory.LoadInitialData(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		slog.Error("command failed", "command", cmd, "error", err)
		a.Close()
		os.Exit(1)
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg

	var queue handlers.LearningQueue
	checks := map[string]handlers.Check{
		"directory_db": a.directoryDB.PingContext,
		"amavis_db":    a.amavisDB.PingContext,
	}
	if a.queue != nil {
		if err := a.queue.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		queue = tasks.NewPublisher(a.queue)
		checks["redis"] = a.queue.Ping
	}

	limiter := ratelimit.NewLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst)

	router := web.NewRouter(web.RouterDeps{
		QuarantineHandler:  handlers.NewQuarantineHandler(a.quarantine, a.actions, queue),
		SelfServiceHandler: handlers.NewSelfServiceHandler(a.quarantine, a.actions),
		EventsHandler:      handlers.NewEventsHandler(a.directory, cfg.EventsToken),
		HealthHandler:      handlers.NewHealthHandler(checks),
		Identities:         a.directory,
		Limiter:            limiter,
		SelfService:        cfg.Quarantine.SelfService,
	})

	interval, err := cfg.CleanupInterval()
	if err != nil {
		return err
	}
	if interval > 0 {
		cleaner := cleanup.New(a.quarantineStore, cleanup.Options{
			MaxMessagesAge:  cfg.Cleanup.MaxMessagesAge,
			ReleasedCleanup: cfg.Cleanup.ReleasedCleanup,
		})
		go cleaner.Run(ctx, interval)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("quarantined starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runWorker(ctx context.Context, a *app) error {
	if a.queue == nil {
		return errors.New("worker requires REDIS_ADDR")
	}
	if err := a.queue.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	slog.Info("learning worker starting", "queue", a.cfg.RedisQueue)
	tasks.NewWorker(a.queue, a.directory, a.actions, tasks.WorkerOptions{}).Run(ctx)
	return nil
}

func runCleanup(ctx context.Context, a *app) error {
	cleaner := cleanup.New(a.quarantineStore, cleanup.Options{
		MaxMessagesAge:  a.cfg.Cleanup.MaxMessagesAge,
		ReleasedCleanup: a.cfg.Cleanup.ReleasedCleanup,
	})
	r, err := cleaner.Sweep(ctx)
	if err != nil {
		return err
	}
	slog.Info("cleanup done", "marked", r.Marked, "expired", r.Expired, "addresses", r.Addresses)
	return nil
}

func runNotify(ctx context.Context, a *app) error {
	cfg := a.cfg
	if !cfg.SMTPEnabled {
		return errors.New("notify requires SMTP_HOST")
	}
	client := notify.NewSMTPClient(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom)
	sent, err := notify.NewService(client, a.accounts, a.quarantine, cfg.BaseURL).NotifyPendingRequests(ctx)
	slog.Info("pending request notifications sent", "count", sent)
	return err
}
