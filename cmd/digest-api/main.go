package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lexagenda/project/internal/app/agenda"
	"github.com/lexagenda/project/internal/mail"
	"github.com/lexagenda/project/internal/platform/config"
	"github.com/lexagenda/project/internal/platform/dbpool"
	"github.com/lexagenda/project/internal/platform/logging"
	"github.com/lexagenda/project/internal/platform/metrics"
	"github.com/lexagenda/project/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPI()
	if err != nil {
		// No logger yet.
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(2)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	// Validated at load time.
	defaultZone, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		log.Fatal("load default timezone", zap.Error(err))
	}

	pool, err := dbpool.New(runCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("open database pool", zap.Error(err))
	}
	defer pool.Close()

	repo := agenda.NewPostgresRepository(pool)
	if err := waitForSchema(runCtx, log, repo, 30*time.Second); err != nil {
		log.Fatal("agenda schema not ready", zap.Error(err))
	}

	client, err := natsutil.ConnectJetStreamWithRetry(cfg.NATSURL, 20*time.Second)
	if err != nil {
		log.Fatal("connect jetstream", zap.Error(err))
	}
	defer client.Close()

	sender := mail.NewHTTPSender(cfg.MailAPIKey, cfg.MailBaseURL, cfg.MailTimeout)
	publisher := natsutil.JetStreamPublisher{JS: client.JS}

	dispatcher := agenda.NewDispatcher(repo, sender, agenda.Config{
		WebhookSecret: cfg.WebhookSecret,
		FromAddress:   cfg.FromAddress,
		DefaultZone:   defaultZone,
	}, log)
	dispatcher.Publish = publisher.Publish

	handler := agenda.NewHandler(dispatcher)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info("digest API listening", zap.String("addr", cfg.Addr))
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal("server failed", zap.Error(err))
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
}

func waitForSchema(ctx context.Context, log *zap.Logger, repo *agenda.PostgresRepository, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = repo.EnsureSchema(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		log.Warn("waiting for schema readiness", zap.Error(lastErr))
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
