package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lexagenda/project/internal/app/deliverysink"
	"github.com/lexagenda/project/internal/platform/config"
	"github.com/lexagenda/project/internal/platform/dbpool"
	"github.com/lexagenda/project/internal/platform/logging"
	"github.com/lexagenda/project/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadSink()
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(2)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	pool, err := dbpool.New(runCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("open database pool", zap.Error(err))
	}
	defer pool.Close()

	repository := deliverysink.NewDeliveryRepository(pool)
	if err := waitForPostgres(runCtx, log, pool, repository, 30*time.Second); err != nil {
		log.Fatal("postgres not ready", zap.Error(err))
	}
	service := deliverysink.NewService(repository)

	client, err := natsutil.ConnectJetStreamWithRetry(cfg.NATSURL, 20*time.Second)
	if err != nil {
		log.Fatal("connect jetstream", zap.Error(err))
	}
	defer client.Close()

	sub, err := client.JS.QueueSubscribe("agenda.delivery.>", "delivery-sink", func(msg *nats.Msg) {
		var streamSeq uint64
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			streamSeq = meta.Sequence.Stream
		}

		insertCtx, cancel := context.WithTimeout(runCtx, 3*time.Second)
		defer cancel()
		if err := service.Handle(insertCtx, msg.Data, streamSeq); err != nil {
			if errors.Is(err, deliverysink.ErrInvalidEventPayload) ||
				errors.Is(err, deliverysink.ErrUnsupportedStatus) {
				log.Warn("discarding delivery event", zap.Error(err))
				_ = msg.Term()
				return
			}
			log.Error("delivery persistence failed", zap.Error(err))
			_ = msg.Nak()
			return
		}

		_ = msg.Ack()
	}, nats.ManualAck())
	if err != nil {
		log.Fatal("subscribe failed", zap.Error(err))
	}

	log.Info("delivery sink listening", zap.String("subject", sub.Subject))

	<-runCtx.Done()
	log.Info("delivery sink stopping")
	_ = sub.Drain()
}

func waitForPostgres(
	ctx context.Context,
	log *zap.Logger,
	pool *pgxpool.Pool,
	repository *deliverysink.DeliveryRepository,
	timeout time.Duration,
) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pool.Ping(attemptCtx)
		if lastErr == nil {
			lastErr = repository.EnsureSchema(attemptCtx)
		}
		cancel()

		if lastErr == nil {
			return nil
		}
		log.Warn("waiting for postgres readiness", zap.Error(lastErr))
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}
