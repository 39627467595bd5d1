package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexagenda/project/internal/platform/config"
	"github.com/lexagenda/project/internal/platform/logging"
)

// digest-scheduler is the in-repo stand-in for the hosted cron that
// triggers the digest endpoint. It fires once per interval; the
// 60-minute eligibility window on the API side absorbs jitter.
func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadScheduler()
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

	client := &http.Client{Timeout: 2 * time.Minute}

	log.Info("digest scheduler started",
		zap.String("target", cfg.TargetURL),
		zap.Duration("interval", cfg.Interval),
	)

	// Fire immediately so a freshly deployed scheduler does not sit
	// idle for a full interval.
	trigger(runCtx, log, client, cfg)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			log.Info("digest scheduler stopping")
			return
		case <-ticker.C:
			trigger(runCtx, log, client, cfg)
		}
	}
}

type triggerResponse struct {
	Message string `json:"message"`
	Sent    int    `json:"sent"`
	RunID   string `json:"run_id"`
	Error   string `json:"error"`
}

func trigger(ctx context.Context, log *zap.Logger, client *http.Client, cfg config.Scheduler) {
	body, err := json.Marshal(map[string]string{"source": cfg.Source})
	if err != nil {
		log.Error("marshal trigger body", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TargetURL, bytes.NewReader(body))
	if err != nil {
		log.Error("build trigger request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", cfg.WebhookSecret)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := client.Do(req)
	if err != nil {
		log.Error("trigger request failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		log.Error("read trigger response", zap.Error(err))
		return
	}

	var parsed triggerResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		log.Error("decode trigger response",
			zap.Int("status", resp.StatusCode), zap.Error(err))
		return
	}
	if resp.StatusCode != http.StatusOK {
		log.Error("digest run rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("error", parsed.Error),
		)
		return
	}
	log.Info("digest run triggered",
		zap.Int("sent", parsed.Sent),
		zap.String("run_id", parsed.RunID),
		zap.String("message", parsed.Message),
	)
}
