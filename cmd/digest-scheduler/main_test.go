package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lexagenda/project/internal/platform/config"
)

func TestTriggerSendsAuthorizedRequest(t *testing.T) {
	var gotSecret, gotSource, gotRequestID string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Webhook-Secret")
		gotRequestID = r.Header.Get("X-Request-ID")

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode trigger body: %v", err)
		}
		gotSource = body["source"]

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"ok","sent":3,"run_id":"run-1"}`))
	}))
	defer srv.Close()

	cfg := config.Scheduler{
		TargetURL:     srv.URL,
		WebhookSecret: "hook-secret",
		Source:        "scheduled-hourly",
		Interval:      time.Hour,
	}
	client := &http.Client{Timeout: 5 * time.Second}

	trigger(context.Background(), zap.NewNop(), client, cfg)

	if gotSecret != "hook-secret" {
		t.Fatalf("secret header = %q, want %q", gotSecret, "hook-secret")
	}
	if gotSource != "scheduled-hourly" {
		t.Fatalf("source = %q, want %q", gotSource, "scheduled-hourly")
	}
	if gotRequestID == "" {
		t.Fatal("expected a non-empty X-Request-ID header")
	}
}

func TestTriggerSurvivesRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	defer srv.Close()

	cfg := config.Scheduler{
		TargetURL:     srv.URL,
		WebhookSecret: "wrong",
		Source:        "unknown",
		Interval:      time.Hour,
	}
	client := &http.Client{Timeout: 5 * time.Second}

	// Must log and return, never panic or exit.
	trigger(context.Background(), zap.NewNop(), client, cfg)
}
