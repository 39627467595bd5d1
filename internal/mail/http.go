package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

var ErrNoRecipients = errors.New("at least one recipient is required")

// HTTPSender sends email through a Resend-compatible JSON API.
// The embedded client timeout bounds every send so one stalled
// recipient cannot block the rest of a run.
type HTTPSender struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type sendPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	ReplyTo string   `json:"reply_to,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type apiError struct {
	Message string `json:"message"`
	Name    string `json:"name"`
}

func NewHTTPSender(apiKey, baseURL string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPSender{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSender) Send(ctx context.Context, req Request) (Result, error) {
	if len(req.To) == 0 {
		return Result{}, ErrNoRecipients
	}

	body, err := json.Marshal(sendPayload{
		From:    req.From,
		To:      req.To,
		Subject: req.Subject,
		HTML:    req.HTML,
		ReplyTo: req.ReplyTo,
	})
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("mail provider request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return Result{}, fmt.Errorf("mail provider error (status %d): %s", resp.StatusCode, apiErr.Message)
		}
		return Result{}, fmt.Errorf("mail provider error (status %d)", resp.StatusCode)
	}

	var parsed sendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode mail provider response: %w", err)
	}
	return Result{EmailID: parsed.ID, SentAt: time.Now().UTC()}, nil
}
