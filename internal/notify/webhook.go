package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultWebhookTimeout bounds a webhook delivery when none is configured.
const DefaultWebhookTimeout = 10 * time.Second

// Doer is the subset of http.Client the webhook needs.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// WebhookNotifier POSTs notifications as JSON, typically to a push bridge on
// the user's phone.
type WebhookNotifier struct {
	url     string
	client  Doer
	timeout time.Duration
	log     *zap.Logger
}

// NewWebhookNotifier validates its collaborators and returns the sink.
func NewWebhookNotifier(url string, client Doer, timeout time.Duration, logger *zap.Logger) (*WebhookNotifier, error) {
	if url == "" {
		return nil, errors.New("webhook url cannot be empty")
	}
	if client == nil {
		return nil, errors.New("http client cannot be nil")
	}
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{url: url, client: client, timeout: timeout, log: logger.Named("webhook")}, nil
}

func (w *WebhookNotifier) Post(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	w.log.Debug("Delivered notification.", zap.String("title", n.Title))
	return nil
}
