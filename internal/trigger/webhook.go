// Package trigger delivers critical-classified events to the hardware-control
// surface. Delivery is synchronous from the router's worker: a slow bridge
// delays subsequent critical items by design of the caller, not enforced here.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/livepulse/tracker/internal/models"
)

// Handler consumes one critical event.
type Handler interface {
	HandleCritical(ctx context.Context, ev *models.Event) error
}

// Webhook POSTs critical events to a configured bridge URL.
type Webhook struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhook creates a webhook trigger. A zero timeout defaults to 10s.
func NewWebhook(url string, timeout time.Duration, logger *zap.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// HandleCritical posts the event to the bridge and treats any non-2xx status
// as a delivery failure.
func (w *Webhook) HandleCritical(ctx context.Context, ev *models.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal critical event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver critical event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("bridge status: %d", resp.StatusCode)
	}
	w.logger.Debug("critical event delivered",
		zap.String("type", string(ev.Type)), zap.String("username", ev.Username))
	return nil
}
