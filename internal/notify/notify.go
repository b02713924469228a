// Package notify dispatches fire-and-forget lifecycle notifications.
// Delivery channels beyond the webhook endpoint are external; the engine
// only depends on the Dispatcher interface.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/idgen"
)

var (
	notifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "notify",
		Name:      "dispatch_total",
		Help:      "Total notification dispatch attempts by event type.",
	}, []string{"event_type"})

	notifyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "notify",
		Name:      "dispatch_errors_total",
		Help:      "Total notification dispatch failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyTotal, notifyErrors)
}

// Dispatcher delivers one notification. Implementations must be safe for
// concurrent use; errors are advisory, callers never fail a mutation on
// a notification error.
type Dispatcher interface {
	Notify(ctx context.Context, recipient, eventType, escrowID, message string, metadata map[string]string) error
}

// Event is the wire payload of a webhook notification.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Recipient string            `json:"recipient"`
	EscrowID  string            `json:"escrowId"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// WebhookDispatcher POSTs signed events to a configured endpoint.
type WebhookDispatcher struct {
	url    string
	secret []byte
	client *http.Client
	logger *slog.Logger
}

// NewWebhookDispatcher creates a webhook dispatcher. secret signs each
// payload with HMAC-SHA256 in the X-Escrow-Signature header.
func NewWebhookDispatcher(url, secret string, logger *slog.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (d *WebhookDispatcher) Notify(ctx context.Context, recipient, eventType, escrowID, message string, metadata map[string]string) error {
	notifyTotal.WithLabelValues(eventType).Inc()

	event := Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Recipient: recipient,
		EscrowID:  escrowID,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		notifyErrors.WithLabelValues(eventType).Inc()
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		notifyErrors.WithLabelValues(eventType).Inc()
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(d.secret) > 0 {
		mac := hmac.New(sha256.New, d.secret)
		mac.Write(body)
		req.Header.Set("X-Escrow-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		notifyErrors.WithLabelValues(eventType).Inc()
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		notifyErrors.WithLabelValues(eventType).Inc()
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogDispatcher writes notifications to the structured log. Used in
// development mode when no webhook endpoint is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a log-only dispatcher.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Notify(_ context.Context, recipient, eventType, escrowID, message string, metadata map[string]string) error {
	notifyTotal.WithLabelValues(eventType).Inc()
	d.logger.Info("notification",
		"recipient", recipient,
		"event", eventType,
		"escrowId", escrowID,
		"message", message,
		"metadata", metadata,
	)
	return nil
}
