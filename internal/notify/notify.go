// Package notify delivers trade event messages to external channels.
// Delivery is fire-and-forget: a dead webhook must never stall a bot loop.
package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Sink receives short human-readable event messages.
type Sink interface {
	Notify(text string)
}

// Nop discards every message.
type Nop struct{}

func (Nop) Notify(string) {}

// Multi fans a message out to every sink.
type Multi []Sink

func (m Multi) Notify(text string) {
	for _, s := range m {
		s.Notify(text)
	}
}

// Webhook posts messages as JSON to a configured URL.
type Webhook struct {
	logger *zap.Logger
	url    string
	client *http.Client
}

func NewWebhook(logger *zap.Logger, url string) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		logger: logger.Named("notify"),
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Notify posts asynchronously; failures are logged and dropped.
func (w *Webhook) Notify(text string) {
	if w.url == "" {
		return
	}
	go w.post(text)
}

func (w *Webhook) post(text string) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return
	}
	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("webhook delivery failed", zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.logger.Warn("webhook rejected message", zap.Int("status", resp.StatusCode))
	}
}
