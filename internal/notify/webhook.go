/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/friendsincode/nmstereo/internal/models"
	"github.com/friendsincode/nmstereo/internal/telemetry"
	"github.com/friendsincode/nmstereo/internal/version"
	"github.com/rs/zerolog"
)

// EventNowPlaying is the webhook event name.
const EventNowPlaying = "now_playing"

// Webhook headers.
const (
	HeaderEvent     = "X-Nmstereo-Event"
	HeaderTimestamp = "X-Nmstereo-Timestamp"
	HeaderSignature = "X-Nmstereo-Signature"
)

// WebhookPayload is the payload sent to the webhook endpoint.
type WebhookPayload struct {
	Event     string              `json:"event"`
	Timestamp time.Time           `json:"timestamp"`
	Item      models.PlaylistItem `json:"item"`
}

// WebhookNotifier POSTs now playing events to a single endpoint.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier creates a notifier for url. An empty secret sends unsigned requests.
func NewWebhookNotifier(url, secret string, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "webhooks").Logger(),
	}
}

// NowPlaying delivers the event. A non-2xx response is an error.
func (w *WebhookNotifier) NowPlaying(ctx context.Context, item models.PlaylistItem) error {
	payload := WebhookPayload{
		Event:     EventNowPlaying,
		Timestamp: time.Now().UTC(),
		Item:      item,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		telemetry.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "nmstereo-webhook/"+version.Version)
	req.Header.Set(HeaderEvent, EventNowPlaying)
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", payload.Timestamp.Unix()))

	// Add HMAC signature if secret is configured
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		telemetry.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		w.logger.Error().Err(err).Str("url", w.url).Str("item_id", item.ID).Msg("webhook delivery failed")
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		telemetry.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	telemetry.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	w.logger.Debug().Str("item_id", item.ID).Int("status", resp.StatusCode).Msg("webhook delivered")
	return nil
}

// Sign returns the signature header value for body: sha256=<hex hmac>.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
