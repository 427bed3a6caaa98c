// Package notify is the best-effort fan-out described in §6: a
// basic-auth webhook POST and a telebot.v3 operator control bot, both
// layered on top of internal/eventlog rather than replacing it — the
// event log is the only sink that must never drop a line.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Webhook POSTs a JSON body to a configured URL with basic auth.
// Failures are logged but never retried (§6, §9 "telemetry ... may
// swallow").
type Webhook struct {
	URL      string
	Username string
	Password string
	Client   *http.Client
}

// NewWebhook returns a Webhook with a bounded-timeout client. An empty
// URL makes Send a no-op, so the caller never has to branch on whether
// a webhook is configured.
func NewWebhook(url, username, password string) *Webhook {
	return &Webhook{
		URL:      url,
		Username: username,
		Password: password,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Send POSTs payload as JSON. It never returns an error to the caller:
// the tick must not stall or branch on webhook delivery, so failures
// are logged here and swallowed, matching §9's telemetry classification.
func (w *Webhook) Send(ctx context.Context, payload map[string]any) {
	if w == nil || w.URL == "" {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("notify: webhook payload marshal failed")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Msg("notify: webhook request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Username != "" {
		req.SetBasicAuth(w.Username, w.Password)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("url", w.URL).Msg("notify: webhook delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Error().Int("status", resp.StatusCode).Str("url", w.URL).Msg("notify: webhook non-2xx response")
	}
}
