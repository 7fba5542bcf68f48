package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samber/oops"

	"entity-registry/internal/auth"
)

// WebhookSink posts token-bearing events to an external mailer as JSON.
// Other events are skipped.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookSink(url, secret string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookSink{url: strings.TrimSpace(url), secret: strings.TrimSpace(secret), client: client}
}

func (s *WebhookSink) Emit(ctx context.Context, event auth.Event) error {
	switch event.Name {
	case auth.EventRegistered, auth.EventPasswordResetRequested, auth.EventVerificationRequested:
	default:
		return nil
	}
	if event.Token == "" {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return oops.Code("WEBHOOK_ENCODE_FAILED").With("event", event.Name).Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return oops.Code("WEBHOOK_REQUEST_FAILED").With("event", event.Name).Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set("Authorization", "Bearer "+s.secret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return oops.Code("WEBHOOK_REQUEST_FAILED").With("event", event.Name).Wrap(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return oops.Code("WEBHOOK_REJECTED").
			With("event", event.Name).
			With("status", resp.StatusCode).
			Wrap(fmt.Errorf("mailer webhook returned status %d", resp.StatusCode))
	}
	return nil
}
