package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reqflow/internal/domain"
)

const defaultDeliveryTimeout = 5 * time.Second

// Deliverer hands one event to the external consumer.
type Deliverer interface {
	Deliver(ctx context.Context, ev domain.OutboxEvent) error
}

// DeliveryError reports a consumer that answered with a non-2xx status.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e DeliveryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// WebhookDeliverer POSTs the event payload as JSON to a fixed URL.
type WebhookDeliverer struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhookDeliverer(url, secret string, timeout time.Duration) *WebhookDeliverer {
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	return &WebhookDeliverer{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookDeliverer) Deliver(ctx context.Context, ev domain.OutboxEvent) error {
	body := []byte(ev.Payload)
	if len(body) == 0 {
		body = []byte("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reqflow-Event", string(ev.EventType))
	req.Header.Set("X-Reqflow-Delivery", ev.ID)
	req.Header.Set("X-Reqflow-Program", ev.ProgramID)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Reqflow-Signature", "sha256="+Sign(w.Secret, body))
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultDeliveryTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return DeliveryError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in
// X-Reqflow-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, ev domain.OutboxEvent) error

func (f DelivererFunc) Deliver(ctx context.Context, ev domain.OutboxEvent) error {
	return f(ctx, ev)
}
