package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/report-verify/internal/resilience"
)

// WebhookEmitter POSTs each event as JSON to a fixed URL.
type WebhookEmitter struct {
	url    string
	client *http.Client
	retry  resilience.RetryConfig
}

// NewWebhookEmitter creates an emitter for url. A nil client gets a 10s
// timeout.
func NewWebhookEmitter(url string, client *http.Client) *WebhookEmitter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookEmitter{
		url:    url,
		client: client,
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			OnRetry:        resilience.RetryLogger("notify", "webhook"),
		},
	}
}

func (w *WebhookEmitter) Emit(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}
	err = resilience.Do(ctx, w.retry, func(ctx context.Context) error {
		return w.post(ctx, ev.Kind, body)
	})
	return eris.Wrapf(err, "notify: webhook %s", ev.Kind)
}

func (w *WebhookEmitter) post(ctx context.Context, kind Kind, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Kind", string(kind))

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()              //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body) // drain for connection reuse

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := eris.Errorf("unexpected status %d", resp.StatusCode)
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(statusErr, resp.StatusCode)
	}
	return statusErr
}
