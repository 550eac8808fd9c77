// Package notify delivers post-export updates to external observers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"ttexport/internal/export"
	appLog "ttexport/internal/log"
	"ttexport/internal/scheduler"
)

const DefaultTimeout = 10 * time.Second

// Payload is the JSON body posted to a webhook.
type Payload struct {
	Event    string          `json:"event"`
	TenantID string          `json:"tenant_id"`
	Snapshot export.Snapshot `json:"snapshot"`
}

// Webhook posts each update to a URL. Deliveries run in the background and
// are attempted once.
type Webhook struct {
	url    string
	client *http.Client

	wg sync.WaitGroup
}

func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Webhook{url: url, client: client}
}

// Handle is a scheduler.Handler.
func (w *Webhook) Handle(u scheduler.Update) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.post(context.Background(), u); err != nil {
			appLog.Warn("webhook delivery failed", "tenant", u.TenantID, "err", err)
		}
	}()
}

// Wait blocks until pending deliveries have finished or ctx is done.
func (w *Webhook) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Webhook) post(ctx context.Context, u scheduler.Update) error {
	body, err := json.Marshal(Payload{
		Event:    "export.updated",
		TenantID: u.TenantID,
		Snapshot: u.Snapshot,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	appLog.Debug("webhook delivered", "tenant", u.TenantID, "status", resp.StatusCode)
	return nil
}
