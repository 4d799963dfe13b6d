package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vbonduro/lendchain/internal/domain"
)

// Event is the JSON body posted to a webhook.
type Event struct {
	IntentID string    `json:"intent_id"`
	ItemID   string    `json:"item_id"`
	Kind     string    `json:"kind"`
	UserID   string    `json:"user_id"`
	Status   string    `json:"status"`
	Reason   string    `json:"reason,omitempty"`
	TxHash   string    `json:"tx_hash,omitempty"`
	At       time.Time `json:"at"`
}

func newEvent(intent domain.Intent) Event {
	e := Event{
		IntentID: intent.ID,
		ItemID:   intent.ItemID,
		Kind:     string(intent.Kind),
		UserID:   intent.UserID,
		Status:   string(intent.Status),
		Reason:   intent.Reason,
		At:       intent.UpdatedAt.UTC(),
	}
	if intent.Tx != nil {
		e.TxHash = intent.Tx.Hash
	}
	return e
}

// Webhook posts terminal intents to a URL, retrying 5xx responses and
// transport errors with exponential backoff.
type Webhook struct {
	url        string
	client     *http.Client
	maxElapsed time.Duration
}

func NewWebhook(url string, timeout, maxElapsed time.Duration) *Webhook {
	return &Webhook{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxElapsed: maxElapsed,
	}
}

func (w *Webhook) OnIntentTerminal(ctx context.Context, intent domain.Intent) error {
	payload, err := json.Marshal(newEvent(intent))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = w.maxElapsed

	return backoff.Retry(func() error {
		return w.post(ctx, payload)
	}, backoff.WithContext(b, ctx))
}

func (w *Webhook) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call webhook: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return backoff.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
	return nil
}
