package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/lendchain/internal/domain"
)

func confirmedIntent() domain.Intent {
	return domain.Intent{
		ID:        "i1",
		ItemID:    "drill",
		Kind:      domain.KindLend,
		UserID:    "bob",
		Status:    domain.StatusConfirmed,
		Tx:        &domain.TxRecord{Hash: "0xabc"},
		UpdatedAt: time.Unix(1_700_000_000, 0),
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	failed := confirmedIntent()
	failed.Status = domain.StatusFailed
	failed.Reason = domain.ReasonReverted
	require.NoError(t, sink.OnIntentTerminal(context.Background(), failed))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "i1", line["intent_id"])
	assert.Equal(t, "reverted", line["reason"])
	assert.Equal(t, "0xabc", line["tx_hash"])
	assert.Equal(t, "notify", line["component"])
}

func TestMultiCallsEverySink(t *testing.T) {
	var calls atomic.Int32
	ok := SinkFunc(func(context.Context, domain.Intent) error {
		calls.Add(1)
		return nil
	})
	boom := errors.New("boom")
	bad := SinkFunc(func(context.Context, domain.Intent) error {
		calls.Add(1)
		return boom
	})

	err := Multi(ok, bad, ok).OnIntentTerminal(context.Background(), confirmedIntent())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookPostsEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, time.Second, time.Second)
	require.NoError(t, hook.OnIntentTerminal(context.Background(), confirmedIntent()))

	assert.Equal(t, "i1", got.IntentID)
	assert.Equal(t, "confirmed", got.Status)
	assert.Equal(t, "0xabc", got.TxHash)
	assert.Empty(t, got.Reason)
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, time.Second, 5*time.Second)
	require.NoError(t, hook.OnIntentTerminal(context.Background(), confirmedIntent()))
	assert.Equal(t, int32(3), hits.Load())
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, time.Second, 5*time.Second)
	err := hook.OnIntentTerminal(context.Background(), confirmedIntent())
	assert.ErrorContains(t, err, "status 400")
	assert.Equal(t, int32(1), hits.Load())
}
