package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crx-points/internal/ingest"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	note := Notification{Severity: SeverityDegraded, Season: "1", Errors: []string{"v3: status 502"}}

	require.NoError(t, notifier.Notify(context.Background(), note))
	assert.Equal(t, "chat", received["chat_id"])
	assert.Contains(t, received["text"], "pass degraded")
	assert.Contains(t, received["text"], "v3: status 502")
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	assert.Error(t, notifier.Notify(context.Background(), Notification{Season: "1"}))

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer bad.Close()
	notifier = NewTelegramNotifier("token", "chat", bad.URL, time.Second, zerolog.Nop())
	assert.Error(t, notifier.Notify(context.Background(), Notification{Season: "1"}))
}

func TestFromPass(t *testing.T) {
	_, ok := FromPass(ingest.PassSummary{Season: "1"}, nil, "scheduler")
	assert.False(t, ok, "clean pass")

	note, ok := FromPass(ingest.PassSummary{Season: "1", Degraded: true, Errors: []string{"v2 down"}}, nil, "scheduler")
	require.True(t, ok)
	assert.Equal(t, SeverityDegraded, note.Severity)
	assert.Equal(t, []string{"v2 down"}, note.Errors)

	note, ok = FromPass(ingest.PassSummary{Season: "1"}, errors.New("commit pass: boom"), "http")
	require.True(t, ok)
	assert.Equal(t, SeverityFailed, note.Severity)
	assert.Equal(t, "http", note.Trigger)
	assert.Equal(t, []string{"commit pass: boom"}, note.Errors)
}

type recordingNotifier struct {
	notes []Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.notes = append(r.notes, n)
	return r.err
}

func TestPassHook(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("telegram down")}
	hook := PassHook(rec, "scheduler", zerolog.Nop())

	hook(context.Background(), ingest.PassSummary{Season: "1"}, nil)
	assert.Empty(t, rec.notes)

	hook(context.Background(), ingest.PassSummary{Season: "1", Degraded: true}, nil)
	require.Len(t, rec.notes, 1)
	assert.Equal(t, "scheduler", rec.notes[0].Trigger)

	PassHook(nil, "scheduler", zerolog.Nop())(context.Background(), ingest.PassSummary{Degraded: true}, nil)
}
