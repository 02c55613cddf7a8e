package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crx-points/internal/ingest"
	"crx-points/internal/season"
	"crx-points/internal/selfheal"
)

type blockingRunner struct {
	calls   atomic.Int32
	release chan struct{}
	mu      sync.Mutex
	opts    []ingest.PassOptions
}

func (b *blockingRunner) RunPass(ctx context.Context, s season.Config, opts ingest.PassOptions) (ingest.PassSummary, error) {
	b.calls.Add(1)
	b.mu.Lock()
	b.opts = append(b.opts, opts)
	b.mu.Unlock()
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return ingest.PassSummary{Season: s.ID, Full: opts.Full}, nil
}

func newTestServer(t *testing.T) (*Server, *blockingRunner) {
	t.Helper()
	runner := &blockingRunner{release: make(chan struct{})}
	srv := New(Options{Secret: "s3cret", PassTimeout: time.Second}, runner, season.Config{ID: "1", Start: time.Unix(1, 0)}, nil, zerolog.Nop())
	return srv, runner
}

func post(t *testing.T, h http.Handler, secret, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/internal/ingest", strings.NewReader(body))
	if secret != "" {
		req.Header.Set(selfheal.SecretHeader, secret)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) ingestResponse {
	t.Helper()
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestIngestRejectsBadSecret(t *testing.T) {
	srv, runner := newTestServer(t)
	h := srv.Handler()

	assert.Equal(t, http.StatusUnauthorized, post(t, h, "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, post(t, h, "wrong", "").Code)
	assert.Zero(t, runner.calls.Load())
}

func TestIngestRejectsOtherSeason(t *testing.T) {
	srv, runner := newTestServer(t)
	rec := post(t, srv.Handler(), "s3cret", `{"seasonId":"2"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, runner.calls.Load())
}

func TestIngestIsSingleFlight(t *testing.T) {
	srv, runner := newTestServer(t)
	h := srv.Handler()

	first := post(t, h, "s3cret", `{"seasonId":"1","full":true,"reason":"stale"}`)
	require.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, "started", decode(t, first).Status)
	assert.True(t, decode(t, first).Full)

	second := post(t, h, "s3cret", "")
	require.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, "already_running", decode(t, second).Status)

	close(runner.release)
	srv.Wait()
	assert.False(t, srv.Running())
	assert.Equal(t, int32(1), runner.calls.Load())
	assert.Equal(t, []ingest.PassOptions{{Full: true}}, runner.opts)

	third := post(t, h, "s3cret", "")
	assert.Equal(t, "started", decode(t, third).Status)
	srv.Wait()
	assert.Equal(t, int32(2), runner.calls.Load())
}

func TestIngestHookObservesPass(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	close(runner.release)
	done := make(chan ingest.PassSummary, 1)
	hook := func(_ context.Context, sum ingest.PassSummary, err error) {
		assert.NoError(t, err)
		done <- sum
	}
	srv := New(Options{Secret: "s3cret"}, runner, season.Config{ID: "1"}, hook, zerolog.Nop())

	rec := post(t, srv.Handler(), "s3cret", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	srv.Wait()

	select {
	case sum := <-done:
		assert.Equal(t, "1", sum.Season)
	default:
		t.Fatal("hook not called")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	srv := New(Options{Addr: "127.0.0.1:0", Secret: "x"}, &blockingRunner{release: make(chan struct{})}, season.Config{ID: "1"}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

type fakeLocker struct {
	held     bool
	key      int64
	released atomic.Int32
}

func (f *fakeLocker) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	f.key = key
	if f.held {
		return nil, false, nil
	}
	return func() { f.released.Add(1) }, true, nil
}

func TestIngestSkipsWhenLockHeldElsewhere(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	close(runner.release)
	locker := &fakeLocker{held: true}
	hookCalls := atomic.Int32{}
	hook := func(context.Context, ingest.PassSummary, error) { hookCalls.Add(1) }
	srv := New(Options{Secret: "s3cret", Locker: locker, LockKey: 42}, runner, season.Config{ID: "1"}, hook, zerolog.Nop())

	rec := post(t, srv.Handler(), "s3cret", `{"reason":"stale"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	srv.Wait()

	assert.Equal(t, int64(42), locker.key)
	assert.Zero(t, runner.calls.Load())
	assert.Zero(t, hookCalls.Load())
	assert.False(t, srv.Running())
}

func TestIngestHoldsLockForPass(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	close(runner.release)
	locker := &fakeLocker{}
	srv := New(Options{Secret: "s3cret", Locker: locker, LockKey: 7}, runner, season.Config{ID: "1"}, nil, zerolog.Nop())

	post(t, srv.Handler(), "s3cret", "")
	srv.Wait()

	assert.Equal(t, int32(1), runner.calls.Load())
	assert.Equal(t, int32(1), locker.released.Load())
}
