package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crx-points/internal/feed"
	"crx-points/internal/retry"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
	carol = "0x3333333333333333333333333333333333333333"
)

func swap(ts int64, origin, sender, counterparty string, usd any) map[string]any {
	return map[string]any{
		"timestamp": strconv.FormatInt(ts, 10),
		"origin":    origin,
		"sender":    sender,
		"to":        counterparty,
		"recipient": counterparty,
		"amountUSD": usd,
	}
}

// swapFeed serves both sources; v3 queries are recognised by "recipient".
type swapFeed struct {
	mu       sync.Mutex
	rows     map[string][]map[string]any
	status   map[string]int
	noOrigin bool
	calls    atomic.Int32
}

func newSwapFeed() *swapFeed {
	return &swapFeed{rows: map[string][]map[string]any{}, status: map[string]int{}}
}

func (f *swapFeed) add(source string, rows ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[source] = append(f.rows[source], rows...)
}

func (f *swapFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	var req struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	source := "v2"
	if strings.Contains(req.Query, "recipient") {
		source = "v3"
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if status := f.status[source]; status != 0 {
		w.WriteHeader(status)
		return
	}
	if f.noOrigin && strings.Contains(req.Query, "origin") {
		_ = json.NewEncoder(w).Encode(map[string]any{"errors": []map[string]string{{"message": `Type "Swap" has no field "origin"`}}})
		return
	}

	start, _ := strconv.ParseInt(req.Variables["start"].(string), 10, 64)
	end, _ := strconv.ParseInt(req.Variables["end"].(string), 10, 64)
	first := int(req.Variables["first"].(float64))

	var out []map[string]any
	for _, row := range f.rows[source] {
		if ts := rowTs(row); ts >= start && ts <= end {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return rowTs(out[i]) < rowTs(out[j]) })
	if len(out) > first {
		out = out[:first]
	}
	if out == nil {
		out = []map[string]any{}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"swaps": out}})
}

func rowTs(row map[string]any) int64 {
	ts, _ := strconv.ParseInt(row["timestamp"].(string), 10, 64)
	return ts
}

func testFeedClient() *feed.Client {
	return feed.NewClient(feed.Options{
		Timeout: time.Second,
		Retry:   retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}, zerolog.Nop())
}

func TestIngestSourceAggregatesAndAdvancesCursor(t *testing.T) {
	f := newSwapFeed()
	f.add("v2",
		swap(1000, alice, bob, carol, "10.5"),
		swap(1001, "", bob, carol, "-4"),
		swap(1002, "", "", carol, 2),
		swap(1003, alice, "", "", "NaN"),
		swap(1004, alice, "", "", "0"),
		swap(5000, alice, "", "", "99"),
	)
	srv := httptest.NewServer(f)
	defer srv.Close()

	ing := NewIngestor(testFeedClient(), Options{PageSize: 2}, zerolog.Nop())
	res, err := ing.IngestSource(context.Background(), V2, []string{srv.URL}, "", 1000, 2000)
	require.NoError(t, err)

	assert.InDelta(t, 10.5, res.Deltas[alice], 1e-9)
	assert.InDelta(t, 4, res.Deltas[bob], 1e-9, "negative amounts count by magnitude")
	assert.InDelta(t, 2, res.Deltas[carol], 1e-9, "counterparty is the last resort")
	assert.Equal(t, int64(3), res.Rows)
	assert.Equal(t, int64(1005), res.NextCursor)
	assert.Equal(t, 3, res.Pages)
}

func TestIngestSourceStopsOnShortPage(t *testing.T) {
	f := newSwapFeed()
	f.add("v3", swap(10, alice, "", "", "1"))
	srv := httptest.NewServer(f)
	defer srv.Close()

	ing := NewIngestor(testFeedClient(), Options{PageSize: 5}, zerolog.Nop())
	res, err := ing.IngestSource(context.Background(), V3, []string{srv.URL}, "", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, int64(11), res.NextCursor)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestIngestSourceEmptyWindowKeepsCursor(t *testing.T) {
	srv := httptest.NewServer(newSwapFeed())
	defer srv.Close()

	ing := NewIngestor(testFeedClient(), Options{}, zerolog.Nop())
	res, err := ing.IngestSource(context.Background(), V2, []string{srv.URL}, "", 700, 900)
	require.NoError(t, err)
	assert.Equal(t, int64(700), res.NextCursor)
	assert.Empty(t, res.Deltas)
}

func TestIngestSourcePageCap(t *testing.T) {
	f := newSwapFeed()
	for ts := int64(1); ts <= 20; ts++ {
		f.add("v2", swap(ts, alice, "", "", "1"))
	}
	srv := httptest.NewServer(f)
	defer srv.Close()

	ing := NewIngestor(testFeedClient(), Options{PageSize: 1, MaxPages: 3}, zerolog.Nop())
	res, err := ing.IngestSource(context.Background(), V2, []string{srv.URL}, "", 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, int64(4), res.NextCursor)
	assert.InDelta(t, 3, res.Deltas[alice], 1e-9)
}

func TestIngestSourceNarrowsVariantWithoutOrigin(t *testing.T) {
	f := newSwapFeed()
	f.noOrigin = true
	f.add("v2", swap(5, alice, bob, carol, "3"))
	srv := httptest.NewServer(f)
	defer srv.Close()

	ing := NewIngestor(testFeedClient(), Options{}, zerolog.Nop())
	res, err := ing.IngestSource(context.Background(), V2, []string{srv.URL}, "", 0, 10)
	require.NoError(t, err)
	assert.InDelta(t, 3, res.Deltas[alice], 1e-9)
	idx, ok := ing.client.SelectedVariant(V2.Variants, srv.URL)
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestIngestSourceFallsBackToNextEndpoint(t *testing.T) {
	bad := newSwapFeed()
	bad.status["v2"] = http.StatusBadRequest
	badSrv := httptest.NewServer(bad)
	defer badSrv.Close()

	good := newSwapFeed()
	good.add("v2", swap(5, alice, "", "", "3"))
	goodSrv := httptest.NewServer(good)
	defer goodSrv.Close()

	ing := NewIngestor(testFeedClient(), Options{}, zerolog.Nop())
	res, err := ing.IngestSource(context.Background(), V2, []string{badSrv.URL, goodSrv.URL}, "", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, goodSrv.URL, res.Endpoint)
	assert.InDelta(t, 3, res.Deltas[alice], 1e-9)
}

func TestIngestSourceAllEndpointsFail(t *testing.T) {
	bad := newSwapFeed()
	bad.status["v3"] = http.StatusBadRequest
	srv := httptest.NewServer(bad)
	defer srv.Close()

	ing := NewIngestor(testFeedClient(), Options{}, zerolog.Nop())
	res, err := ing.IngestSource(context.Background(), V3, []string{srv.URL}, "", 50, 100)
	require.Error(t, err)
	assert.Equal(t, int64(50), res.NextCursor)

	_, err = ing.IngestSource(context.Background(), V3, nil, "", 50, 100)
	require.ErrorIs(t, err, ErrNoEndpoints)
}

func TestSourceByID(t *testing.T) {
	s, ok := SourceByID("v3")
	require.True(t, ok)
	assert.Equal(t, carol, s.Counterparty(swapRow{To: alice, Recipient: carol}))
	_, ok = SourceByID("v4")
	assert.False(t, ok)
}
