package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crx-points/internal/retry"
)

func testClient() *Client {
	return NewClient(Options{
		Timeout: time.Second,
		Retry:   retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}, zerolog.Nop())
}

func TestQueryRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"value": "7"}})
	}))
	defer srv.Close()

	var out struct {
		Value Number `json:"value"`
	}
	err := testClient().Query(context.Background(), srv.URL, "", "{ value }", nil, &out)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 7.0, out.Value.Value)
}

func TestQueryDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := testClient().Query(context.Background(), srv.URL, "", "{ value }", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusBadRequest, fe.HTTPStatus)
	assert.False(t, fe.Retryable())
}

func TestQueryRateLimitIsRetryable(t *testing.T) {
	err := statusError("x", http.StatusTooManyRequests, nil)
	assert.True(t, err.Retryable())
	assert.False(t, statusError("x", http.StatusNotFound, nil).Retryable())
}

func TestQuerySendsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{}})
	}))
	defer srv.Close()

	require.NoError(t, testClient().Query(context.Background(), srv.URL, "secret", "{ x }", nil, nil))
}

func TestQueryVariantsFallsBackAndMemoizes(t *testing.T) {
	var rich, narrow int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if strings.Contains(req.Query, "origin") {
			atomic.AddInt32(&rich, 1)
			_ = json.NewEncoder(w).Encode(map[string]any{"errors": []map[string]string{{"message": `Type "Swap" has no field "origin"`}}})
			return
		}
		atomic.AddInt32(&narrow, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"swaps": []any{}}})
	}))
	defer srv.Close()

	set := VariantSet{Name: "swaps", Variants: []Variant{
		{Name: "with-origin", Query: "{ swaps { origin sender } }"},
		{Name: "sender-only", Query: "{ swaps { sender } }"},
	}}
	c := testClient()

	type payload struct {
		Swaps []any `json:"swaps"`
	}
	_, variant, err := QueryVariants[payload](context.Background(), c, srv.URL, "", set, nil)
	require.NoError(t, err)
	assert.Equal(t, "sender-only", variant.Name)

	_, variant, err = QueryVariants[payload](context.Background(), c, srv.URL, "", set, nil)
	require.NoError(t, err)
	assert.Equal(t, "sender-only", variant.Name)

	assert.Equal(t, int32(1), atomic.LoadInt32(&rich), "memoized variant must skip re-probing")
	assert.Equal(t, int32(2), atomic.LoadInt32(&narrow))

	idx, ok := c.SelectedVariant(set, srv.URL)
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestQueryVariantsStopsOnOtherErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{"errors": []map[string]string{{"message": "indexer is behind"}}})
	}))
	defer srv.Close()

	set := VariantSet{Name: "x", Variants: []Variant{{Name: "a", Query: "a"}, {Name: "b", Query: "b"}}}
	_, _, err := QueryVariants[map[string]any](context.Background(), testClient(), srv.URL, "", set, nil)
	require.Error(t, err)
	assert.False(t, IsSchemaMismatch(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEndpoints(t *testing.T) {
	got := Endpoints("https://a/", "https://b, https://a ,", " https://c")
	assert.Equal(t, []string{"https://a", "https://b", "https://c"}, got)
	assert.Empty(t, Endpoints(""))
}

func TestNumberDecoding(t *testing.T) {
	var v struct {
		A Number `json:"a"`
		B Number `json:"b"`
		C Number `json:"c"`
		D Number `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"12.5","b":3,"c":null,"d":"junk"}`), &v))
	assert.Equal(t, Number{Value: 12.5, Valid: true}, v.A)
	assert.Equal(t, Number{Value: 3, Valid: true}, v.B)
	assert.False(t, v.C.Valid)
	assert.False(t, v.D.Valid)
}
