package docstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsert(t *testing.T) {
	var gotPath, gotMethod string
	var gotDoc map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotDoc))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client, err := New(Config{URL: server.URL})
	require.NoError(t, err)

	doc := map[string]any{"content": "raw", "time": float64(1577836800000)}
	require.NoError(t, client.Upsert(context.Background(), "messages", "station-42-1577836800000", doc))

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/messages/station-42-1577836800000", gotPath)
	assert.Equal(t, doc, gotDoc)
}

func TestUpsertIdempotent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := New(Config{URL: server.URL})
	require.NoError(t, err)

	// Same deterministic ID twice replaces, never duplicates.
	for i := 0; i < 2; i++ {
		require.NoError(t, client.Upsert(context.Background(), "messages", "same-id", map[string]any{"n": i}))
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestUpsertRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := New(Config{URL: server.URL})
	require.NoError(t, err)

	require.NoError(t, client.Upsert(context.Background(), "messages", "id", map[string]any{}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestUpsertDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client, err := New(Config{URL: server.URL})
	require.NoError(t, err)

	err = client.Upsert(context.Background(), "messages", "id", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestUpsertRequiresCoordinates(t *testing.T) {
	client, err := New(Config{URL: "http://localhost:8080"})
	require.NoError(t, err)

	assert.Error(t, client.Upsert(context.Background(), "", "id", nil))
	assert.Error(t, client.Upsert(context.Background(), "messages", "", nil))
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
