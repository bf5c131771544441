package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DendraScience/dendra-worker-tasks-dpe/sink"
)

func TestWritePoints(t *testing.T) {
	var gotPath, gotHeader string
	var gotBody batchBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Api-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, err := New(Config{
		URL:     server.URL,
		Headers: map[string]string{"X-Api-Key": "secret"},
	})
	require.NoError(t, err)

	points := []sink.Point{
		{
			Measurement: "airtemp",
			Fields:      map[string]any{"avg": 21.5},
			Timestamp:   1577836800000,
		},
	}

	err = s.WritePoints(context.Background(), points, sink.Options{
		Webhook: "primary",
		Path:    "ingest",
	})
	require.NoError(t, err)

	assert.Equal(t, "/ingest", gotPath)
	assert.Equal(t, "secret", gotHeader)
	require.Len(t, gotBody.Points, 1)
	assert.Equal(t, "airtemp", gotBody.Points[0].Measurement)
	assert.Equal(t, int64(1577836800000), gotBody.Points[0].Time)
}

func TestWritePointsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	s, err := New(Config{URL: server.URL})
	require.NoError(t, err)

	err = s.WritePoints(context.Background(), nil, sink.Options{Webhook: "primary"})
	require.Error(t, err)
	assert.True(t, sink.IsNotFound(err))
}

func TestWritePointsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	s, err := New(Config{URL: server.URL})
	require.NoError(t, err)

	err = s.WritePoints(context.Background(), nil, sink.Options{Webhook: "primary"})
	require.Error(t, err)
	assert.False(t, sink.IsNotFound(err))
}

func TestCreateDestinationNoOp(t *testing.T) {
	s, err := New(Config{URL: "http://localhost:8080"})
	require.NoError(t, err)
	assert.NoError(t, s.CreateDestination(context.Background(), sink.Options{Webhook: "primary"}))
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
