// Package webhook posts point batches as JSON to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
	"github.com/DendraScience/dendra-worker-tasks-dpe/sink"
)

// Config holds connection settings for the webhook endpoint.
type Config struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// Sink delivers point batches with one JSON POST per batch.
type Sink struct {
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
}

// New creates a webhook sink.
func New(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("webhook URL is required"),
			"Sink", "New", "missing URL")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, errors.WrapInvalid(err, "Sink", "New", "invalid URL")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Sink{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		headers:    cfg.Headers,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// batchBody is the JSON wire format for one webhook delivery.
type batchBody struct {
	Points []pointBody `json:"points"`
}

type pointBody struct {
	Measurement string            `json:"measurement"`
	Tags        map[string]string `json:"tags,omitempty"`
	Fields      map[string]any    `json:"fields"`
	Time        int64             `json:"time"`
}

// WritePoints posts all points as one JSON body to the options' path. A
// 404 response is reported as a missing-destination condition.
func (s *Sink) WritePoints(ctx context.Context, points []sink.Point, opts sink.Options) error {
	body := batchBody{Points: make([]pointBody, 0, len(points))}
	for i := range points {
		p := &points[i]
		body.Points = append(body.Points, pointBody{
			Measurement: p.Measurement,
			Tags:        p.Tags,
			Fields:      p.Fields,
			Time:        p.Timestamp,
		})
	}

	data, err := json.Marshal(body)
	if err != nil {
		return errors.WrapInvalid(err, "Sink", "WritePoints", "marshal batch")
	}

	endpoint := s.baseURL + normalizePath(opts.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "Sink", "WritePoints", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Sink", "WritePoints", "post failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	postErr := fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))

	if resp.StatusCode == http.StatusNotFound {
		return sink.NotFound(postErr)
	}

	return errors.WrapTransient(postErr, "Sink", "WritePoints", "post rejected")
}

// CreateDestination is a no-op: webhook endpoints are provisioned out of
// band, so a not-found write will fail again on retry and surface to the
// callers.
func (s *Sink) CreateDestination(_ context.Context, _ sink.Options) error {
	return nil
}

func normalizePath(path string) string {
	if path == "" {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}
