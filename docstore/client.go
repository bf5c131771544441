// Package docstore is a minimal REST client for the archive document
// store. Documents are upserted under deterministic IDs so redelivered
// messages archive idempotently.
package docstore

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
	"github.com/DendraScience/dendra-worker-tasks-dpe/pkg/retry"
)

// Config holds connection settings for the document store.
type Config struct {
	URL     string
	Timeout time.Duration
}

// Client upserts documents over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retryCfg   retry.Config
}

// New creates a document store client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("document store URL is required"),
			"Client", "New", "missing URL")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, errors.WrapInvalid(err, "Client", "New", "invalid URL")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retryCfg:   retry.Quick(),
	}, nil
}

// Upsert writes the document under collection/documentID, replacing any
// existing document with the same ID. Transient HTTP failures are retried
// with backoff; 4xx responses are not.
func (c *Client) Upsert(ctx context.Context, collection, documentID string, doc map[string]any) error {
	if collection == "" || documentID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("collection and document ID are required"),
			"Client", "Upsert", "missing document coordinates")
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "Upsert", "marshal document")
	}

	endpoint := c.baseURL + "/" + url.PathEscape(collection) + "/" + url.PathEscape(documentID)

	return retry.Do(ctx, c.retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(data))
		if err != nil {
			return retry.NonRetryable(errors.Wrap(err, "Client", "Upsert", "build request"))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errors.WrapTransient(err, "Client", "Upsert", "upsert request failed")
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		upsertErr := fmt.Errorf("document store returned %d: %s", resp.StatusCode, string(respBody))

		// Client errors will not heal on retry
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.NonRetryable(errors.WrapInvalid(upsertErr, "Client", "Upsert", "upsert rejected"))
		}
		return errors.WrapTransient(upsertErr, "Client", "Upsert", "upsert failed")
	})
}
