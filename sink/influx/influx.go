// Package influx writes points to an InfluxDB 1.x HTTP endpoint using the
// line protocol.
package influx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
	"github.com/DendraScience/dendra-worker-tasks-dpe/sink"
)

// Config holds connection settings for the InfluxDB endpoint.
type Config struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// Sink writes point batches to InfluxDB over HTTP.
type Sink struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// New creates an InfluxDB sink.
func New(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("influx URL is required"),
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
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// WritePoints writes all points in one line-protocol request. A 404
// response, or Influx's "database not found" error body, is reported as a
// missing-destination condition.
func (s *Sink) WritePoints(ctx context.Context, points []sink.Point, opts sink.Options) error {
	if opts.Database == "" {
		return errors.WrapInvalid(
			fmt.Errorf("options missing database"),
			"Sink", "WritePoints", "no destination database")
	}

	var body bytes.Buffer
	for i := range points {
		if err := writeLine(&body, &points[i]); err != nil {
			return errors.WrapInvalid(err, "Sink", "WritePoints", "serialize point")
		}
	}

	query := url.Values{}
	query.Set("db", opts.Database)
	query.Set("precision", "ms")
	if opts.RetentionPolicy != "" {
		query.Set("rp", opts.RetentionPolicy)
	}

	endpoint := s.baseURL + "/write?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return errors.Wrap(err, "Sink", "WritePoints", "build request")
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Sink", "WritePoints", "write request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	writeErr := fmt.Errorf("influx write returned %d: %s", resp.StatusCode, string(respBody))

	if resp.StatusCode == http.StatusNotFound || strings.Contains(string(respBody), "database not found") {
		return sink.NotFound(writeErr)
	}

	return errors.WrapTransient(writeErr, "Sink", "WritePoints", "write rejected")
}

// CreateDestination creates the database named by the options.
func (s *Sink) CreateDestination(ctx context.Context, opts sink.Options) error {
	if opts.Database == "" {
		return errors.WrapInvalid(
			fmt.Errorf("options missing database"),
			"Sink", "CreateDestination", "no destination database")
	}

	query := url.Values{}
	query.Set("q", fmt.Sprintf("CREATE DATABASE %q", opts.Database))

	endpoint := s.baseURL + "/query"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(query.Encode()))
	if err != nil {
		return errors.Wrap(err, "Sink", "CreateDestination", "build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Sink", "CreateDestination", "create request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.WrapTransient(
			fmt.Errorf("create database returned %d: %s", resp.StatusCode, string(respBody)),
			"Sink", "CreateDestination", "create rejected")
	}

	return nil
}

// writeLine appends one point in line protocol form:
// measurement,tag=v field=v,field2=v2 <ms>
func writeLine(buf *bytes.Buffer, p *sink.Point) error {
	if p.Measurement == "" {
		return fmt.Errorf("point missing measurement")
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("point %s has no fields", p.Measurement)
	}

	buf.WriteString(escapeIdent(p.Measurement))

	for _, k := range sink.SortedTagKeys(p.Tags) {
		buf.WriteByte(',')
		buf.WriteString(escapeIdent(k))
		buf.WriteByte('=')
		buf.WriteString(escapeIdent(p.Tags[k]))
	}

	buf.WriteByte(' ')
	for i, k := range sink.SortedFieldKeys(p.Fields) {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(escapeIdent(k))
		buf.WriteByte('=')
		if err := writeFieldValue(buf, p.Fields[k]); err != nil {
			return fmt.Errorf("field %s of %s: %w", k, p.Measurement, err)
		}
	}

	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatInt(p.Timestamp, 10))
	buf.WriteByte('\n')
	return nil
}

func writeFieldValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case float64:
		buf.WriteString(strconv.FormatFloat(val, 'f', -1, 64))
	case float32:
		buf.WriteString(strconv.FormatFloat(float64(val), 'f', -1, 64))
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10) + "i")
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10) + "i")
	case string:
		buf.WriteString(strconv.Quote(val))
	default:
		return fmt.Errorf("unsupported field type %T", v)
	}
	return nil
}

// escapeIdent escapes commas, spaces and equals signs per line protocol.
func escapeIdent(s string) string {
	replacer := strings.NewReplacer(",", `\,`, " ", `\ `, "=", `\=`)
	return replacer.Replace(s)
}
