// Package sink defines the write contract for batched point delivery.
//
// A Sink accepts bulk point writes for one kind of destination. The
// batched writer treats sinks uniformly: write, and when the destination
// is missing (IsNotFound), create it and retry once.
package sink

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Point is one time-series observation bound for a destination.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any

	// Timestamp in Unix milliseconds.
	Timestamp int64
}

// Options identify and parameterize one logical destination. The writer
// registry caches one batch writer per Key.
type Options struct {
	// Time-series destination
	Database        string
	RetentionPolicy string
	Precision       string

	// Webhook destination
	Webhook string
	Path    string
}

// Key derives the stable destination key for these options. Writer-
// relevant fields only; two option sets with equal keys share a writer.
func (o Options) Key() string {
	if o.Webhook != "" {
		return "webhook/" + o.Webhook + "/" + o.Path
	}
	parts := []string{"influx", o.Database, o.Precision, o.RetentionPolicy}
	return strings.Join(parts, "/")
}

// Validate checks that the options name a destination.
func (o Options) Validate() error {
	if o.Database == "" && o.Webhook == "" {
		return fmt.Errorf("options must name a database or webhook")
	}
	return nil
}

// Sink writes points to a destination in bulk.
type Sink interface {
	// WritePoints writes all points in one call. A missing destination
	// is reported with an error satisfying IsNotFound.
	WritePoints(ctx context.Context, points []Point, opts Options) error

	// CreateDestination provisions the destination named by opts.
	CreateDestination(ctx context.Context, opts Options) error
}

// notFoundError marks a write failure caused by a missing destination.
type notFoundError struct {
	err error
}

func (e *notFoundError) Error() string { return e.err.Error() }
func (e *notFoundError) Unwrap() error { return e.err }

// NotFound wraps err as a missing-destination condition.
func NotFound(err error) error {
	if err == nil {
		return nil
	}
	return &notFoundError{err: err}
}

// IsNotFound reports whether err indicates a missing destination.
func IsNotFound(err error) bool {
	var nf *notFoundError
	return stderrors.As(err, &nf)
}

// SortedTagKeys returns tag keys in lexical order for stable serialization.
func SortedTagKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SortedFieldKeys returns field keys in lexical order for stable serialization.
func SortedFieldKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
