package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
	"github.com/DendraScience/dendra-worker-tasks-dpe/pkg/timestamp"
	"github.com/DendraScience/dendra-worker-tasks-dpe/sink"
)

// measurementSummary accumulates per-measurement change log facts during
// point conversion.
type measurementSummary struct {
	count   int
	timeMin int64
	timeMax int64
}

// write validates payload.options and payload.points, converts points to
// the sink representation, enqueues them into the batched writer for the
// destination, and awaits the batch result before the message is acked.
func (h *Handler) write(ctx context.Context, pre *PreprocessResult) error {
	payload, ok := pre.Payload.(map[string]any)
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: payload is not an object", errors.ErrInvalidPayload),
			"Handler", "write", "check payload shape")
	}

	optsMap, ok := payload["options"].(map[string]any)
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: missing payload.options", errors.ErrInvalidPayload),
			"Handler", "write", "check payload.options")
	}
	rawPoints, ok := payload["points"].([]any)
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: missing payload.points", errors.ErrInvalidPayload),
			"Handler", "write", "check payload.points")
	}

	destOpts := parseDestination(optsMap)
	if err := destOpts.Validate(); err != nil {
		return errors.WrapInvalid(err, "Handler", "write", "validate destination options")
	}

	points, summaries, err := h.buildPoints(rawPoints)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	w, err := h.writers.GetOrCreate(destOpts, h.source.WriterOptions)
	if err != nil {
		return errors.Wrap(err, "Handler", "write", "get batch writer")
	}

	done := make(chan error, 1)
	w.Push(points, done)

	select {
	case err := <-done:
		if err != nil {
			return errors.WrapTransient(
				fmt.Errorf("%w: %s", errors.ErrWriteFailed, err),
				"Handler", "write", "await batch write")
		}
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Handler", "write", "await batch write")
	}

	return h.publishChangeLog(ctx, pre, summaries)
}

// buildPoints converts wire points to sink points. A point missing its
// measurement, time, or fields is dropped with a log record; a present
// but unparseable time fails the whole message.
func (h *Handler) buildPoints(rawPoints []any) ([]sink.Point, map[string]*measurementSummary, error) {
	points := make([]sink.Point, 0, len(rawPoints))
	summaries := make(map[string]*measurementSummary)

	for i, raw := range rawPoints {
		obj, ok := raw.(map[string]any)
		if !ok {
			h.logger.Warn("Dropping malformed point", "index", i)
			continue
		}

		measurement, _ := obj["measurement"].(string)
		if measurement == "" {
			h.logger.Warn("Dropping point without measurement", "index", i)
			continue
		}

		rawTime, ok := obj["time"]
		if !ok {
			rawTime, ok = obj["timestamp"]
		}
		if !ok {
			h.logger.Warn("Dropping point without time", "index", i, "measurement", measurement)
			continue
		}
		ts := timestamp.Parse(rawTime)
		if ts == 0 {
			return nil, nil, errors.WrapInvalid(
				fmt.Errorf("%w: point[%d] time %v", errors.ErrInvalidTime, i, rawTime),
				"Handler", "buildPoints", "parse point time")
		}

		fields, ok := obj["fields"].(map[string]any)
		if !ok || len(fields) == 0 {
			h.logger.Warn("Dropping point without fields", "index", i, "measurement", measurement)
			continue
		}

		var tags map[string]string
		if rawTags, ok := obj["tags"].(map[string]any); ok {
			tags = make(map[string]string, len(rawTags))
			for k, v := range rawTags {
				tags[k] = fmt.Sprint(v)
			}
		}

		points = append(points, sink.Point{
			Measurement: measurement,
			Tags:        tags,
			Fields:      fields,
			Timestamp:   ts,
		})

		s, ok := summaries[measurement]
		if !ok {
			s = &measurementSummary{timeMin: ts, timeMax: ts}
			summaries[measurement] = s
		}
		s.count++
		if ts < s.timeMin {
			s.timeMin = ts
		}
		if ts > s.timeMax {
			s.timeMax = ts
		}
	}

	return points, summaries, nil
}

// publishChangeLog emits one summary envelope per measurement after a
// successful write. A publish failure leaves the message for redelivery;
// the duplicate write that follows is idempotent for additive points.
func (h *Handler) publishChangeLog(ctx context.Context, pre *PreprocessResult, summaries map[string]*measurementSummary) error {
	subject := h.source.ChangeLogSubject
	if subject == "" {
		return nil
	}

	for _, measurement := range sortedSummaryKeys(summaries) {
		s := summaries[measurement]
		out, err := json.Marshal(Envelope{
			Context: pre.Context,
			Payload: map[string]any{
				"id":           uuid.NewString(),
				"type":         "write",
				"measurement":  measurement,
				"points_count": s.count,
				"time_min":     s.timeMin,
				"time_max":     s.timeMax,
			},
		})
		if err != nil {
			return errors.WrapInvalid(err, "Handler", "publishChangeLog", "marshal summary")
		}
		if err := h.publisher.Publish(ctx, subject, out); err != nil {
			return errors.WrapTransient(
				fmt.Errorf("%w: %s", errors.ErrPublishFailed, err),
				"Handler", "publishChangeLog", "publish summary")
		}
	}

	return nil
}

// parseDestination reads the wire options object into destination options.
func parseDestination(opts map[string]any) sink.Options {
	str := func(key string) string {
		s, _ := opts[key].(string)
		return s
	}
	return sink.Options{
		Database:        str("database"),
		RetentionPolicy: str("retentionPolicy"),
		Precision:       str("precision"),
		Webhook:         str("webhook"),
		Path:            str("path"),
	}
}

func sortedSummaryKeys(summaries map[string]*measurementSummary) []string {
	keys := make([]string, 0, len(summaries))
	for k := range summaries {
		keys = append(keys, k)
	}
	// Stable change log order for a message spanning measurements
	sort.Strings(keys)
	return keys
}
