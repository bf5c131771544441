package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
	"github.com/DendraScience/dendra-worker-tasks-dpe/natsclient"
)

// decode resolves the decode rule for the message, decodes the sliced
// payload buffer, maps rows to named records, and publishes one outbound
// envelope per row. Publishes are sequential and each is awaited so the
// descending-time row order is preserved on the wire.
func (h *Handler) decode(ctx context.Context, msg natsclient.Msg, pre *PreprocessResult) error {
	src := h.source
	if src.PubSubject == "" {
		return errors.WrapFatal(
			fmt.Errorf("source %s: pub_to_subject is required for decode", src.Key),
			"Handler", "decode", "check publish subject")
	}

	tags, err := pre.Tags()
	if err != nil {
		return err
	}
	t, err := pre.Time()
	if err != nil {
		return err
	}

	r, err := src.Rules.FindDecodeRule(tags, t)
	if err != nil {
		return err
	}

	dec, err := h.resources.DecoderFor(r)
	if err != nil {
		return errors.WrapInvalid(err, "Handler", "decode", "construct decoder")
	}

	data, err := payloadBytes(pre.Payload)
	if err != nil {
		return err
	}
	data = sliceBytes(data, r.Definition.DecodeSlice)

	rows, err := dec.Decode(ctx, data)
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrDecodeFailed, err),
			"Handler", "decode", "decode payload")
	}

	base := t
	if r.Definition.TimeEdit != "" {
		ed, err := h.resources.EditorFor(r)
		if err != nil {
			return errors.WrapInvalid(err, "Handler", "decode", "construct time editor")
		}
		base = ed.Edit(base)
	}

	records, err := MapRows(r.Definition.DecodeColumns, rows, base, r.Definition.TimeInterval)
	if err != nil {
		return err
	}

	h.logger.Debug("Decoded", "seq", msg.Sequence(), "rows", len(records))

	for _, record := range records {
		out, err := json.Marshal(Envelope{Context: pre.Context, Payload: record})
		if err != nil {
			return errors.WrapInvalid(err, "Handler", "decode", "marshal outbound envelope")
		}
		if err := h.publisher.Publish(ctx, src.PubSubject, out); err != nil {
			return errors.WrapTransient(
				fmt.Errorf("%w: %s", errors.ErrPublishFailed, err),
				"Handler", "decode", "publish decoded row")
		}
	}

	return nil
}

// payloadBytes extracts the raw buffer from a preprocessed payload.
// Producers send either a plain string, a numeric byte array, or a
// serialized buffer object {"type":"Buffer","data":[...]}.
func payloadBytes(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case []any:
		return numbersToBytes(v)
	case map[string]any:
		if data, ok := v["data"].([]any); ok {
			return numbersToBytes(data)
		}
	}
	return nil, errors.WrapInvalid(
		fmt.Errorf("%w: payload is not a buffer", errors.ErrInvalidPayload),
		"pipeline", "payloadBytes", "extract payload buffer")
}

func numbersToBytes(values []any) ([]byte, error) {
	data := make([]byte, len(values))
	for i, v := range values {
		n, ok := v.(float64)
		if !ok || n < 0 || n > 255 {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: byte value %v at index %d", errors.ErrInvalidPayload, v, i),
				"pipeline", "numbersToBytes", "convert payload bytes")
		}
		data[i] = byte(n)
	}
	return data, nil
}

// sliceBytes applies a [start, end) decode slice, clamped to the buffer.
// An empty slice spec selects the whole buffer.
func sliceBytes(data []byte, slice []int) []byte {
	if len(slice) != 2 {
		return data
	}
	start, end := slice[0], slice[1]
	if start < 0 {
		start = 0
	}
	if end > len(data) {
		end = len(data)
	}
	if start >= end {
		return nil
	}
	return data[start:end]
}
