package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
	"github.com/DendraScience/dendra-worker-tasks-dpe/pkg/timestamp"
)

// Envelope is the wire message: correlation context plus an arbitrary
// payload. Context is propagated end-to-end unless a stage explicitly
// replaces it.
type Envelope struct {
	Context map[string]any `json:"context,omitempty"`
	Payload any            `json:"payload"`
}

// ParseMessage decodes an inbound message body into the generic form the
// preprocessing expression evaluates against.
func ParseMessage(data []byte) (map[string]any, error) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidPayload, err),
			"pipeline", "ParseMessage", "decode message JSON")
	}
	return msg, nil
}

// PreprocessResult is the validated output of a preprocessing expression.
type PreprocessResult struct {
	Context map[string]any
	Params  map[string]any
	Payload any
}

// ParsePreprocessResult validates that an evaluation result carries both
// params and payload. Absence of either is a malformed result.
func ParsePreprocessResult(result any) (*PreprocessResult, error) {
	obj, ok := result.(map[string]any)
	if !ok || obj == nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedResult,
			"pipeline", "ParsePreprocessResult", "check result shape")
	}

	params, ok := obj["params"].(map[string]any)
	if !ok || params == nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedResult,
			"pipeline", "ParsePreprocessResult", "check params")
	}

	payload, ok := obj["payload"]
	if !ok || payload == nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedResult,
			"pipeline", "ParsePreprocessResult", "check payload")
	}

	ctx, _ := obj["context"].(map[string]any)

	return &PreprocessResult{
		Context: ctx,
		Params:  params,
		Payload: payload,
	}, nil
}

// Skip reports whether the preprocessing result requested a terminal skip.
func (p *PreprocessResult) Skip() bool {
	skip, _ := p.Params["skip"].(bool)
	return skip
}

// Tags returns params.tags as a string slice.
func (p *PreprocessResult) Tags() ([]string, error) {
	raw, ok := p.Params["tags"].([]any)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidTags,
			"pipeline", "Tags", "read params.tags")
	}
	tags := make([]string, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, errors.WrapInvalid(errors.ErrInvalidTags,
				"pipeline", "Tags", fmt.Sprintf("read params.tags[%d]", i))
		}
		tags[i] = s
	}
	return tags, nil
}

// Time returns params.time parsed to Unix milliseconds.
func (p *PreprocessResult) Time() (int64, error) {
	raw, ok := p.Params["time"]
	if !ok {
		return 0, errors.WrapInvalid(errors.ErrInvalidTime,
			"pipeline", "Time", "read params.time")
	}
	t := timestamp.Parse(raw)
	if t == 0 {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: unparseable value %v", errors.ErrInvalidTime, raw),
			"pipeline", "Time", "parse params.time")
	}
	return t, nil
}

// DocumentID returns params.document_id for archive routing.
func (p *PreprocessResult) DocumentID() (string, error) {
	id, ok := p.Params["document_id"].(string)
	if !ok || id == "" {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: missing params.document_id", errors.ErrInvalidPayload),
			"pipeline", "DocumentID", "read params.document_id")
	}
	return id, nil
}
