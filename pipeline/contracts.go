package pipeline

import (
	"context"
)

// Bindings are the named accessors available to an expression evaluation.
// Time is only bound during transform folds, where it returns the parsed
// message time in Unix milliseconds.
type Bindings struct {
	SubSubject   string
	PubSubject   string
	ErrorSubject string
	MsgSeq       uint64
	Time         func() int64
}

// Evaluator evaluates one compiled expression against a message value.
type Evaluator interface {
	Evaluate(ctx context.Context, input any, env Bindings) (any, error)
}

// EvaluatorFactory compiles expression source into an Evaluator. Compiled
// evaluators are cached per rule handle, so Compile may be expensive.
type EvaluatorFactory interface {
	Compile(expr string) (Evaluator, error)
}

// Decoder turns a raw payload buffer into tabular rows of scalars. Rows
// are returned in the decoder's native order, which for sensor payload
// formats is strictly descending in time.
type Decoder interface {
	Decode(ctx context.Context, data []byte) ([][]float64, error)
}

// DecoderFactory constructs a Decoder for a named payload format.
type DecoderFactory interface {
	New(format string) (Decoder, error)
}

// TimeEditor adjusts a parsed message time (Unix milliseconds) to the
// base time of the first decoded row.
type TimeEditor interface {
	Edit(ms int64) int64
}

// TimeEditorFactory constructs a TimeEditor from an edit spec string.
type TimeEditorFactory interface {
	New(spec string) (TimeEditor, error)
}

// Publisher sends an outbound message and waits for the stream to
// acknowledge it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Archiver upserts documents under deterministic IDs.
type Archiver interface {
	Upsert(ctx context.Context, collection, documentID string, doc map[string]any) error
}

// PassthroughFactory compiles every expression to an evaluator that
// returns its input unchanged. It serves sources whose producers already
// publish preprocessed envelopes carrying params and payload.
type PassthroughFactory struct{}

// Compile implements EvaluatorFactory.
func (PassthroughFactory) Compile(string) (Evaluator, error) {
	return passthroughEvaluator{}, nil
}

type passthroughEvaluator struct{}

func (passthroughEvaluator) Evaluate(_ context.Context, input any, _ Bindings) (any, error) {
	return input, nil
}
