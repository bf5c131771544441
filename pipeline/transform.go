package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
	"github.com/DendraScience/dendra-worker-tasks-dpe/natsclient"
)

// transform folds every matching transform rule over the payload, left to
// right, then publishes the final payload once. Each rule's compiled
// expression sees a time() binding bound to the parsed message time.
func (h *Handler) transform(ctx context.Context, msg natsclient.Msg, pre *PreprocessResult) error {
	src := h.source
	if src.PubSubject == "" {
		return errors.WrapFatal(
			fmt.Errorf("source %s: pub_to_subject is required for transform", src.Key),
			"Handler", "transform", "check publish subject")
	}

	tags, err := pre.Tags()
	if err != nil {
		return err
	}
	t, err := pre.Time()
	if err != nil {
		return err
	}

	env := Bindings{
		SubSubject:   src.SubSubject,
		PubSubject:   src.PubSubject,
		ErrorSubject: src.ErrorSubject,
		MsgSeq:       msg.Sequence(),
		Time:         func() int64 { return t },
	}

	payload := pre.Payload
	for _, r := range src.Rules.FindTransformRules(tags, t) {
		ev, err := h.resources.EvaluatorFor(r)
		if err != nil {
			return errors.WrapInvalid(err, "Handler", "transform", "compile transform expression")
		}
		payload, err = ev.Evaluate(ctx, payload, env)
		if err != nil {
			return errors.WrapInvalid(err, "Handler", "transform", "evaluate transform expression")
		}
		if payload == nil {
			return errors.WrapInvalid(errors.ErrMalformedResult,
				"Handler", "transform", "check transform result")
		}
	}

	out, err := json.Marshal(Envelope{Context: pre.Context, Payload: payload})
	if err != nil {
		return errors.WrapInvalid(err, "Handler", "transform", "marshal outbound envelope")
	}
	if err := h.publisher.Publish(ctx, src.PubSubject, out); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrPublishFailed, err),
			"Handler", "transform", "publish transformed payload")
	}

	return nil
}
