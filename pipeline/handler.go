// Package pipeline implements the per-message processing state machine.
//
// Every inbound message moves through: version check (defer on mismatch),
// ignore-before cutoff (ack without processing), preprocessing (skip, or
// route by flavor), and a flavor-specific routed stage. Acknowledgement
// happens exactly once, only after the full path completes; failures are
// redirected to an error subject, suppressed after repeated redelivery,
// or left unacknowledged for transport redelivery.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DendraScience/dendra-worker-tasks-dpe/config"
	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
	"github.com/DendraScience/dendra-worker-tasks-dpe/metric"
	"github.com/DendraScience/dendra-worker-tasks-dpe/natsclient"
	"github.com/DendraScience/dendra-worker-tasks-dpe/rule"
	"github.com/DendraScience/dendra-worker-tasks-dpe/writer"
)

// Processing outcomes recorded per message
const (
	OutcomeIgnored    = "ignored"
	OutcomeSkipped    = "skipped"
	OutcomePublished  = "published"
	OutcomeWritten    = "written"
	OutcomeArchived   = "archived"
	OutcomeDeferred   = "deferred"
	OutcomeRedirected = "redirected"
	OutcomeSuppressed = "suppressed"
	OutcomeFailed     = "failed"
)

// Source is one resolved subscription: its config snapshot version, the
// rules and compiled preprocessing expression in effect, and the routing
// subjects.
type Source struct {
	Key    string
	Flavor string

	SubSubject   string
	PubSubject   string
	ErrorSubject string

	// IsErrorSource marks the companion subscription on the error
	// subject itself; its failures never redirect (that would loop).
	IsErrorSource bool

	// IgnoreBefore acks without processing any message stored in the
	// stream before this cutoff (Unix ms). Zero disables the cutoff.
	IgnoreBefore int64

	// SuppressAtRedelivery is the redelivery count at which failures are
	// suppressed, or -1 when suppression is disabled.
	SuppressAtRedelivery int

	VersionTs  int64
	Rules      *rule.Store
	Preprocess Evaluator

	WriterOptions    writer.Options
	ChangeLogSubject string
}

// Handler processes messages for one source.
type Handler struct {
	source    *Source
	publisher Publisher
	resources *Resources
	writers   *writer.Registry

	archive           Archiver
	archiveCollection string

	// liveVersion returns the controller's current configuration
	// version. A message whose source snapshot does not match is
	// deferred for redelivery under the new version's subscription.
	liveVersion func() int64

	logger  *slog.Logger
	metrics *metric.Metrics
}

// HandlerDeps carries the shared collaborators a handler needs.
type HandlerDeps struct {
	Publisher         Publisher
	Resources         *Resources
	Writers           *writer.Registry
	Archive           Archiver
	ArchiveCollection string
	LiveVersion       func() int64
	Logger            *slog.Logger
	Metrics           *metric.Metrics
}

// NewHandler binds a source to its collaborators.
func NewHandler(src *Source, deps HandlerDeps) (*Handler, error) {
	if src == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("source is required"),
			"Handler", "NewHandler", "check source")
	}
	if src.Preprocess == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("source %s: preprocessing evaluator is required", src.Key),
			"Handler", "NewHandler", "check evaluator")
	}
	switch src.Flavor {
	case config.FlavorDecode, config.FlavorTransform:
		if deps.Publisher == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("source %s: publisher is required", src.Key),
				"Handler", "NewHandler", "check publisher")
		}
	case config.FlavorInflux, config.FlavorWebhook:
		if deps.Writers == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("source %s: writer registry is required", src.Key),
				"Handler", "NewHandler", "check writers")
		}
	case config.FlavorArchive:
		if deps.Archive == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("source %s: archive client is required", src.Key),
				"Handler", "NewHandler", "check archive")
		}
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("source %s: unknown flavor %q", src.Key, src.Flavor),
			"Handler", "NewHandler", "check flavor")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		source:            src,
		publisher:         deps.Publisher,
		resources:         deps.Resources,
		writers:           deps.Writers,
		archive:           deps.Archive,
		archiveCollection: deps.ArchiveCollection,
		liveVersion:       deps.LiveVersion,
		logger:            logger.With("source", src.Key, "flavor", src.Flavor),
		metrics:           deps.Metrics,
	}, nil
}

// Handle processes one delivered message end to end.
func (h *Handler) Handle(ctx context.Context, msg natsclient.Msg) {
	src := h.source
	start := time.Now()

	if h.metrics != nil {
		h.metrics.MessagesReceived.WithLabelValues(src.Key).Inc()
	}

	if h.liveVersion != nil && h.liveVersion() != src.VersionTs {
		// Neither ack nor nack: the message redelivers once the new
		// version's subscription is live.
		h.logger.Warn("Message deferred across reconfiguration",
			"seq", msg.Sequence(),
			"sourceVersion", src.VersionTs,
			"liveVersion", h.liveVersion())
		h.recordOutcome(OutcomeDeferred)
		if h.metrics != nil {
			h.metrics.MessagesDeferred.WithLabelValues(src.Key).Inc()
		}
		return
	}

	if src.IgnoreBefore > 0 && msg.Timestamp().UnixMilli() < src.IgnoreBefore {
		h.ack(msg)
		h.recordOutcome(OutcomeIgnored)
		return
	}

	outcome, err := h.process(ctx, msg)
	if err != nil {
		h.recoverFailure(ctx, msg, err)
		return
	}

	h.ack(msg)
	h.recordOutcome(outcome)
	if h.metrics != nil {
		h.metrics.ProcessingDuration.WithLabelValues(src.Key, src.Flavor).
			Observe(time.Since(start).Seconds())
	}
}

// process runs preprocessing and the flavor-specific routed stage.
func (h *Handler) process(ctx context.Context, msg natsclient.Msg) (string, error) {
	src := h.source

	input, err := ParseMessage(msg.Data())
	if err != nil {
		return "", err
	}

	env := Bindings{
		SubSubject:   src.SubSubject,
		PubSubject:   src.PubSubject,
		ErrorSubject: src.ErrorSubject,
		MsgSeq:       msg.Sequence(),
	}

	result, err := src.Preprocess.Evaluate(ctx, input, env)
	if err != nil {
		return "", errors.WrapInvalid(err, "Handler", "process", "evaluate preprocessing expression")
	}

	pre, err := ParsePreprocessResult(result)
	if err != nil {
		return "", err
	}

	if pre.Skip() {
		h.logger.Warn("Processing skipped", "seq", msg.Sequence())
		return OutcomeSkipped, nil
	}

	switch src.Flavor {
	case config.FlavorDecode:
		return OutcomePublished, h.decode(ctx, msg, pre)
	case config.FlavorTransform:
		return OutcomePublished, h.transform(ctx, msg, pre)
	case config.FlavorInflux, config.FlavorWebhook:
		return OutcomeWritten, h.write(ctx, pre)
	case config.FlavorArchive:
		return OutcomeArchived, h.archiveDocument(ctx, pre)
	default:
		return "", errors.WrapFatal(
			fmt.Errorf("unknown flavor %q", src.Flavor),
			"Handler", "process", "route by flavor")
	}
}

// recoverFailure applies the recovery order for a failed message:
// redirect to the error subject, suppress after repeated redelivery, or
// leave unacknowledged for transport redelivery.
func (h *Handler) recoverFailure(ctx context.Context, msg natsclient.Msg, err error) {
	src := h.source

	if h.metrics != nil {
		h.metrics.ErrorsTotal.WithLabelValues(src.Key, errors.Classify(err).String()).Inc()
	}

	if src.ErrorSubject != "" && !src.IsErrorSource {
		if pubErr := h.publisher.Publish(ctx, src.ErrorSubject, msg.Data()); pubErr == nil {
			h.ack(msg)
			h.recordOutcome(OutcomeRedirected)
			if h.metrics != nil {
				h.metrics.MessagesRedirected.WithLabelValues(src.Key).Inc()
			}
			h.logger.Warn("Message redirected to error subject",
				"seq", msg.Sequence(),
				"errorSubject", src.ErrorSubject,
				"error", err)
			return
		}
		h.logger.Error("Error subject redirect failed",
			"seq", msg.Sequence(),
			"errorSubject", src.ErrorSubject,
			"error", err)
	}

	if t := src.SuppressAtRedelivery; t >= 0 && int(msg.NumDelivered())-1 >= t {
		h.ack(msg)
		h.recordOutcome(OutcomeSuppressed)
		if h.metrics != nil {
			h.metrics.ErrorsSuppressed.WithLabelValues(src.Key).Inc()
		}
		h.logger.Warn("Error suppressed after redelivery",
			"seq", msg.Sequence(),
			"redeliveries", msg.NumDelivered()-1,
			"error", err)
		return
	}

	h.recordOutcome(OutcomeFailed)
	h.logger.Error("Processing failed, message left for redelivery",
		"seq", msg.Sequence(),
		"redeliveries", msg.NumDelivered()-1,
		"error", err)
}

func (h *Handler) ack(msg natsclient.Msg) {
	if err := msg.Ack(); err != nil {
		h.logger.Warn("Ack failed", "seq", msg.Sequence(), "error", err)
	}
}

func (h *Handler) recordOutcome(outcome string) {
	if h.metrics != nil {
		h.metrics.MessagesProcessed.WithLabelValues(h.source.Key, outcome).Inc()
	}
}
