package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
)

// DeliverPolicy controls where a new consumer starts in the stream.
type DeliverPolicy string

// Supported deliver policies
const (
	DeliverNew         DeliverPolicy = "new"
	DeliverAll         DeliverPolicy = "all"
	DeliverByStartTime DeliverPolicy = "by_start_time"
)

// Msg is a received stream message. Acknowledgement is always explicit;
// a message left unacknowledged is redelivered after the ack wait elapses.
type Msg interface {
	Data() []byte
	Subject() string

	// Sequence returns the stream sequence of the message.
	Sequence() uint64

	// NumDelivered returns the delivery attempt count, starting at 1.
	NumDelivered() uint64

	// Timestamp returns the time the message was stored in the stream.
	Timestamp() time.Time

	Ack() error
	InProgress() error
}

// jsMsg adapts a jetstream.Msg to the Msg interface. Metadata is resolved
// once on receipt so handler code never sees a metadata error mid-flight.
type jsMsg struct {
	msg          jetstream.Msg
	sequence     uint64
	numDelivered uint64
	timestamp    time.Time
}

func newJSMsg(msg jetstream.Msg) *jsMsg {
	w := &jsMsg{msg: msg, numDelivered: 1}
	if meta, err := msg.Metadata(); err == nil {
		w.sequence = meta.Sequence.Stream
		w.numDelivered = meta.NumDelivered
		w.timestamp = meta.Timestamp
	}
	return w
}

func (m *jsMsg) Data() []byte         { return m.msg.Data() }
func (m *jsMsg) Subject() string      { return m.msg.Subject() }
func (m *jsMsg) Sequence() uint64     { return m.sequence }
func (m *jsMsg) NumDelivered() uint64 { return m.numDelivered }
func (m *jsMsg) Timestamp() time.Time { return m.timestamp }
func (m *jsMsg) Ack() error           { return m.msg.Ack() }
func (m *jsMsg) InProgress() error    { return m.msg.InProgress() }

// SubscriptionConfig describes a durable stream subscription.
type SubscriptionConfig struct {
	// Stream is the JetStream stream to consume from.
	Stream string

	// Subject filters the stream to matching subjects.
	Subject string

	// Durable names the consumer. Clients sharing a durable name share
	// delivery, so a horizontally scaled worker group processes each
	// message once.
	Durable string

	// AckWait is how long the server waits for an ack before redelivery.
	AckWait time.Duration

	// MaxAckPending caps the number of unacknowledged messages in flight.
	MaxAckPending int

	// DeliverPolicy selects the start position for a new consumer.
	// Defaults to DeliverNew.
	DeliverPolicy DeliverPolicy

	// StartTime is required when DeliverPolicy is DeliverByStartTime.
	StartTime time.Time
}

// Validate checks the subscription configuration for required fields.
func (c *SubscriptionConfig) Validate() error {
	if c.Stream == "" {
		return errors.WrapInvalid(
			fmt.Errorf("stream name is required"),
			"SubscriptionConfig", "Validate", "missing stream")
	}
	if c.Subject == "" {
		return errors.WrapInvalid(
			fmt.Errorf("subject is required"),
			"SubscriptionConfig", "Validate", "missing subject")
	}
	if c.Durable == "" {
		return errors.WrapInvalid(
			fmt.Errorf("durable name is required"),
			"SubscriptionConfig", "Validate", "missing durable name")
	}
	if c.DeliverPolicy == DeliverByStartTime && c.StartTime.IsZero() {
		return errors.WrapInvalid(
			fmt.Errorf("start time is required for by_start_time delivery"),
			"SubscriptionConfig", "Validate", "missing start time")
	}
	return nil
}

// consumerConfig translates the subscription into a JetStream consumer
// configuration with explicit acks.
func (c *SubscriptionConfig) consumerConfig() (jetstream.ConsumerConfig, error) {
	cfg := jetstream.ConsumerConfig{
		Durable:       c.Durable,
		FilterSubject: c.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.AckWait,
		MaxAckPending: c.MaxAckPending,
	}

	switch c.DeliverPolicy {
	case DeliverNew, "":
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
	case DeliverAll:
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	case DeliverByStartTime:
		cfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		startTime := c.StartTime
		cfg.OptStartTime = &startTime
	default:
		return cfg, errors.WrapInvalid(
			fmt.Errorf("unknown deliver policy %q", c.DeliverPolicy),
			"SubscriptionConfig", "consumerConfig", "translate deliver policy")
	}

	return cfg, nil
}

// Subscription is an active durable consumer. Stop it to cease delivery;
// unacknowledged messages are redelivered to the next subscriber sharing
// the durable name.
type Subscription struct {
	client  *Client
	durable string
	consume jetstream.ConsumeContext
}

// Durable returns the durable consumer name.
func (s *Subscription) Durable() string {
	return s.durable
}

// Stop ceases message delivery and deregisters the subscription.
func (s *Subscription) Stop() {
	s.client.removeSubscription(s.durable)
	s.stop()
}

func (s *Subscription) stop() {
	if s.consume != nil {
		s.consume.Stop()
	}
}

// Subscribe creates a durable consumer on a stream and begins delivering
// messages to handler. Messages are never auto-acknowledged; the handler
// owns the ack decision.
func (m *Client) Subscribe(ctx context.Context, cfg SubscriptionConfig, handler func(Msg)) (*Subscription, error) {
	if m.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}

	if m.Status() != StatusConnected {
		return nil, ErrNotConnected
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if m.closed.Load() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("client is closed"),
			"Client", "Subscribe", "check client state")
	}

	js, err := m.JetStream()
	if err != nil {
		m.recordFailure()
		return nil, err
	}

	consumerCfg, err := cfg.consumerConfig()
	if err != nil {
		return nil, err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, consumerCfg)
	if err != nil {
		m.recordFailure()
		m.jsMetrics.recordError("create_consumer")
		return nil, errors.WrapTransient(err, "Client", "Subscribe",
			fmt.Sprintf("create consumer %s on stream %s", cfg.Durable, cfg.Stream))
	}

	if info, err := consumer.Info(ctx); err == nil {
		m.jsMetrics.trackConsumer(cfg.Stream, info.Name, consumer)
	}

	consumeContext, err := consumer.Consume(func(msg jetstream.Msg) {
		handler(newJSMsg(msg))
	})
	if err != nil {
		m.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "Subscribe",
			fmt.Sprintf("start consuming %s", cfg.Durable))
	}

	sub := &Subscription{
		client:  m,
		durable: cfg.Durable,
		consume: consumeContext,
	}

	m.subscriptionsMu.Lock()
	defer m.subscriptionsMu.Unlock()

	// Client may have begun closing while the consumer was created
	if m.closed.Load() {
		consumeContext.Stop()
		return nil, errors.WrapInvalid(
			fmt.Errorf("client is closing"),
			"Client", "Subscribe", "check client state during registration")
	}

	if m.subscriptions == nil {
		m.subscriptions = make(map[string]*Subscription)
	}

	// Replace any existing subscription sharing the durable name
	if existing, exists := m.subscriptions[cfg.Durable]; exists {
		existing.stop()
		m.logger.Debugf("Replaced existing subscription for %s", cfg.Durable)
	}

	m.subscriptions[cfg.Durable] = sub

	m.resetCircuit()
	return sub, nil
}

// Unsubscribe stops delivery and deletes the durable consumer so its
// delivery state is discarded on the server.
func (m *Client) Unsubscribe(ctx context.Context, streamName, durable string) error {
	m.subscriptionsMu.Lock()
	if sub, exists := m.subscriptions[durable]; exists {
		sub.stop()
		delete(m.subscriptions, durable)
	}
	m.subscriptionsMu.Unlock()

	js, err := m.JetStream()
	if err != nil {
		return err
	}

	if err := js.DeleteConsumer(ctx, streamName, durable); err != nil {
		// Already-deleted consumers are fine
		if stderrors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "Client", "Unsubscribe",
			fmt.Sprintf("delete consumer %s on stream %s", durable, streamName))
	}

	return nil
}

// removeSubscription deregisters a stopped subscription.
func (m *Client) removeSubscription(durable string) {
	m.subscriptionsMu.Lock()
	defer m.subscriptionsMu.Unlock()
	delete(m.subscriptions, durable)
}
