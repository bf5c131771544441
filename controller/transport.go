package controller

import (
	"context"

	"github.com/DendraScience/dendra-worker-tasks-dpe/natsclient"
)

// Subscription is one live durable consumer handle.
type Subscription interface {
	Durable() string
	Stop()
}

// Transport is the slice of the stream client the controller drives.
// Publish waits for the stream to acknowledge the message.
type Transport interface {
	IsHealthy() bool
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, cfg natsclient.SubscriptionConfig, handler func(natsclient.Msg)) (Subscription, error)
}

// natsTransport adapts the circuit-breaker NATS client to Transport.
type natsTransport struct {
	client *natsclient.Client
}

// NewTransport wraps a connected NATS client for controller use.
func NewTransport(client *natsclient.Client) Transport {
	return &natsTransport{client: client}
}

func (t *natsTransport) IsHealthy() bool {
	return t.client.IsHealthy()
}

func (t *natsTransport) Publish(ctx context.Context, subject string, data []byte) error {
	return t.client.PublishToStream(ctx, subject, data)
}

func (t *natsTransport) Subscribe(ctx context.Context, cfg natsclient.SubscriptionConfig, handler func(natsclient.Msg)) (Subscription, error) {
	sub, err := t.client.Subscribe(ctx, cfg, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
