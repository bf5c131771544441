// Package natsclient manages the worker's NATS connection.
//
// Client wraps a single NATS connection with a circuit breaker: repeated
// connection failures open the circuit and back off exponentially before
// further attempts. JetStream access builds on the same connection.
//
// Subscriptions are durable consumers with explicit acknowledgement. The
// handler owns the ack decision; messages left unacknowledged redeliver
// after the ack wait. Durable names are shared across worker instances so
// a scaled group processes each message once.
//
// Basic usage:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//		natsclient.WithName("dpe-worker"),
//		natsclient.WithCircuitBreakerThreshold(5),
//	)
//	if err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close(ctx)
//
//	sub, err := client.Subscribe(ctx, natsclient.SubscriptionConfig{
//		Stream:        "TELEMETRY",
//		Subject:       "station.goes.in",
//		Durable:       "dpe-station-goes",
//		AckWait:       time.Minute,
//		MaxAckPending: 10,
//	}, func(msg natsclient.Msg) {
//		// process, then msg.Ack()
//	})
package natsclient
