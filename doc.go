// Package dpe is a data pipeline engine worker for environmental sensor
// telemetry. It consumes raw observation messages from JetStream
// subjects, applies time-windowed processing rules, and moves the
// results toward storage.
//
// # Architecture
//
// The worker is organized around configuration-driven pipelines, each
// of a single flavor:
//
//	┌─────────────────────────────────────┐
//	│          Controller                 │  Versioned reconciliation
//	│  (task graph, live reconfiguration) │  of subscriptions
//	└─────────────────────────────────────┘
//	           ↓ opens
//	┌─────────────────────────────────────┐
//	│     Source subscriptions            │  Durable JetStream consumers,
//	│  (bounded worker pool per source)   │  at-least-once delivery
//	└─────────────────────────────────────┘
//	           ↓ feed
//	┌─────────────────────────────────────┐
//	│       Pipeline handlers             │  decode, transform,
//	│  (preprocess, rules, dispatch)      │  influx_write, webhook_send,
//	└─────────────────────────────────────┘  archive
//	           ↓ emit to
//	┌─────────────────────────────────────┐
//	│   Publishers, batch writers,        │  Republished envelopes,
//	│   document store                    │  debounced point batches,
//	└─────────────────────────────────────┘  idempotent upserts
//
// Decode pipelines expand pseudo-binary payloads into per-interval
// observation rows published in descending time order. Transform
// pipelines fold matching rule expressions over a payload. Write
// pipelines batch time-series points per destination with trailing-edge
// debounce and create missing destinations on demand. Archive pipelines
// upsert raw documents under deterministic ids.
//
// Reconfiguration replaces whole config snapshots under a monotonic
// version. Messages in flight under an older version are deferred back
// to redelivery, so two versions never interleave their effects.
//
// The cmd/dpe-worker binary wires these packages together.
package dpe
