// Package worker provides a bounded generic worker pool.
//
// Each source subscription runs its own Pool sized to the subscription's
// in-flight cap. SubmitWait blocks when the pool is saturated, which in
// turn stalls the delivery callback and lets the message server's ack
// pending limit do the rest of the flow control.
package worker
