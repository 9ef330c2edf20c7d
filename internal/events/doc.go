// Package events provides the runtime's in-process event bus.
//
// Producers (orchestrator, protocol server) call Publish; consumers
// (reconciler, stream engine, gRPC health service) Subscribe with a Filter.
// Each subscriber owns a bounded queue. Publish never blocks: when a queue
// is full the subscriber is disconnected, its channel closed and Err set to
// ErrSlowSubscriber. Consumers that must not miss the stream resubscribe and
// resynchronize from the store.
//
// Events published by one goroutine are delivered to each subscriber in
// publication order.
package events
