// Package stream delivers task updates to streaming clients.
//
// The Engine is the single bus subscriber for task events. Each event is
// converted to an Update and pushed to every Subscriber of its task in bus
// order. Delivery never blocks the engine: a subscriber whose queue is full
// is closed with ErrSlowSubscriber and the client must resubscribe.
//
// Status updates whose state is terminal, input-required or auth-required
// carry Final; handlers end the stream after writing one.
package stream
