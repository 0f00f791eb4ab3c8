package transport

import "context"

// Adapter is the channel abstraction the transport core runs on. An adapter
// owns one physical communication path (an in-process port pair, a broker
// connection, a websocket) and exposes raw byte-level primitives; the core
// never branches on what kind of channel sits underneath.
//
// Two shapes are expected: point-to-point adapters where each peer is
// addressed individually and Recipients enumerates the known peers, and
// subject/topic broker adapters where Write publishes to a shared subject
// and WriteTo targets a peer-specific subject.
type Adapter interface {
	// Open establishes the channel for the given endpoint identity.
	// It must not be called while the channel is already open.
	Open(ctx context.Context, identity string) error

	// Close releases the channel. Close is idempotent.
	Close(ctx context.Context) error

	// Write delivers a raw message on the adapter's default route: the
	// remote peer for point-to-point adapters, the shared event subject
	// for broker adapters. It fails when the channel is not open.
	Write(ctx context.Context, data []byte) error

	// WriteTo delivers a raw message to one named recipient.
	WriteTo(ctx context.Context, recipient string, data []byte) error

	// Recipients enumerates the endpoints known to the adapter, used for
	// fan-out broadcast when the caller does not name recipients.
	Recipients() []string

	// Bind registers the delivery callbacks before Open. onMessage fires
	// for every raw inbound message; onDisconnect fires once when the
	// channel is lost for a reason other than Close.
	Bind(onMessage func(data []byte), onDisconnect func(err error))
}
