// Package relaykit provides a transport abstraction for message-passing
// systems: request/reply correlation, automatic reconnection, event routing,
// and pattern-based permissions over any asynchronous channel.
//
// # Architecture
//
// RelayKit separates the delivery engine from the channel it runs on:
//
//	┌─────────────────────────────────────┐
//	│           Transport                 │  Request/reply correlation,
//	│  (request, publish, broadcast)      │  reconnect state machine,
//	└─────────────────────────────────────┘  event routing, permissions
//	           ↓ raw bytes via
//	┌─────────────────────────────────────┐
//	│         Channel Adapter             │  portadapter (in-process),
//	│   (open, close, write, deliver)     │  natsadapter (broker),
//	└─────────────────────────────────────┘  wsadapter (websocket)
//
// The transport package owns all delivery semantics: every outgoing request
// is tracked in a pending table until its reply arrives, times out, or the
// connection closes; a lost channel is reopened with exponential backoff;
// inbound events fan out to handlers in registration order with per-handler
// failure isolation.
//
// Adapters implement the transport.Adapter interface and carry no protocol
// logic beyond framing and addressing. Two adapter shapes exist: point to
// point, where every peer is addressed individually (portadapter, wsadapter),
// and brokered, where a subject namespace carries the traffic (natsadapter).
//
// # Usage
//
// Build an adapter, wrap it in a transport, and connect:
//
//	adapter, err := natsadapter.New("nats://localhost:4222")
//	if err != nil {
//		log.Fatal(err)
//	}
//	tr, err := transport.New(adapter, "content-endpoint",
//		transport.WithRequestTimeout(10*time.Second),
//		transport.WithReconnect(5, time.Second, 2.0),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := tr.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	tr.Subscribe("settings:get", func(ctx context.Context, env message.Envelope) error {
//		return tr.Reply(ctx, env, settings.Get())
//	})
//
//	reply, err := tr.Request(ctx, "settings:get", nil)
//
// # Permissions
//
// A permission.Policy restricts which message types an endpoint may send,
// handle, and broadcast, using exact types, prefix patterns ("page:*"), or
// the universal wildcard. Policies are enforced inside the transport on
// every operation; unauthorized inbound messages are dropped before any
// handler runs.
//
// # Configuration
//
// The config package loads layered JSON configuration with environment
// overrides and converts it into transport options.
package relaykit
