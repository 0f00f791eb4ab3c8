// Package transport implements the RelayKit correlation and delivery engine:
// it turns an arbitrary asynchronous, possibly lossy channel adapter into a
// reliable-looking request/reply and publish/subscribe API.
//
// A Transport owns four cooperating pieces: the pending-request table that
// matches inbound replies to outstanding requests by correlation id, the
// reconnection state machine that governs the channel lifecycle, the event
// router that fans inbound envelopes out to registered handlers, and the
// optional permission policy consulted before every send, dispatch, and
// broadcast.
//
// All registries are instance-scoped: multiple transports coexist in one
// process without interference.
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/relaykit/errors"
	"github.com/c360/relaykit/message"
	"github.com/c360/relaykit/permission"
	"github.com/c360/relaykit/pkg/retry"
)

// Default timeouts, overridable through options.
const (
	defaultRequestTimeout = 30 * time.Second
	defaultConnectTimeout = 5 * time.Second
	defaultHandlerTimeout = 30 * time.Second
)

// Transport is a single endpoint of the messaging fabric. Create one with
// New, connect it, then exchange envelopes with Request, Publish, Subscribe,
// and Broadcast.
type Transport struct {
	adapter  Adapter
	identity string
	logger   Logger

	requestTimeout time.Duration
	connectTimeout time.Duration
	handlerTimeout time.Duration

	reconnect bool
	retryCfg  retry.Config

	policy *permission.Policy
	actor  permission.Actor

	pending *pendingTable
	router  *router

	metrics   *transportMetrics
	errorHook ErrorHook

	// Connection state machine, guarded by mu.
	mu         sync.Mutex
	state      State
	attempt    *connectAttempt
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	failures atomic.Int32
}

// Status holds a point-in-time snapshot of the transport.
type Status struct {
	State    State
	Failures int32
	Pending  int
}

// New creates a transport over the given channel adapter. The identity names
// this endpoint to its peers and appears as the Source of outgoing envelopes.
func New(adapter Adapter, identity string, opts ...Option) (*Transport, error) {
	if adapter == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Transport", "New", "nil adapter")
	}
	if identity == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Transport", "New", "empty identity")
	}

	t := &Transport{
		adapter:        adapter,
		identity:       identity,
		logger:         &defaultLogger{},
		requestTimeout: defaultRequestTimeout,
		connectTimeout: defaultConnectTimeout,
		handlerTimeout: defaultHandlerTimeout,
		reconnect:      true,
		retryCfg: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     maxReconnectDelay,
			Multiplier:   2.0,
		},
		pending: newPendingTable(),
		state:   StateDisconnected,
	}

	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, errors.WrapInvalid(err, "Transport", "New", "apply option")
		}
	}

	t.router = newRouter(t.reportHandlerError)
	adapter.Bind(t.handleInbound, t.onChannelLost)

	return t, nil
}

// Identity returns the endpoint identity of this transport.
func (t *Transport) Identity() string {
	return t.identity
}

// GetStatus returns a snapshot of the transport's runtime state.
func (t *Transport) GetStatus() Status {
	return Status{
		State:    t.State(),
		Failures: t.failures.Load(),
		Pending:  t.pending.len(),
	}
}

// Request sends a typed request and blocks until the matching reply arrives,
// the request times out, the context ends, or the transport disconnects.
// The reply envelope's CorrelationID equals the request's ID.
func (t *Transport) Request(ctx context.Context, msgType string, payload any) (message.Envelope, error) {
	var zero message.Envelope

	if t.State() != StateConnected {
		t.metrics.recordRequestFailure("not_connected")
		return zero, errors.WrapTransient(errors.ErrNotConnected, "Transport", "Request", "check connection")
	}

	if err := t.authorize(msgType, permission.OpSend, "Request"); err != nil {
		t.metrics.recordRequestFailure("permission_denied")
		return zero, err
	}

	env, err := message.NewEnvelope(msgType, payload, message.WithSource(t.identity))
	if err != nil {
		return zero, err
	}
	data, err := env.Encode()
	if err != nil {
		return zero, err
	}

	entry := t.pending.add(env.ID, msgType, t.requestTimeout, func(*pendingRequest) {
		t.metrics.recordRequestFailure("timeout")
		t.metrics.setPending(t.pending.len())
	})
	t.metrics.recordRequest()
	t.metrics.setPending(t.pending.len())

	if err := t.adapter.Write(ctx, data); err != nil {
		if taken := t.pending.take(env.ID); taken != nil {
			taken.timer.Stop()
		}
		t.metrics.setPending(t.pending.len())
		t.metrics.recordRequestFailure("write")
		return zero, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrAdapterFailure, err),
			"Transport", "Request", "write envelope")
	}

	select {
	case res := <-entry.done:
		t.metrics.setPending(t.pending.len())
		if res.err != nil {
			return zero, res.err
		}
		t.metrics.recordReplyMatched()
		return res.env, nil
	case <-ctx.Done():
		t.pending.fail(env.ID, errors.Wrap(ctx.Err(), "Transport", "Request", "await reply"))
		t.metrics.setPending(t.pending.len())
		t.metrics.recordRequestFailure("cancelled")
		return zero, errors.Wrap(ctx.Err(), "Transport", "Request", "await reply")
	}
}

// Publish sends a fire-and-forget event on the adapter's default route.
// Events carry no correlation id and expect no reply.
func (t *Transport) Publish(ctx context.Context, eventType string, payload any) error {
	if t.State() != StateConnected {
		return errors.WrapTransient(errors.ErrNotConnected, "Transport", "Publish", "check connection")
	}

	if err := t.authorize(eventType, permission.OpSend, "Publish"); err != nil {
		return err
	}

	env, err := message.NewEnvelope(eventType, payload, message.WithSource(t.identity))
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	if err := t.adapter.Write(ctx, data); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrAdapterFailure, err),
			"Transport", "Publish", "write envelope")
	}
	return nil
}

// Subscribe registers a handler for an event type and returns its
// unsubscribe function. Handlers fire in registration order.
func (t *Transport) Subscribe(eventType string, handler Handler) func() {
	return t.router.subscribe(eventType, handler)
}

// Broadcast fans an event out to every recipient, best effort. A nil
// recipient list broadcasts to every endpoint the adapter knows. Delivery
// failures are reported individually through the error hook and do not
// block the remaining recipients. Returns the number of deliveries.
func (t *Transport) Broadcast(ctx context.Context, eventType string, payload any, recipients []string) (int, error) {
	if t.State() != StateConnected {
		return 0, errors.WrapTransient(errors.ErrNotConnected, "Transport", "Broadcast", "check connection")
	}

	if err := t.authorize(eventType, permission.OpBroadcast, "Broadcast"); err != nil {
		return 0, err
	}

	env, err := message.NewEnvelope(eventType, payload, message.WithSource(t.identity))
	if err != nil {
		return 0, err
	}
	data, err := env.Encode()
	if err != nil {
		return 0, err
	}

	if recipients == nil {
		recipients = t.adapter.Recipients()
	}

	delivered := 0
	for _, recipient := range recipients {
		if err := t.adapter.WriteTo(ctx, recipient, data); err != nil {
			t.metrics.recordBroadcastFailure()
			t.logger.Errorf("Broadcast %q to %q failed: %v", eventType, recipient, err)
			if t.errorHook != nil {
				t.errorHook("broadcast", errors.WrapTransient(
					fmt.Errorf("%w: deliver %q to %q: %v", errors.ErrAdapterFailure, eventType, recipient, err),
					"Transport", "Broadcast", "write envelope"))
			}
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Reply answers an inbound request envelope. The reply is routed back to
// the request's source when it names one. Like any other send, the reply
// is checked against the permission policy under the request's type.
func (t *Transport) Reply(ctx context.Context, req message.Envelope, payload any) error {
	if err := t.authorize(req.Type, permission.OpSend, "Reply"); err != nil {
		return err
	}
	env, err := message.NewReply(req, payload, message.WithSource(t.identity))
	if err != nil {
		return err
	}
	return t.writeReply(ctx, req, env)
}

// ReplyError answers an inbound request envelope with a failure. The
// requester's Request call fails with the given reason.
func (t *Transport) ReplyError(ctx context.Context, req message.Envelope, reason string) error {
	if err := t.authorize(req.Type, permission.OpSend, "ReplyError"); err != nil {
		return err
	}
	env := message.NewErrorReply(req, reason, message.WithSource(t.identity))
	return t.writeReply(ctx, req, env)
}

func (t *Transport) writeReply(ctx context.Context, req, env message.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	if req.Source != "" {
		err = t.adapter.WriteTo(ctx, req.Source, data)
	} else {
		err = t.adapter.Write(ctx, data)
	}
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrAdapterFailure, err),
			"Transport", "Reply", "write envelope")
	}
	return nil
}

// handleInbound demultiplexes raw adapter deliveries: replies settle their
// pending request by correlation id, everything else goes to the router.
func (t *Transport) handleInbound(data []byte) {
	env, err := message.Decode(data)
	if err != nil {
		t.logger.Errorf("Dropping undecodable message: %v", err)
		if t.errorHook != nil {
			t.errorHook("decode", err)
		}
		return
	}

	if env.IsReply() {
		if t.pending.resolve(env) {
			t.metrics.setPending(t.pending.len())
		} else {
			t.metrics.recordReplyDropped()
			t.logger.Debugf("Dropping unmatched reply %s (correlation %s)", env.ID, env.CorrelationID)
		}
		return
	}

	if t.policy != nil {
		if d := t.policy.Check(env.Type, t.actor, permission.OpHandle); !d.Allowed {
			t.logger.Debugf("Dropping unauthorized inbound %q: %s", env.Type, d.Reason)
			if t.errorHook != nil {
				t.errorHook("handle", errors.WrapInvalid(
					fmt.Errorf("%w: %s", errors.ErrPermissionDenied, d.Reason),
					"Transport", "handleInbound", "authorize dispatch"))
			}
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.handlerTimeout)
	defer cancel()

	t.metrics.recordDispatch()
	t.router.dispatch(ctx, env)
}

// authorize applies the permission policy for an outbound operation.
func (t *Transport) authorize(msgType string, op permission.Operation, method string) error {
	if t.policy == nil {
		return nil
	}
	d := t.policy.Check(msgType, t.actor, op)
	if d.Allowed {
		return nil
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrPermissionDenied, d.Reason),
		"Transport", method, "authorize "+string(op))
}

// reportHandlerError is the router's failure sink.
func (t *Transport) reportHandlerError(eventType string, err error) {
	t.metrics.recordHandlerError()
	t.logger.Errorf("Handler for %q failed: %v", eventType, err)
	if t.errorHook != nil {
		t.errorHook("handler", err)
	}
}
