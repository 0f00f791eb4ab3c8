package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/relaykit/errors"
)

// State represents the connection state of a transport
type State int

// Possible connection states
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// maxReconnectDelay caps the backoff between reconnect attempts.
const maxReconnectDelay = 30 * time.Second

// connectAttempt is the shared outcome of one connection attempt, including
// any automatic retries it spawns. Concurrent Connect calls join the same
// attempt rather than opening a second channel.
type connectAttempt struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newConnectAttempt() *connectAttempt {
	return &connectAttempt{done: make(chan struct{})}
}

func (a *connectAttempt) settle(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// wait blocks until the attempt settles or the caller's context ends. The
// attempt keeps running in the background when the caller gives up waiting.
func (a *connectAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "Transport", "Connect", "await connection")
	}
}

// Connect establishes the channel. It is idempotent: when already connected
// it returns immediately, and while a connect or reconnect attempt is in
// flight it returns that attempt's outcome rather than starting another.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case StateConnected:
		t.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		att := t.attempt
		t.mu.Unlock()
		return att.wait(ctx)
	}

	att := newConnectAttempt()
	t.attempt = att
	lifeCtx, cancel := context.WithCancel(context.Background())
	t.lifeCtx, t.lifeCancel = lifeCtx, cancel
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	go t.runConnect(lifeCtx, att)
	return att.wait(ctx)
}

// Disconnect is the single authoritative teardown call: it cancels any
// pending retry timer, releases the channel, and rejects every outstanding
// request with ErrConnectionClosed. It transitions to Disconnected from any
// state and is safe to call repeatedly.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	att := t.attempt
	t.attempt = nil
	cancel := t.lifeCancel
	t.lifeCancel = nil
	t.setStateLocked(StateDisconnected)
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if att != nil {
		att.settle(errors.WrapTransient(errors.ErrConnectionClosed,
			"Transport", "Disconnect", "abort connect attempt"))
	}

	closeErr := t.adapter.Close(ctx)

	drained := t.pending.drain(errors.WrapTransient(errors.ErrConnectionClosed,
		"Transport", "Disconnect", "reject pending request"))
	t.metrics.setPending(0)
	if drained > 0 {
		t.logger.Printf("Rejected %d pending requests on disconnect", drained)
	}

	if closeErr != nil {
		return errors.Wrap(closeErr, "Transport", "Disconnect", "close adapter")
	}
	return nil
}

// runConnect performs the initial attempt and, when reconnection is enabled,
// hands a failure over to the retry loop.
func (t *Transport) runConnect(lifeCtx context.Context, att *connectAttempt) {
	err := t.openOnce(lifeCtx)
	if err == nil {
		t.becomeConnected(att)
		return
	}

	t.logger.Errorf("Connect attempt failed: %v", err)
	if !t.reconnect {
		t.settleFailure(att, err)
		return
	}
	if !t.transition(att, StateReconnecting) {
		return
	}
	t.retryLoop(lifeCtx, att, err)
}

// retryLoop retries the connect attempt with exponential backoff until it
// succeeds, the transport is disconnected, or maxRetries is exceeded.
func (t *Transport) retryLoop(lifeCtx context.Context, att *connectAttempt, lastErr error) {
	for n := 1; n <= t.retryCfg.MaxAttempts; n++ {
		delay := t.retryCfg.Delay(n)
		t.logger.Debugf("Reconnect attempt %d in %v", n, delay)

		timer := time.NewTimer(delay)
		select {
		case <-lifeCtx.Done():
			timer.Stop()
			return // Disconnect settled the attempt already
		case <-timer.C:
		}

		if !t.transition(att, StateConnecting) {
			return
		}
		t.metrics.recordReconnect()

		err := t.openOnce(lifeCtx)
		if err == nil {
			t.becomeConnected(att)
			return
		}
		lastErr = err
		t.logger.Errorf("Reconnect attempt %d failed: %v", n, err)

		if !t.transition(att, StateReconnecting) {
			return
		}
	}

	t.settleFailure(att, errors.WrapFatal(
		fmt.Errorf("%w after %d attempts: %v", errors.ErrRetriesExhausted, t.retryCfg.MaxAttempts, lastErr),
		"Transport", "Connect", "reconnect"))
}

// openOnce runs a single adapter.Open bounded by the connect timeout.
func (t *Transport) openOnce(lifeCtx context.Context) error {
	ctx, cancel := context.WithTimeout(lifeCtx, t.connectTimeout)
	defer cancel()

	opened := make(chan error, 1)
	go func() {
		opened <- t.adapter.Open(ctx, t.identity)
	}()

	select {
	case err := <-opened:
		if err != nil {
			t.failures.Add(1)
			return errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrAdapterFailure, err),
				"Transport", "Connect", "open channel")
		}
		return nil
	case <-ctx.Done():
		t.failures.Add(1)
		// A late Open success would leak an orphaned channel.
		go func() {
			if err := <-opened; err == nil {
				_ = t.adapter.Close(context.Background())
			}
		}()
		if lifeCtx.Err() != nil {
			return errors.WrapTransient(lifeCtx.Err(), "Transport", "Connect", "open channel")
		}
		return errors.WrapTransient(
			fmt.Errorf("%w: no connection within %v", errors.ErrConnectTimeout, t.connectTimeout),
			"Transport", "Connect", "open channel")
	}
}

// becomeConnected finalizes a successful attempt unless a Disconnect
// superseded it while the channel was opening.
func (t *Transport) becomeConnected(att *connectAttempt) {
	t.mu.Lock()
	if t.attempt != att {
		t.mu.Unlock()
		_ = t.adapter.Close(context.Background())
		return
	}
	t.attempt = nil
	t.setStateLocked(StateConnected)
	t.mu.Unlock()

	t.logger.Printf("Connected as %q", t.identity)
	att.settle(nil)
}

// settleFailure finalizes a failed attempt: Disconnected is terminal until
// an explicit Connect.
func (t *Transport) settleFailure(att *connectAttempt, err error) {
	t.mu.Lock()
	if t.attempt == att {
		t.attempt = nil
		t.setStateLocked(StateDisconnected)
	}
	t.mu.Unlock()
	att.settle(err)
}

// transition moves to next if att is still the live attempt. It reports
// false when a Disconnect replaced the attempt, telling the caller to stop.
func (t *Transport) transition(att *connectAttempt, next State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.attempt != att {
		return false
	}
	t.setStateLocked(next)
	return true
}

// onChannelLost is the adapter's disconnect notification. With reconnection
// enabled the transport moves to Reconnecting and retries with backoff;
// otherwise it settles into Disconnected. Pending requests are left to their
// own timeouts.
func (t *Transport) onChannelLost(cause error) {
	t.mu.Lock()
	if t.state != StateConnected {
		t.mu.Unlock()
		return
	}

	t.logger.Errorf("Channel lost: %v", cause)

	if !t.reconnect {
		t.setStateLocked(StateDisconnected)
		t.mu.Unlock()
		return
	}

	att := newConnectAttempt()
	t.attempt = att
	t.setStateLocked(StateReconnecting)
	lifeCtx := t.lifeCtx
	t.mu.Unlock()

	go t.retryLoop(lifeCtx, att, cause)
}

// setStateLocked updates the state; the caller holds t.mu.
func (t *Transport) setStateLocked(next State) {
	if t.state == next {
		return
	}
	t.logger.Debugf("State %s -> %s", t.state, next)
	t.state = next
	t.metrics.setState(next)
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
