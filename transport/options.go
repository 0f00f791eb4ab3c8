package transport

import (
	"log"
	"time"

	"github.com/c360/relaykit/metric"
	"github.com/c360/relaykit/permission"
	"github.com/c360/relaykit/pkg/retry"
)

// Logger interface for injecting custom loggers
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// defaultLogger implements Logger using the standard log package
type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[RELAY] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[RELAY ERROR] "+format, v...)
}

func (l *defaultLogger) Debugf(_ string, _ ...any) {
	// Silent by default
}

// ErrorHook receives per-handler and per-recipient failures that the
// transport isolates rather than propagates: handler panics and errors,
// broadcast delivery failures, dropped replies. The stage names the
// failure site ("handler", "broadcast", "decode", "reply").
type ErrorHook func(stage string, err error)

// Option is a functional option for configuring a Transport
type Option func(*Transport) error

// WithLogger sets a custom logger for the transport
func WithLogger(logger Logger) Option {
	return func(t *Transport) error {
		if logger == nil {
			logger = &defaultLogger{}
		}
		t.logger = logger
		return nil
	}
}

// WithRequestTimeout sets the default deadline for request/reply matching
func WithRequestTimeout(d time.Duration) Option {
	return func(t *Transport) error {
		if d > 0 {
			t.requestTimeout = d
		}
		return nil
	}
}

// WithConnectTimeout sets the per-attempt deadline for opening the channel
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transport) error {
		if d > 0 {
			t.connectTimeout = d
		}
		return nil
	}
}

// WithHandlerTimeout bounds the context each event handler runs under
func WithHandlerTimeout(d time.Duration) Option {
	return func(t *Transport) error {
		if d > 0 {
			t.handlerTimeout = d
		}
		return nil
	}
}

// WithReconnect enables automatic reconnection. Retry n waits
// initialDelay * factor^(n-1); after maxRetries failed attempts the
// transport settles into Disconnected until an explicit Connect.
func WithReconnect(maxRetries int, initialDelay time.Duration, factor float64) Option {
	return func(t *Transport) error {
		t.reconnect = maxRetries > 0
		t.retryCfg = retry.Config{
			MaxAttempts:  maxRetries,
			InitialDelay: initialDelay,
			MaxDelay:     maxReconnectDelay,
			Multiplier:   factor,
		}
		return nil
	}
}

// WithoutReconnect disables automatic reconnection: a lost channel or a
// failed connect attempt transitions straight to Disconnected.
func WithoutReconnect() Option {
	return func(t *Transport) error {
		t.reconnect = false
		return nil
	}
}

// WithPermissions installs the authorization policy checked before every
// send, inbound dispatch, and broadcast. Without a policy all operations
// are allowed.
func WithPermissions(policy *permission.Policy, actor permission.Actor) Option {
	return func(t *Transport) error {
		t.policy = policy
		t.actor = actor
		return nil
	}
}

// WithMetrics enables Prometheus instrumentation using the provided registry
func WithMetrics(registry *metric.Registry) Option {
	return func(t *Transport) error {
		if registry == nil {
			return nil
		}
		m, err := newTransportMetrics(registry, t.identity)
		if err != nil {
			return err
		}
		t.metrics = m
		return nil
	}
}

// WithErrorHook sets the observability callback for isolated failures
func WithErrorHook(hook ErrorHook) Option {
	return func(t *Transport) error {
		t.errorHook = hook
		return nil
	}
}
