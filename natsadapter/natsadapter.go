// Package natsadapter provides the subject/topic broker adapter on NATS.
// Requests and replies travel on per-peer subjects, events on a shared
// wildcard subject; the transport core stays unaware of subject naming.
//
// NATS client-side reconnection is deliberately disabled: the transport's
// reconnection controller owns the retry schedule, so a lost connection is
// surfaced through the disconnect callback instead of being healed here.
package natsadapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/relaykit/errors"
)

const defaultSubjectPrefix = "relay"

// Adapter is a channel adapter backed by a NATS connection.
type Adapter struct {
	url    string
	prefix string
	peers  []string
	name   string

	username string
	password string
	token    string

	connectTimeout time.Duration
	logger         Logger

	mu           sync.Mutex
	conn         *nats.Conn
	subs         []*nats.Subscription
	identity     string
	open         bool
	closing      bool
	onMessage    func([]byte)
	onDisconnect func(error)
}

// Option is a functional option for configuring the Adapter
type Option func(*Adapter) error

// WithSubjectPrefix sets the subject namespace (default "relay")
func WithSubjectPrefix(prefix string) Option {
	return func(a *Adapter) error {
		if prefix == "" {
			return fmt.Errorf("subject prefix cannot be empty")
		}
		a.prefix = prefix
		return nil
	}
}

// WithPeers declares the recipient set for fan-out broadcast. A broker
// cannot enumerate remote endpoints, so the set is static configuration.
func WithPeers(peers ...string) Option {
	return func(a *Adapter) error {
		a.peers = peers
		return nil
	}
}

// WithName sets the NATS client name for identification
func WithName(name string) Option {
	return func(a *Adapter) error {
		a.name = name
		return nil
	}
}

// WithCredentials sets username and password for authentication
func WithCredentials(username, password string) Option {
	return func(a *Adapter) error {
		a.username = username
		a.password = password
		return nil
	}
}

// WithToken sets a token for authentication
func WithToken(token string) Option {
	return func(a *Adapter) error {
		a.token = token
		return nil
	}
}

// WithConnectTimeout sets the NATS dial timeout
func WithConnectTimeout(d time.Duration) Option {
	return func(a *Adapter) error {
		if d > 0 {
			a.connectTimeout = d
		}
		return nil
	}
}

// WithLogger sets a custom logger for the adapter
func WithLogger(logger Logger) Option {
	return func(a *Adapter) error {
		if logger == nil {
			logger = &defaultLogger{}
		}
		a.logger = logger
		return nil
	}
}

// New creates a NATS adapter for the given server URL
func New(url string, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		url:            url,
		prefix:         defaultSubjectPrefix,
		connectTimeout: 5 * time.Second,
		logger:         &defaultLogger{},
	}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, errors.WrapInvalid(err, "Adapter", "New", "apply option")
		}
	}

	return a, nil
}

// Bind registers the delivery callbacks. Must be called before Open.
func (a *Adapter) Bind(onMessage func([]byte), onDisconnect func(error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onMessage = onMessage
	a.onDisconnect = onDisconnect
}

// peerSubject is the direct subject for one endpoint.
func (a *Adapter) peerSubject(identity string) string {
	return fmt.Sprintf("%s.peer.%s", a.prefix, identity)
}

// eventSubject is the subject this endpoint publishes events on.
func (a *Adapter) eventSubject(identity string) string {
	return fmt.Sprintf("%s.events.%s", a.prefix, identity)
}

// Open connects to the NATS server and subscribes to this endpoint's direct
// subject plus the shared event wildcard.
func (a *Adapter) Open(ctx context.Context, identity string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.open {
		return errors.WrapInvalid(
			fmt.Errorf("adapter already open as %q", a.identity),
			"Adapter", "Open", "check state")
	}

	timeout := a.connectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}

	opts := []nats.Option{
		nats.Timeout(timeout),
		nats.MaxReconnects(0),
		nats.ClosedHandler(a.handleClosed),
	}
	if a.name != "" {
		opts = append(opts, nats.Name(a.name))
	}
	if a.username != "" && a.password != "" {
		opts = append(opts, nats.UserInfo(a.username, a.password))
	}
	if a.token != "" {
		opts = append(opts, nats.Token(a.token))
	}

	conn, err := nats.Connect(a.url, opts...)
	if err != nil {
		return errors.WrapTransient(err, "Adapter", "Open", "connect to NATS")
	}

	ownEvents := a.eventSubject(identity)
	handler := func(msg *nats.Msg) {
		if msg.Subject == ownEvents {
			return // skip loopback of our own events
		}
		a.mu.Lock()
		onMessage := a.onMessage
		a.mu.Unlock()
		if onMessage != nil {
			onMessage(msg.Data)
		}
	}

	directSub, err := conn.Subscribe(a.peerSubject(identity), handler)
	if err != nil {
		conn.Close()
		return errors.WrapTransient(err, "Adapter", "Open", "subscribe direct subject")
	}
	eventSub, err := conn.Subscribe(a.prefix+".events.>", handler)
	if err != nil {
		conn.Close()
		return errors.WrapTransient(err, "Adapter", "Open", "subscribe event subject")
	}

	a.conn = conn
	a.subs = []*nats.Subscription{directSub, eventSub}
	a.identity = identity
	a.open = true
	a.closing = false

	a.logger.Printf("Connected to NATS at %s as %q", a.url, identity)
	return nil
}

// Close drains the subscriptions and closes the connection. Idempotent.
func (a *Adapter) Close(_ context.Context) error {
	a.mu.Lock()
	if !a.open {
		a.mu.Unlock()
		return nil
	}
	a.open = false
	a.closing = true
	conn := a.conn
	subs := a.subs
	a.conn = nil
	a.subs = nil
	a.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	conn.Close()

	if len(errs) > 0 {
		return errors.Wrap(errs[0], "Adapter", "Close", "unsubscribe")
	}
	return nil
}

// Write publishes an event on this endpoint's event subject.
func (a *Adapter) Write(_ context.Context, data []byte) error {
	conn, identity, err := a.connection("Write")
	if err != nil {
		return err
	}
	if err := conn.Publish(a.eventSubject(identity), data); err != nil {
		return errors.WrapTransient(err, "Adapter", "Write", "publish event")
	}
	return nil
}

// WriteTo publishes to the named peer's direct subject.
func (a *Adapter) WriteTo(_ context.Context, recipient string, data []byte) error {
	conn, _, err := a.connection("WriteTo")
	if err != nil {
		return err
	}
	if err := conn.Publish(a.peerSubject(recipient), data); err != nil {
		return errors.WrapTransient(err, "Adapter", "WriteTo", "publish to peer")
	}
	return nil
}

// Recipients returns the configured static peer set.
func (a *Adapter) Recipients() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	peers := make([]string, len(a.peers))
	copy(peers, a.peers)
	return peers
}

func (a *Adapter) connection(method string) (*nats.Conn, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open || a.conn == nil {
		return nil, "", errors.WrapTransient(
			fmt.Errorf("adapter not open"), "Adapter", method, "check state")
	}
	return a.conn, a.identity, nil
}

// handleClosed fires the disconnect callback unless the close was deliberate.
func (a *Adapter) handleClosed(conn *nats.Conn) {
	a.mu.Lock()
	deliberate := a.closing
	a.open = false
	onDisconnect := a.onDisconnect
	a.mu.Unlock()

	if deliberate || onDisconnect == nil {
		return
	}

	err := conn.LastError()
	if err == nil {
		err = fmt.Errorf("NATS connection closed")
	}
	a.logger.Errorf("NATS connection lost: %v", err)
	onDisconnect(err)
}
