// Package wsadapter provides a websocket channel adapter: a strictly
// point-to-point remote channel with a single peer on the far end of the
// socket. Broadcast over this adapter degenerates to that one peer.
package wsadapter

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/c360/relaykit/errors"
)

const defaultPeerName = "remote"

// Adapter is a channel adapter over one websocket connection.
type Adapter struct {
	url      string
	header   http.Header
	dialer   *websocket.Dialer
	peerName string

	mu           sync.Mutex
	conn         *websocket.Conn
	open         bool
	closing      bool
	onMessage    func([]byte)
	onDisconnect func(error)

	// writeMu serializes writes; gorilla permits one concurrent writer.
	writeMu sync.Mutex
}

// Option is a functional option for configuring the Adapter
type Option func(*Adapter) error

// WithHeader sets HTTP headers sent with the websocket handshake
func WithHeader(header http.Header) Option {
	return func(a *Adapter) error {
		a.header = header
		return nil
	}
}

// WithDialer sets a custom websocket dialer
func WithDialer(dialer *websocket.Dialer) Option {
	return func(a *Adapter) error {
		if dialer == nil {
			return fmt.Errorf("dialer cannot be nil")
		}
		a.dialer = dialer
		return nil
	}
}

// WithPeerName names the remote endpoint as it appears in Recipients
// (default "remote")
func WithPeerName(name string) Option {
	return func(a *Adapter) error {
		if name == "" {
			return fmt.Errorf("peer name cannot be empty")
		}
		a.peerName = name
		return nil
	}
}

// New creates a websocket adapter that dials the given URL on Open
func New(url string, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		url:      url,
		dialer:   websocket.DefaultDialer,
		peerName: defaultPeerName,
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

// Open dials the websocket endpoint and starts the read loop.
// The identity is not transmitted; the envelope Source carries it.
func (a *Adapter) Open(ctx context.Context, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.open {
		return errors.WrapInvalid(
			fmt.Errorf("adapter already open"), "Adapter", "Open", "check state")
	}

	conn, resp, err := a.dialer.DialContext(ctx, a.url, a.header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return errors.WrapTransient(err, "Adapter", "Open", "dial websocket")
	}

	a.conn = conn
	a.open = true
	a.closing = false

	go a.readLoop(conn)
	return nil
}

// Close sends a close frame and tears the socket down. Idempotent.
func (a *Adapter) Close(_ context.Context) error {
	a.mu.Lock()
	if !a.open {
		a.mu.Unlock()
		return nil
	}
	a.open = false
	a.closing = true
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	a.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	a.writeMu.Unlock()

	if err := conn.Close(); err != nil {
		return errors.Wrap(err, "Adapter", "Close", "close socket")
	}
	return nil
}

// Write sends a raw message to the peer.
func (a *Adapter) Write(_ context.Context, data []byte) error {
	a.mu.Lock()
	conn := a.conn
	open := a.open
	a.mu.Unlock()

	if !open || conn == nil {
		return errors.WrapTransient(
			fmt.Errorf("adapter not open"), "Adapter", "Write", "check state")
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "Adapter", "Write", "write frame")
	}
	return nil
}

// WriteTo sends to the single peer; the recipient name is accepted for
// interface compatibility but the socket has exactly one far end.
func (a *Adapter) WriteTo(ctx context.Context, _ string, data []byte) error {
	return a.Write(ctx, data)
}

// Recipients returns the single remote peer.
func (a *Adapter) Recipients() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return nil
	}
	return []string{a.peerName}
}

// readLoop delivers inbound frames until the socket fails or closes.
func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.handleReadError(conn, err)
			return
		}

		a.mu.Lock()
		onMessage := a.onMessage
		a.mu.Unlock()
		if onMessage != nil {
			onMessage(data)
		}
	}
}

func (a *Adapter) handleReadError(conn *websocket.Conn, err error) {
	a.mu.Lock()
	deliberate := a.closing || a.conn != conn
	a.open = false
	if a.conn == conn {
		a.conn = nil
	}
	onDisconnect := a.onDisconnect
	a.mu.Unlock()

	conn.Close()

	if deliberate || onDisconnect == nil {
		return
	}
	onDisconnect(errors.WrapTransient(err, "Adapter", "readLoop", "read frame"))
}
