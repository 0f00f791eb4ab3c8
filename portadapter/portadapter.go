// Package portadapter provides the in-process channel adapter: a Hub of
// named endpoints exchanging raw messages over Go channels. It is the
// point-to-point adapter shape - every peer is addressed individually and
// broadcast means iterating the known peers - and doubles as the
// deterministic channel used throughout the test suites.
package portadapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/relaykit/errors"
)

// defaultInboxSize bounds each port's delivery queue.
const defaultInboxSize = 64

// Hub connects the ports of one process. Identities are unique per hub.
type Hub struct {
	mu    sync.Mutex
	ports map[string]*Port
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{ports: make(map[string]*Port)}
}

// NewPort creates an unopened port bound to the hub. The port registers
// itself under its identity on Open.
func (h *Hub) NewPort() *Port {
	return &Port{hub: h, inboxSize: defaultInboxSize}
}

// Drop force-closes the named endpoint and fires its disconnect callback,
// modeling an abrupt channel loss.
func (h *Hub) Drop(identity string, cause error) {
	h.mu.Lock()
	port, ok := h.ports[identity]
	if ok {
		delete(h.ports, identity)
	}
	h.mu.Unlock()

	if ok {
		port.lost(cause)
	}
}

// endpoints returns every open port except self.
func (h *Hub) endpoints(self string) []*Port {
	h.mu.Lock()
	defer h.mu.Unlock()

	peers := make([]*Port, 0, len(h.ports))
	for identity, port := range h.ports {
		if identity != self {
			peers = append(peers, port)
		}
	}
	return peers
}

func (h *Hub) lookup(identity string) *Port {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ports[identity]
}

func (h *Hub) register(identity string, port *Port) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, taken := h.ports[identity]; taken {
		return fmt.Errorf("identity %q already registered", identity)
	}
	h.ports[identity] = port
	return nil
}

func (h *Hub) deregister(identity string, port *Port) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ports[identity] == port {
		delete(h.ports, identity)
	}
}

// Port is one hub endpoint. Write fans out to every other open port;
// WriteTo targets a single named peer. Inbound messages are delivered in
// order by a dispatcher goroutine that runs between Open and Close.
type Port struct {
	hub       *Hub
	inboxSize int

	mu           sync.Mutex
	identity     string
	open         bool
	inbox        chan []byte
	quit         chan struct{}
	onMessage    func([]byte)
	onDisconnect func(error)
}

// Bind registers the delivery callbacks. Must be called before Open.
func (p *Port) Bind(onMessage func([]byte), onDisconnect func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = onMessage
	p.onDisconnect = onDisconnect
}

// Open registers the port with its hub under the given identity and starts
// the delivery dispatcher.
func (p *Port) Open(_ context.Context, identity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.open {
		return errors.WrapInvalid(
			fmt.Errorf("port %q already open", p.identity),
			"Port", "Open", "register endpoint")
	}
	if err := p.hub.register(identity, p); err != nil {
		return errors.WrapInvalid(err, "Port", "Open", "register endpoint")
	}

	p.identity = identity
	p.open = true
	p.inbox = make(chan []byte, p.inboxSize)
	p.quit = make(chan struct{})

	go p.dispatch(p.inbox, p.quit)
	return nil
}

// Close deregisters the port. Idempotent; does not fire the disconnect
// callback, which is reserved for channel loss.
func (p *Port) Close(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return nil
	}
	p.hub.deregister(p.identity, p)
	p.open = false
	close(p.quit)
	return nil
}

// lost tears the port down and fires the disconnect callback.
func (p *Port) lost(cause error) {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return
	}
	p.open = false
	close(p.quit)
	onDisconnect := p.onDisconnect
	p.mu.Unlock()

	if onDisconnect != nil {
		onDisconnect(cause)
	}
}

// Write delivers to every other open port on the hub.
func (p *Port) Write(ctx context.Context, data []byte) error {
	self, err := p.checkOpen("Write")
	if err != nil {
		return err
	}

	for _, peer := range p.hub.endpoints(self) {
		if err := peer.deliver(ctx, data); err != nil {
			return errors.WrapTransient(err, "Port", "Write", "deliver to peer")
		}
	}
	return nil
}

// WriteTo delivers to the named peer.
func (p *Port) WriteTo(ctx context.Context, recipient string, data []byte) error {
	if _, err := p.checkOpen("WriteTo"); err != nil {
		return err
	}

	peer := p.hub.lookup(recipient)
	if peer == nil {
		return errors.WrapTransient(
			fmt.Errorf("unknown recipient %q", recipient),
			"Port", "WriteTo", "resolve recipient")
	}
	if err := peer.deliver(ctx, data); err != nil {
		return errors.WrapTransient(err, "Port", "WriteTo", "deliver to peer")
	}
	return nil
}

// Recipients lists every other open endpoint on the hub.
func (p *Port) Recipients() []string {
	p.mu.Lock()
	self := p.identity
	p.mu.Unlock()

	peers := p.hub.endpoints(self)
	names := make([]string, 0, len(peers))
	for _, peer := range peers {
		peer.mu.Lock()
		names = append(names, peer.identity)
		peer.mu.Unlock()
	}
	return names
}

func (p *Port) checkOpen(method string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return "", errors.WrapTransient(
			fmt.Errorf("port not open"), "Port", method, "check state")
	}
	return p.identity, nil
}

// deliver enqueues data for the port's dispatcher.
func (p *Port) deliver(ctx context.Context, data []byte) error {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return fmt.Errorf("peer port closed")
	}
	inbox, quit := p.inbox, p.quit
	p.mu.Unlock()

	select {
	case inbox <- data:
		return nil
	case <-quit:
		return fmt.Errorf("peer port closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch drains the inbox in order until the port closes.
func (p *Port) dispatch(inbox chan []byte, quit chan struct{}) {
	for {
		select {
		case data := <-inbox:
			p.mu.Lock()
			onMessage := p.onMessage
			p.mu.Unlock()
			if onMessage != nil {
				onMessage(data)
			}
		case <-quit:
			return
		}
	}
}
