package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/c360/relaykit/errors"
	"github.com/c360/relaykit/message"
)

// result is what a pending request settles with: a reply envelope or an error.
type result struct {
	env message.Envelope
	err error
}

// pendingRequest tracks one in-flight request between write and settle.
// The done channel is buffered so the settling side never blocks.
type pendingRequest struct {
	id        string
	msgType   string
	createdAt time.Time
	done      chan result
	timer     *time.Timer
}

// pendingTable owns every in-flight request for one transport instance.
// An entry is settled by whichever path removes it from the map first -
// reply, timeout, adapter failure, or disconnect drain - which makes
// settlement exactly-once by construction.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

// add records a pending request and arms its timeout timer. onTimeout runs
// only if the timer wins the race to remove the entry. The timer is armed
// inside the critical section that inserts the entry so no other path can
// take the entry before its timer exists; the timer callback itself goes
// through take, which serializes on the same mutex.
func (pt *pendingTable) add(id, msgType string, timeout time.Duration, onTimeout func(*pendingRequest)) *pendingRequest {
	entry := &pendingRequest{
		id:        id,
		msgType:   msgType,
		createdAt: time.Now(),
		done:      make(chan result, 1),
	}

	pt.mu.Lock()
	pt.entries[id] = entry
	entry.timer = time.AfterFunc(timeout, func() {
		if pt.take(id) == nil {
			return // already settled by a reply or a drain
		}
		entry.done <- result{err: errors.WrapTransient(
			fmt.Errorf("%w: no reply for %q within %v", errors.ErrRequestTimeout, msgType, timeout),
			"Transport", "Request", "await reply")}
		if onTimeout != nil {
			onTimeout(entry)
		}
	})
	pt.mu.Unlock()

	return entry
}

// take removes and returns the entry for id, or nil if none exists.
func (pt *pendingTable) take(id string) *pendingRequest {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	entry, ok := pt.entries[id]
	if !ok {
		return nil
	}
	delete(pt.entries, id)
	return entry
}

// resolve matches an inbound reply to its pending request. It reports false
// for unmatched correlation ids (already timed out, or spurious delivery);
// those are dropped without error.
func (pt *pendingTable) resolve(env message.Envelope) bool {
	entry := pt.take(env.CorrelationID)
	if entry == nil {
		return false
	}
	entry.timer.Stop()

	if env.IsError() {
		entry.done <- result{err: errors.WrapTransient(
			fmt.Errorf("request %q rejected by peer: %s", entry.msgType, env.Error),
			"Transport", "Request", "await reply")}
	} else {
		entry.done <- result{env: env}
	}
	return true
}

// fail settles one pending request with err if it is still outstanding.
func (pt *pendingTable) fail(id string, err error) {
	entry := pt.take(id)
	if entry == nil {
		return
	}
	entry.timer.Stop()
	entry.done <- result{err: err}
}

// drain settles every outstanding request with err, in iteration order.
// Each delivery is independent: the buffered done channels mean a slow or
// absent receiver cannot block the rest.
func (pt *pendingTable) drain(err error) int {
	pt.mu.Lock()
	entries := pt.entries
	pt.entries = make(map[string]*pendingRequest)
	pt.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.done <- result{err: err}
	}
	return len(entries)
}

// len returns the number of outstanding requests.
func (pt *pendingTable) len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.entries)
}
