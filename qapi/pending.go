package qapi

import (
	"encoding/json"
	"fmt"
	"sync"
)

// CorrelationMode selects how responses are matched to in-flight commands.
type CorrelationMode int

const (
	// CorrelateFIFO matches each response to the oldest in-flight command.
	// QEMU answers commands strictly in the order received, so this is the
	// default. Echoed ids are still checked: a mismatch means the server
	// is misbehaving and kills the connection.
	CorrelateFIFO CorrelationMode = iota

	// CorrelateByID matches responses to waiters by echoed id, for servers
	// that may answer out of order. Responses with an unknown or missing
	// id are dropped.
	CorrelateByID
)

// result is what a waiter eventually receives: exactly one of ret, srvErr,
// or err is set.
type result struct {
	ret    json.RawMessage
	srvErr *ServerError
	err    error
}

// waiter is one in-flight command's slot in the table. The result channel
// is buffered so delivery never blocks: a caller that gave up (context
// cancelled) leaves its slot registered, and the late response lands in
// the buffer and is dropped with the waiter.
type waiter struct {
	id uint64
	ch chan result
}

// pendingTable is the correlation table. Ids are unique among in-flight
// commands; an id is only reused after its response has been consumed.
type pendingTable struct {
	mode CorrelationMode

	mu     sync.Mutex
	fifo   []*waiter
	byID   map[uint64]*waiter
	failed error
}

func newPendingTable(mode CorrelationMode) *pendingTable {
	return &pendingTable{
		mode: mode,
		byID: make(map[uint64]*waiter),
	}
}

// register records a fresh waiter for id. It fails once the table has been
// poisoned by connection teardown.
func (t *pendingTable) register(id uint64) (*waiter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed != nil {
		return nil, t.failed
	}
	w := &waiter{id: id, ch: make(chan result, 1)}
	if t.mode == CorrelateByID {
		t.byID[id] = w
	} else {
		t.fifo = append(t.fifo, w)
	}
	return w, nil
}

// remove withdraws a waiter whose command was never written, e.g. because
// encoding failed. Only legal before the frame hits the wire.
func (t *pendingTable) remove(w *waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode == CorrelateByID {
		delete(t.byID, w.id)
		return
	}
	for i, q := range t.fifo {
		if q == w {
			t.fifo = append(t.fifo[:i], t.fifo[i+1:]...)
			return
		}
	}
}

// resolve delivers a decoded response or error reply to its waiter and
// removes the entry. delivered is false when no waiter matches, which the
// caller logs and otherwise ignores. A non-nil error means correlation
// state is inconsistent and the connection must be torn down.
func (t *pendingTable) resolve(m *serverMessage) (delivered bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var w *waiter
	switch t.mode {
	case CorrelateByID:
		if m.ID == nil {
			return false, nil
		}
		var ok bool
		w, ok = t.byID[*m.ID]
		if !ok {
			return false, nil
		}
		delete(t.byID, *m.ID)
	default:
		if len(t.fifo) == 0 {
			return false, nil
		}
		w = t.fifo[0]
		// Servers that do not echo ids still correlate by order; an echoed
		// id that disagrees with the queue head is fatal.
		if m.ID != nil && *m.ID != w.id {
			return false, &ProtocolError{
				Kind: OutOfOrder,
				Desc: fmt.Sprintf("got id %d, oldest in-flight is %d", *m.ID, w.id),
			}
		}
		t.fifo = t.fifo[1:]
	}

	r := result{}
	if m.Error != nil {
		r.srvErr = m.Error
	} else if m.Return != nil {
		r.ret = *m.Return
	} else {
		r.ret = json.RawMessage("null")
	}
	w.ch <- r
	return true, nil
}

// failAll poisons the table: every current waiter receives err and all
// later registrations are rejected with it.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed != nil {
		return
	}
	t.failed = err
	for _, w := range t.fifo {
		w.ch <- result{err: err}
	}
	t.fifo = nil
	for id, w := range t.byID {
		w.ch <- result{err: err}
		delete(t.byID, id)
	}
}

// depth reports the number of in-flight commands.
func (t *pendingTable) depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode == CorrelateByID {
		return len(t.byID)
	}
	return len(t.fifo)
}
