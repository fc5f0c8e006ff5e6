package unison

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KarpelesLab/rchan"
)

// Tracker allocates message ids for a connection and correlates
// outbound Requests with their Responses (§4.7). It layers
// connection-scoped bookkeeping (closing every outstanding waiter at
// once) on top of rchan's global one-shot id/channel primitive, which
// has no notion of "all requests belonging to this connection".
type Tracker struct {
	nextID uint64 // atomic, monotonically increasing message id counter

	mu      sync.Mutex
	pending map[uint64]rchan.Id
	closed  bool
}

// NewTracker returns an empty Tracker for a new connection.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[uint64]rchan.Id)}
}

// NextMessageID returns the next message id for this connection. A
// wraparound past 2^64 is not expected in practice (§4.7); if it ever
// happens the caller must close the connection.
func (t *Tracker) NextMessageID() (uint64, error) {
	id := atomic.AddUint64(&t.nextID, 1)
	if id == 0 {
		return 0, ErrMessageIDExhausted
	}
	return id, nil
}

// Waiter is a single outstanding request's completion slot.
type Waiter struct {
	tracker *Tracker
	msgID   uint64
	id      rchan.Id
	ch      chan any
	already bool // true if Register found the tracker already closed
}

// Register allocates a message id and installs a waiter for its
// eventual Response, per §4.7. The caller must eventually call
// Await on the returned Waiter exactly once.
func (t *Tracker) Register() (uint64, *Waiter, error) {
	msgID, err := t.NextMessageID()
	if err != nil {
		return 0, nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return msgID, &Waiter{already: true}, nil
	}
	rid, ch := rchan.New()
	t.pending[msgID] = rid
	t.mu.Unlock()

	return msgID, &Waiter{tracker: t, msgID: msgID, id: rid, ch: ch}, nil
}

// Await suspends until the matching Response arrives, the deadline
// elapses, or ctx is cancelled, per §4.7's three waiter outcomes plus
// ConnectionClosed from CloseAll. timeout <= 0 means no deadline.
func (w *Waiter) Await(ctx context.Context, timeout time.Duration) (*Packet, error) {
	if w.already {
		return nil, &RpcError{Kind: RpcClosedByPeer, Err: ErrConnectionClosed}
	}

	defer w.release()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case v := <-w.ch:
		switch val := v.(type) {
		case *Packet:
			return val, nil
		case *RpcError:
			return nil, val
		case error:
			return nil, &RpcError{Kind: RpcTransport, Err: val}
		default:
			return nil, &RpcError{Kind: RpcTransport, Err: ErrConnectionClosed}
		}
	case <-timeoutC:
		return nil, &RpcError{Kind: RpcTimeout, Err: ErrTimeout}
	case <-ctx.Done():
		return nil, &RpcError{Kind: RpcCancelled, Err: ctx.Err()}
	}
}

// release removes this waiter from its tracker and releases its rchan
// id, whether Await completed normally, timed out, or was cancelled.
func (w *Waiter) release() {
	if w.tracker == nil {
		return
	}
	w.tracker.mu.Lock()
	delete(w.tracker.pending, w.msgID)
	w.tracker.mu.Unlock()
	w.id.Release()
}

// Deliver completes the waiter for messageID with p, per §4.6.1 step 6.
// It reports whether a waiter was found; the caller logs and drops the
// packet on false (an unknown or already-completed message id).
func (t *Tracker) Deliver(messageID uint64, p *Packet) bool {
	return t.send(messageID, p)
}

// DeliverError completes the waiter for messageID with an error,
// used when a Response carries the ERROR flag.
func (t *Tracker) DeliverError(messageID uint64, err *RpcError) bool {
	return t.send(messageID, err)
}

func (t *Tracker) send(messageID uint64, v any) bool {
	t.mu.Lock()
	rid, ok := t.pending[messageID]
	t.mu.Unlock()
	if !ok {
		return false
	}

	c := rid.C()
	if c == nil {
		return false
	}

	// Never block the ingress loop on a slow or abandoned waiter.
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case c <- v:
		return true
	case <-timer.C:
		return false
	}
}

// CloseAll completes every outstanding waiter with ConnectionClosed,
// per §4.7's "on connection close" rule, and marks the tracker closed
// so any Register racing with teardown fails fast instead of hanging.
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	t.closed = true
	pending := t.pending
	t.pending = make(map[uint64]rchan.Id)
	t.mu.Unlock()

	closedErr := &RpcError{Kind: RpcClosedByPeer, Err: ErrConnectionClosed}
	for _, rid := range pending {
		c := rid.C()
		if c == nil {
			continue
		}
		go func(c chan any) {
			timer := time.NewTimer(time.Second)
			defer timer.Stop()
			select {
			case c <- closedErr:
			case <-timer.C:
			}
		}(c)
	}
}

// Pending returns the number of outstanding requests, for diagnostics.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
