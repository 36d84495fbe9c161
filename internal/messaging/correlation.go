package messaging

import (
	"sync"
	"sync/atomic"
)

// correlator hands out 31-bit correlation ids (spec §3 invariant) and
// tracks the in-flight request each one belongs to so replies can be
// routed back to the caller that issued them. A retried physical send
// never reuses a correlation id (spec §4.G): the gateway allocates a
// fresh one per attempt and rewrites FailureInfo.Attempt, not the id.
type correlator struct {
	next    atomic.Int32
	mu      sync.Mutex
	pending map[int32]*inflight
}

// inflight is one outstanding request's reply sink.
type inflight struct {
	onPartial func(payload []byte)
	onFinal   func(payload []byte)
	onError   func(stackTrace string)
	done      bool
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[int32]*inflight)}
}

// allocate returns a fresh correlation id and registers the callbacks
// that will handle replies carrying it.
func (c *correlator) allocate(onPartial, onFinal func([]byte), onError func(string)) int32 {
	id := c.next.Add(1) % maxCorrelationID
	if id < 0 {
		id += maxCorrelationID
	}
	c.mu.Lock()
	c.pending[id] = &inflight{onPartial: onPartial, onFinal: onFinal, onError: onError}
	c.mu.Unlock()
	return id
}

// deliver routes one reply envelope to its registered inflight entry.
// Chunks received after final (or for an unknown correlation id) are
// dropped (spec §4.G).
func (c *correlator) deliver(e envelope) {
	c.mu.Lock()
	req, ok := c.pending[e.CorrelationID]
	if ok && (e.Kind == kindFinalReply || e.Kind == kindErrorReply) {
		delete(c.pending, e.CorrelationID)
	}
	c.mu.Unlock()
	if !ok || req.done {
		return
	}

	switch e.Kind {
	case kindPartialReply:
		if req.onPartial != nil {
			req.onPartial(e.Payload)
		}
	case kindFinalReply:
		req.done = true
		if req.onFinal != nil {
			req.onFinal(e.Payload)
		}
	case kindErrorReply:
		req.done = true
		if req.onError != nil {
			req.onError(e.StackTrace)
		}
	}
}

// cancel removes a pending entry without delivering a reply, used
// when a request times out.
func (c *correlator) cancel(id int32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
