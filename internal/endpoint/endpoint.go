// Package endpoint implements the per-peer send queue spec.md §3/§4.2
// describes: push, retry-on-wake, buffer backpressure, and the
// synthesized-failure reporting policy from §7.
package endpoint

import (
	"container/list"
	"sync"
	"time"

	"github.com/anthanhphan/atapp/internal/connector"
	"github.com/anthanhphan/atapp/internal/discovery"
	"github.com/anthanhphan/atapp/internal/errs"
)

// Metadata is the optional per-message metadata map carried alongside a
// payload.
type Metadata map[string]string

// PendingMessage is one queued, not-yet-delivered send.
type PendingMessage struct {
	Type     int32
	Sequence uint64
	Payload  []byte
	Metadata Metadata
	ExpireAt time.Time
}

func (m PendingMessage) size() int {
	return len(m.Payload)
}

// ResponseObserver receives the outcome of a send, whether synthesized
// synchronously (enqueue failure) or reported later by a Connector
// (post-enqueue failure/success). This is the "on-forward-response"
// Observer spec.md §9's design notes call for in place of naked
// function-pointer registration.
type ResponseObserver interface {
	OnForwardResponse(ep *Endpoint, msgType int32, seq uint64, errCode errs.Code, payload []byte)
}

// WakerSink is the App-owned waker heap an Endpoint schedules itself onto.
// Implemented by the router so this package never imports it.
type WakerSink interface {
	ScheduleWake(at time.Time, ep *Endpoint)
}

// Limits are the per-endpoint backpressure knobs from atapp.bus.* config.
// Zero means unbounded (spec.md §9 Open Questions).
type Limits struct {
	SendBufferNumber int
	SendBufferSize   int
	MessageTimeout   time.Duration
}

func (l Limits) messageTimeout() time.Duration {
	if l.MessageTimeout <= 0 {
		return 5 * time.Second
	}
	return l.MessageTimeout
}

// Endpoint is per-peer state: connection handles, the pending-message
// queue, and the scheduled waker.
type Endpoint struct {
	mu sync.Mutex

	id   uint64
	name string

	discovery    discovery.Node
	hasDiscovery bool

	handles []*connector.Handle

	queue        *list.List // of PendingMessage
	pendingBytes int
	pendingCount int

	nearestWakeAt time.Time
	wakeArmed     bool

	closing bool

	limits   Limits
	waker    WakerSink
	observer ResponseObserver
}

// New creates an Endpoint for the given (id, name) pair.
func New(id uint64, name string, limits Limits, waker WakerSink, observer ResponseObserver) *Endpoint {
	return &Endpoint{
		id:       id,
		name:     name,
		queue:    list.New(),
		limits:   limits,
		waker:    waker,
		observer: observer,
	}
}

func (e *Endpoint) ID() uint64   { return e.id }
func (e *Endpoint) Name() string { return e.name }

// Discovery returns the last known discovery snapshot, if any.
func (e *Endpoint) Discovery() (discovery.Node, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.discovery, e.hasDiscovery
}

// UpdateDiscovery stores the latest discovery snapshot for this endpoint.
func (e *Endpoint) UpdateDiscovery(node discovery.Node) {
	e.mu.Lock()
	e.discovery = node
	e.hasDiscovery = true
	e.mu.Unlock()
}

// Closing reports whether the endpoint has been reset and is draining.
func (e *Endpoint) Closing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closing
}

// BindHandle attaches a handle produced by Connector.StartConnect.
func (e *Endpoint) BindHandle(h *connector.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return
	}
	e.handles = append(e.handles, h)
}

// UnbindHandle detaches h; idempotent.
func (e *Endpoint) UnbindHandle(h *connector.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.handles {
		if existing == h {
			e.handles = append(e.handles[:i], e.handles[i+1:]...)
			return
		}
	}
}

// Handles returns a snapshot of currently bound handles.
func (e *Endpoint) Handles() []*connector.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*connector.Handle, len(e.handles))
	copy(out, e.handles)
	return out
}

// readyHandleLocked returns the first handle (in bind order) with
// Ready()==true, per spec.md §4.2's tie-break rule.
func (e *Endpoint) readyHandleLocked() *connector.Handle {
	for _, h := range e.handles {
		if h.Ready() {
			return h
		}
	}
	return nil
}

// PendingBytes and PendingCount expose the invariant-checked counters.
func (e *Endpoint) PendingBytes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingBytes
}

func (e *Endpoint) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingCount
}

// Push enqueues (or immediately sends) one message. See spec.md §4.2.
func (e *Endpoint) Push(now time.Time, msgType int32, seq uint64, payload []byte, meta Metadata) error {
	e.mu.Lock()

	if e.closing {
		h := e.readyHandleLocked()
		e.mu.Unlock()
		if h != nil {
			e.reportLocked(h, msgType, seq, errs.CodeClosing, nil)
		}
		return errs.ErrClosing
	}

	// Fast path: queue is empty and a handle is ready — skip the queue
	// entirely (original_source's push_forward_message behavior).
	if e.queue.Len() == 0 {
		if h := e.readyHandleLocked(); h != nil {
			e.mu.Unlock()
			if err := h.Connector.SendForwardRequest(h, msgType, seq, payload, meta); err != nil {
				e.reportLocked(h, msgType, seq, errs.CodeSendFailed, nil)
				return errs.New(errs.CodeSendFailed, err.Error())
			}
			return nil
		}
	}

	size := len(payload)
	if limit := e.limits.SendBufferNumber; limit > 0 && e.pendingCount+1 > limit {
		h := e.readyHandleLocked()
		e.mu.Unlock()
		if h != nil {
			e.reportLocked(h, msgType, seq, errs.CodeBufferLimit, nil)
		}
		return errs.ErrBufferLimit
	}
	if limit := e.limits.SendBufferSize; limit > 0 && e.pendingBytes+size > limit {
		h := e.readyHandleLocked()
		e.mu.Unlock()
		if h != nil {
			e.reportLocked(h, msgType, seq, errs.CodeBufferLimit, nil)
		}
		return errs.ErrBufferLimit
	}

	expireAt := now.Add(e.limits.messageTimeout())
	e.queue.PushBack(PendingMessage{
		Type:     msgType,
		Sequence: seq,
		Payload:  payload,
		Metadata: meta,
		ExpireAt: expireAt,
	})
	e.pendingBytes += size
	e.pendingCount++
	e.mu.Unlock()

	e.AddWaker(expireAt)
	return nil
}

// AddWaker arms the endpoint's waker at t iff t is earlier than whatever is
// currently scheduled (or nothing is scheduled yet).
func (e *Endpoint) AddWaker(t time.Time) {
	e.mu.Lock()
	if e.wakeArmed && !t.Before(e.nearestWakeAt) {
		e.mu.Unlock()
		return
	}
	e.nearestWakeAt = t
	e.wakeArmed = true
	e.mu.Unlock()

	if e.waker != nil {
		e.waker.ScheduleWake(t, e)
	}
}

// Retry drains the head of the pending queue; called by the tick loop when
// the endpoint's waker fires. Returns the number of messages processed.
func (e *Endpoint) Retry(now time.Time, maxCount int) int {
	if maxCount <= 0 {
		maxCount = int(^uint(0) >> 1) // unbounded, mirrors the source's max_count<=0 convention
	}

	e.mu.Lock()
	if e.wakeArmed && !e.nearestWakeAt.After(now) {
		e.wakeArmed = false
	}
	e.mu.Unlock()

	processed := 0
	done := false
	for !done && processed < maxCount {
		e.mu.Lock()
		front := e.queue.Front()
		if front == nil {
			e.mu.Unlock()
			break
		}
		msg := front.Value.(PendingMessage)
		h := e.readyHandleLocked()

		switch {
		case h != nil:
			e.queue.Remove(front)
			e.pendingBytes -= msg.size()
			e.pendingCount--
			e.mu.Unlock()

			if err := h.Connector.SendForwardRequest(h, msg.Type, msg.Sequence, msg.Payload, msg.Metadata); err != nil {
				e.reportLocked(h, msg.Type, msg.Sequence, errs.CodeSendFailed, nil)
			}
			processed++

		case msg.ExpireAt.After(now):
			// Rest of the queue is not yet expired and no handle is ready:
			// stop draining.
			e.mu.Unlock()
			done = true

		default:
			e.queue.Remove(front)
			e.pendingBytes -= msg.size()
			e.pendingCount--
			e.mu.Unlock()
			e.reportLocked(nil, msg.Type, msg.Sequence, errs.CodeTimeout, nil)
			processed++
		}
	}

	e.mu.Lock()
	next := e.queue.Front()
	e.mu.Unlock()
	if next != nil {
		e.AddWaker(next.Value.(PendingMessage).ExpireAt)
	}

	return processed
}

// reportLocked synthesizes a forward-response for the caller, per §7's
// policy that enqueue and post-enqueue failures alike surface through the
// response callback.
func (e *Endpoint) reportLocked(h *connector.Handle, msgType int32, seq uint64, code errs.Code, payload []byte) {
	if e.observer == nil {
		return
	}
	e.observer.OnForwardResponse(e, msgType, seq, code, payload)
}

// Reset marks the endpoint closing and unbinds every handle. Idempotent.
func (e *Endpoint) Reset() {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return
	}
	e.closing = true
	handles := make([]*connector.Handle, len(e.handles))
	copy(handles, e.handles)
	e.handles = nil

	pending := make([]PendingMessage, 0, e.queue.Len())
	for el := e.queue.Front(); el != nil; el = el.Next() {
		pending = append(pending, el.Value.(PendingMessage))
	}
	e.queue.Init()
	e.pendingBytes = 0
	e.pendingCount = 0
	e.mu.Unlock()

	for _, h := range handles {
		h.Connector.CloseHandle(h)
	}
	for _, msg := range pending {
		e.reportLocked(nil, msg.Type, msg.Sequence, errs.CodeClosing, nil)
	}
}

// ReceiveForwardResponse implements connector.Endpoint: a Connector calls
// this to report the outcome of a previously accepted
// SendForwardRequest (or an unsolicited disconnect) back onto the owning
// Endpoint, which forwards it to the response observer.
func (e *Endpoint) ReceiveForwardResponse(h *connector.Handle, msgType int32, seq uint64, errCode int, payload []byte) {
	if e.observer == nil {
		return
	}
	e.observer.OnForwardResponse(e, msgType, seq, errs.Code(errCode), payload)
}
