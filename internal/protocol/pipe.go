package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when the link between two endpoints has been torn down
var ErrClosed = errors.New("protocol: channel closed")

// Handler processes one inbound message. For queries the returned payload is
// sent back as the reply; for other messages it is ignored.
type Handler interface {
	Handle(ctx context.Context, msg Message) (Payload, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, msg Message) (Payload, error)

func (f HandlerFunc) Handle(ctx context.Context, msg Message) (Payload, error) {
	return f(ctx, msg)
}

// Sender is the outbound half of an endpoint, as seen by code that only
// reports progress or asks questions.
type Sender interface {
	Send(ctx context.Context, p Payload) error
	Request(ctx context.Context, p Payload) (Payload, error)
}

// link is the shared state of a connected pair of endpoints
type link struct {
	done      chan struct{}
	closeOnce sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Endpoint is one side of a bidirectional message channel. Delivery order
// from one endpoint to its peer is preserved.
type Endpoint struct {
	name string
	in   <-chan Message
	out  chan<- Message
	link *link

	nextID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]chan Message
}

// Pipe returns two connected endpoints. Messages sent on one are received by
// the other's Serve loop.
func Pipe(aName, bName string, buffer int) (*Endpoint, *Endpoint) {
	ab := make(chan Message, buffer)
	ba := make(chan Message, buffer)
	l := &link{done: make(chan struct{})}
	a := &Endpoint{name: aName, in: ba, out: ab, link: l, pending: make(map[string]chan Message)}
	b := &Endpoint{name: bName, in: ab, out: ba, link: l, pending: make(map[string]chan Message)}
	return a, b
}

// Name identifies the endpoint in logs
func (e *Endpoint) Name() string { return e.name }

// Done is closed once the link is torn down from either side
func (e *Endpoint) Done() <-chan struct{} { return e.link.done }

// Close tears down the link. Pending requests on both sides fail with ErrClosed.
func (e *Endpoint) Close() {
	e.link.close()
}

func (e *Endpoint) newID() string {
	return fmt.Sprintf("%s-%d", e.name, e.nextID.Add(1))
}

func (e *Endpoint) deliver(ctx context.Context, m Message) error {
	select {
	case <-e.link.done:
		return ErrClosed
	default:
	}
	select {
	case e.out <- m:
		return nil
	case <-e.link.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send delivers a fire-and-forget message
func (e *Endpoint) Send(ctx context.Context, p Payload) error {
	return e.deliver(ctx, Message{ID: e.newID(), Payload: p})
}

// Request sends a query and waits for its reply. The protocol has no timeout
// of its own: callers bound the wait through ctx. The peer must be running
// Serve, and so must this endpoint, for the reply to be routed back.
func (e *Endpoint) Request(ctx context.Context, p Payload) (Payload, error) {
	want, ok := ReplyType(p.MessageType())
	if !ok {
		return nil, fmt.Errorf("protocol: %s is not a query", p.MessageType())
	}

	id := e.newID()
	ch := make(chan Message, 1)
	e.pendingMu.Lock()
	e.pending[id] = ch
	e.pendingMu.Unlock()
	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, id)
		e.pendingMu.Unlock()
	}()

	if err := e.deliver(ctx, Message{ID: id, Payload: p}); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if u, ok := reply.Payload.(UnknownMessage); ok {
			return nil, fmt.Errorf("protocol: %s rejected: %s", p.MessageType(), u.Error)
		}
		if reply.Type() != want {
			return nil, fmt.Errorf("protocol: expected %s reply, got %s", want, reply.Type())
		}
		return reply.Payload, nil
	case <-e.link.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve reads inbound messages until ctx is cancelled or the link closes.
// Messages already buffered when the link closes are still handled.
// Replies are routed to waiting Request calls; everything else goes to h,
// one message at a time and in arrival order. Every query gets exactly one
// reply, an UNKNOWN_MESSAGE if h produced none.
func (e *Endpoint) Serve(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.link.done:
			e.drain(ctx, h)
			return ErrClosed
		case msg := <-e.in:
			if msg.ReplyTo != "" {
				e.route(msg)
				continue
			}
			e.dispatch(ctx, h, msg)
		}
	}
}

// drain hands over messages the peer sent before the link closed. Replies to
// them can no longer be delivered.
func (e *Endpoint) drain(ctx context.Context, h Handler) {
	for {
		select {
		case msg := <-e.in:
			if msg.ReplyTo == "" {
				e.dispatch(ctx, h, msg)
			}
		default:
			return
		}
	}
}

func (e *Endpoint) route(reply Message) {
	e.pendingMu.Lock()
	ch, ok := e.pending[reply.ReplyTo]
	e.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

func (e *Endpoint) dispatch(ctx context.Context, h Handler, msg Message) {
	reply, err := h.Handle(ctx, msg)

	_, unknown := msg.Payload.(Unknown)
	if !IsQuery(msg.Type()) && !unknown {
		return
	}
	if unknown && msg.ID == "" {
		return
	}
	if reply == nil {
		text := fmt.Sprintf("no reply produced for %s", msg.Type())
		if err != nil {
			text = err.Error()
		}
		reply = UnknownMessage{Error: text}
	}
	_ = e.deliver(ctx, Message{ID: e.newID(), ReplyTo: msg.ID, Payload: reply})
}
