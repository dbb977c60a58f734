package cluster

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by a closed connection or hub.
var ErrClosed = errors.New("cluster: connection closed")

// Peer is the master's reply path to one worker.
type Peer interface {
	Send(ctx context.Context, m Message) error
}

// Conn is a worker's connection to the master.
type Conn interface {
	Send(ctx context.Context, m Message) error
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// Envelope is one inbound event for the master: a message with the path to
// answer it on, or a failure on the connection of Worker.
type Envelope struct {
	Msg  Message
	Peer Peer
	// Worker identifies the connection when Err is set and Msg is empty.
	Worker string
	Err    error
}

// Hub funnels every worker connection into the master's single inbox.
type Hub struct {
	inbox chan Envelope
	done  chan struct{}
	once  sync.Once
}

// NewHub returns an open hub.
func NewHub() *Hub {
	return &Hub{
		inbox: make(chan Envelope, 64),
		done:  make(chan struct{}),
	}
}

// Inbox is read by Master.Run.
func (h *Hub) Inbox() <-chan Envelope { return h.inbox }

// Close stops delivery; pending and later deliveries fail with ErrClosed.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
}

func (h *Hub) deliver(ctx context.Context, env Envelope) error {
	select {
	case h.inbox <- env:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pipe returns an in-process connection to the hub. Frames still go
// through Encode and Decode.
func (h *Hub) Pipe() Conn {
	return &pipeConn{
		hub:     h,
		replies: make(chan []byte, 4),
		closed:  make(chan struct{}),
	}
}

type pipeConn struct {
	hub     *Hub
	replies chan []byte
	closed  chan struct{}
	once    sync.Once
}

type pipePeer struct{ c *pipeConn }

func (p pipePeer) Send(ctx context.Context, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	select {
	case p.c.replies <- frame:
		return nil
	case <-p.c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Send(ctx context.Context, m Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	return c.hub.deliver(ctx, envelopeFor(frame, pipePeer{c}, m.Worker))
}

func (c *pipeConn) Recv(ctx context.Context) (Message, error) {
	select {
	case frame := <-c.replies:
		return Decode(frame)
	case <-c.closed:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// envelopeFor decodes an inbound frame. A frame that does not decode still
// reaches the master, as a failure of the sending worker.
func envelopeFor(frame []byte, peer Peer, worker string) Envelope {
	m, err := Decode(frame)
	if err != nil {
		return Envelope{Peer: peer, Worker: worker, Err: err}
	}
	return Envelope{Msg: m, Peer: peer, Worker: m.Worker}
}
