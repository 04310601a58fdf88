package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/outofforest/parallel"
)

// Close codes reported to handlers.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

var (
	// ErrNotOpen is returned when connection is not in the open state.
	ErrNotOpen = errors.New("connection is not open")

	// ErrUnknownConnection is returned when connection does not exist anymore.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrBusy is returned when command queue of the transport is full.
	ErrBusy = errors.New("transport is busy")
)

// ConnID identifies connection. IDs are never reused by a transport, so
// an outdated ID never refers to a newer connection.
type ConnID uint64

// NoConn is the zero ConnID which never refers to a connection.
const NoConn ConnID = 0

// State is the state of a connection.
type State int32

// Connection states.
const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler receives connection events. All the methods are called by the single
// dispatcher goroutine of the transport, so they must return quickly.
type Handler interface {
	OnOpen(ctx context.Context, id ConnID)
	OnClose(ctx context.Context, id ConnID, code int, reason string)
	OnFail(ctx context.Context, id ConnID, err error)
	OnMessage(ctx context.Context, id ConnID, payload []byte)
}

// link is the established duplex connection provided by a driver.
type link interface {
	Receive() ([]byte, error)
	Send(payload []byte) error
	Close(code int, reason string) error
	Terminate()
	CloseStatus(err error) (int, string)
}

// runFn is called by driver for every established link. It returns when link is closed.
type runFn func(ctx context.Context, l link) error

type driver interface {
	Dial(ctx context.Context, uri string, run runFn) error
	Serve(ctx context.Context, ls net.Listener, run runFn) error
}

type eventKind int

const (
	eventOpen eventKind = iota
	eventClose
	eventFail
	eventMessage
)

type event struct {
	Kind    eventKind
	ID      ConnID
	Payload []byte
	Code    int
	Reason  string
	Err     error
}

type command struct {
	Conn     *conn
	URI      string
	Listener net.Listener
}

type conn struct {
	id    ConnID
	state atomic.Int32

	mu   sync.Mutex
	link link
}

func (c *conn) State() State {
	return State(c.state.Load())
}

func (c *conn) Link() link {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.link
}

func (c *conn) attach(l link) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.link = l
	c.state.Store(int32(StateOpen))
}

// Transport manages connections established by its driver and delivers their
// events to the handler passed to Run.
type Transport struct {
	driver driver

	mu     sync.Mutex
	lastID ConnID
	conns  map[ConnID]*conn

	cmdCh   chan command
	eventCh chan event
}

func newTransport(d driver) *Transport {
	return &Transport{
		driver:  d,
		conns:   map[ConnID]*conn{},
		cmdCh:   make(chan command, 16),
		eventCh: make(chan event, 64),
	}
}

// Run runs the event processing loop of the transport. Connections are closed when it exits.
func (t *Transport) Run(ctx context.Context, handler Handler) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("dispatcher", parallel.Fail, func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case cmd := <-t.cmdCh:
					if cmd.Listener != nil {
						spawn("listener", parallel.Fail, func(ctx context.Context) error {
							return t.driver.Serve(ctx, cmd.Listener, t.accept)
						})
						continue
					}
					spawn("conn", parallel.Continue, func(ctx context.Context) error {
						t.dial(ctx, cmd.Conn, cmd.URI)
						return nil
					})
				case ev := <-t.eventCh:
					t.deliver(ctx, handler, ev)
				}
			}
		})

		return nil
	})
}

// Connect creates new connection to uri. Handshake is completed asynchronously
// and reported by OnOpen or OnFail.
func (t *Transport) Connect(uri string) (ConnID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastID++
	c := &conn{id: t.lastID}
	c.state.Store(int32(StateConnecting))

	t.conns[c.id] = c

	select {
	case t.cmdCh <- command{Conn: c, URI: uri}:
		return c.id, nil
	default:
		delete(t.conns, c.id)
		return NoConn, errors.WithStack(ErrBusy)
	}
}

// Listen accepts incoming connections on ls until Run exits.
func (t *Transport) Listen(ls net.Listener) error {
	select {
	case t.cmdCh <- command{Listener: ls}:
		return nil
	default:
		return errors.WithStack(ErrBusy)
	}
}

// Send sends payload over the connection.
func (t *Transport) Send(id ConnID, payload []byte) error {
	c, err := t.conn(id)
	if err != nil {
		return err
	}
	if c.State() != StateOpen {
		return errors.Wrapf(ErrNotOpen, "connection %d is %s", id, c.State())
	}
	return c.Link().Send(payload)
}

// Close requests graceful close of the connection.
func (t *Transport) Close(id ConnID, code int, reason string) error {
	c, err := t.conn(id)
	if err != nil {
		return err
	}
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return errors.Wrapf(ErrNotOpen, "connection %d is %s", id, c.State())
	}
	return c.Link().Close(code, reason)
}

// State returns the state of the connection. Unknown connections are reported as closed.
func (t *Transport) State(id ConnID) State {
	c, err := t.conn(id)
	if err != nil {
		return StateClosed
	}
	return c.State()
}

func (t *Transport) conn(id ConnID) (*conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, exists := t.conns[id]
	if !exists {
		return nil, errors.Wrapf(ErrUnknownConnection, "connection %d", id)
	}
	return c, nil
}

func (t *Transport) remove(c *conn) {
	c.state.Store(int32(StateClosed))

	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.conns, c.id)
}

func (t *Transport) accept(ctx context.Context, l link) error {
	t.mu.Lock()
	t.lastID++
	c := &conn{id: t.lastID}
	t.conns[c.id] = c
	t.mu.Unlock()

	return t.runLink(ctx, c, l)
}

func (t *Transport) dial(ctx context.Context, c *conn, uri string) {
	var opened bool
	err := t.driver.Dial(ctx, uri, func(ctx context.Context, l link) error {
		opened = true
		return t.runLink(ctx, c, l)
	})
	if opened {
		return
	}

	t.remove(c)
	if err == nil {
		err = errors.Errorf("connection to %s has not been established", uri)
	}
	t.post(ctx, event{Kind: eventFail, ID: c.id, Err: err})
}

func (t *Transport) runLink(ctx context.Context, c *conn, l link) error {
	c.attach(l)
	t.post(ctx, event{Kind: eventOpen, ID: c.id})

	var recvErr error
	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			for {
				payload, err := l.Receive()
				if err != nil {
					recvErr = err
					return err
				}
				t.post(ctx, event{Kind: eventMessage, ID: c.id, Payload: payload})
			}
		})
		spawn("closer", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			l.Terminate()
			return errors.WithStack(ctx.Err())
		})

		return nil
	})

	if recvErr == nil {
		recvErr = err
	}
	code, reason := l.CloseStatus(recvErr)
	t.remove(c)
	t.post(ctx, event{Kind: eventClose, ID: c.id, Code: code, Reason: reason})

	return err
}

func (t *Transport) post(ctx context.Context, ev event) {
	select {
	case <-ctx.Done():
	case t.eventCh <- ev:
	}
}

func (t *Transport) deliver(ctx context.Context, handler Handler, ev event) {
	switch ev.Kind {
	case eventOpen:
		handler.OnOpen(ctx, ev.ID)
	case eventClose:
		handler.OnClose(ctx, ev.ID, ev.Code, ev.Reason)
	case eventFail:
		handler.OnFail(ctx, ev.ID, ev.Err)
	case eventMessage:
		handler.OnMessage(ctx, ev.ID, ev.Payload)
	}
}
