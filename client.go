package wsbridge

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/wsbridge/encoding"
	"github.com/outofforest/wsbridge/transport"
)

const (
	reconnectInterval = 2 * time.Second
	tickDelay         = 100 * time.Millisecond
	shutdownPoll      = 200 * time.Millisecond
	shutdownTimeout   = 10 * time.Second
)

// Transport is the transport used by endpoints.
type Transport interface {
	Run(ctx context.Context, handler transport.Handler) error
	Connect(uri string) (transport.ConnID, error)
	Listen(ls net.Listener) error
	Send(id transport.ConnID, payload []byte) error
	Close(id transport.ConnID, code int, reason string) error
	State(id transport.ConnID) transport.State
}

// Client maintains single connection to the peer and reconnects whenever it is lost.
type Client struct {
	*Endpoint

	uri       string
	transport Transport

	reconnectInterval time.Duration
	tickDelay         time.Duration
	shutdownPoll      time.Duration
	shutdownTimeout   time.Duration

	connMu      sync.Mutex
	conn        transport.ConnID
	lastAttempt time.Time

	// ready is the tracked connection once its startup backlog has been sent.
	ready transport.ConnID

	closing atomic.Bool
	failed  atomic.Bool
}

// NewClient creates client connecting to the peer defined by config.
func NewClient(ctx context.Context, config Config) (*Client, error) {
	enc, tr, err := config.build(ctx, true)
	if err != nil {
		return nil, err
	}

	config.setDefaults()
	return newClient(config.URI(), enc, tr), nil
}

func newClient(uri string, enc encoding.Encoding, tr Transport) *Client {
	return &Client{
		Endpoint:          NewEndpoint(enc, tr),
		uri:               uri,
		transport:         tr,
		reconnectInterval: reconnectInterval,
		tickDelay:         tickDelay,
		shutdownPoll:      shutdownPoll,
		shutdownTimeout:   shutdownTimeout,
	}
}

// URI returns the URI of the peer.
func (client *Client) URI() string {
	return client.uri
}

// Run runs the transport and the reconnection loop until ctx is canceled. Connection is then
// closed gracefully before Run returns.
func (client *Client) Run(ctx context.Context) error {
	// Transport must outlive ctx to complete the close handshake.
	err := parallel.Run(context.WithoutCancel(ctx), func(tCtx context.Context, spawn parallel.SpawnFn) error {
		spawn("transport", parallel.Fail, func(tCtx context.Context) error {
			return client.transport.Run(tCtx, client)
		})
		spawn("spin", parallel.Fail, func(tCtx context.Context) error {
			for ctx.Err() == nil && tCtx.Err() == nil {
				client.Tick(ctx)
			}

			client.shutdown(tCtx)

			if err := tCtx.Err(); err != nil {
				return errors.WithStack(err)
			}
			return errors.WithStack(ctx.Err())
		})

		return nil
	})

	if ctx.Err() != nil {
		return errors.WithStack(ctx.Err())
	}
	return err
}

// Tick starts new connection attempt if there is no usable connection and enough time has passed since
// the previous attempt. It reports whether the attempt was started. Every tick sleeps for a short
// moment.
func (client *Client) Tick(ctx context.Context) bool {
	started := client.tick(ctx)

	select {
	case <-ctx.Done():
	case <-time.After(client.tickDelay):
	}

	return started
}

func (client *Client) tick(ctx context.Context) bool {
	if client.closing.Load() {
		return false
	}

	// Lock is held until the new connection is tracked, so its events are not taken as stale ones.
	client.connMu.Lock()
	defer client.connMu.Unlock()

	if client.conn != transport.NoConn && client.transport.State(client.conn) != transport.StateClosed {
		return false
	}
	if time.Since(client.lastAttempt) < client.reconnectInterval {
		return false
	}

	client.lastAttempt = time.Now()

	id, err := client.transport.Connect(client.uri)
	if err != nil {
		logger.Get(ctx).Error("Connecting failed", zap.String("uri", client.uri), zap.Error(err))
		return false
	}

	client.conn = id
	logger.Get(ctx).Debug("Connecting", zap.String("uri", client.uri), zap.Uint64("conn", uint64(id)))
	return true
}

// Conn returns the tracked connection.
func (client *Client) Conn() transport.ConnID {
	client.connMu.Lock()
	defer client.connMu.Unlock()

	return client.conn
}

// Connected tells if the tracked connection is open.
func (client *Client) Connected() bool {
	conn := client.Conn()
	return conn != transport.NoConn && client.transport.State(conn) == transport.StateOpen
}

// RuntimeAdvertisement registers publication on topic and advertises it immediately over the open connection.
// Unlike Advertise, the message is not sent again after reconnection.
func (client *Client) RuntimeAdvertisement(ctx context.Context, topic string, msgType encoding.Type, id string) error {
	payload, err := client.runtimeAdvertisement(topic, msgType, id)
	if err != nil {
		return err
	}

	conn, ready := client.readyConn()
	if len(payload) == 0 || !ready || client.transport.State(conn) != transport.StateOpen {
		return nil
	}
	if err := client.transport.Send(conn, payload); err != nil {
		return err
	}

	logger.Get(ctx).Debug("Advertised topic at runtime", zap.String("topic", topic), zap.String("type", msgType.Name))
	return nil
}

// OnOpen is called by transport when connection is opened.
func (client *Client) OnOpen(ctx context.Context, id transport.ConnID) {
	log := logger.Get(ctx).With(zap.Uint64("conn", uint64(id)))

	if tracked := client.Conn(); id != tracked {
		log.Error("Opened connection is not the tracked one, ignoring", zap.Uint64("tracked", uint64(tracked)))
		return
	}

	client.failed.Store(false)
	log.Info("Connection opened", zap.String("uri", client.uri))

	client.ConnectionOpened(ctx, id)

	client.connMu.Lock()
	defer client.connMu.Unlock()

	if client.conn == id {
		client.ready = id
	}
}

func (client *Client) readyConn() (transport.ConnID, bool) {
	client.connMu.Lock()
	defer client.connMu.Unlock()

	return client.conn, client.conn != transport.NoConn && client.ready == client.conn
}

// OnFail is called by transport when connection could not be established.
func (client *Client) OnFail(ctx context.Context, id transport.ConnID, err error) {
	if client.failed.CompareAndSwap(false, true) {
		logger.Get(ctx).Error("Connection failed, retrying",
			zap.String("uri", client.uri), zap.Uint64("conn", uint64(id)), zap.Error(err))
	}
}

// OnClose is called by transport when connection is closed.
func (client *Client) OnClose(ctx context.Context, id transport.ConnID, code int, reason string) {
	log := logger.Get(ctx).With(zap.Uint64("conn", uint64(id)))

	if client.closing.Load() {
		log.Info("Connection closed")
	} else {
		log.Warn("Connection closed early", zap.Int("code", code), zap.String("reason", reason))
	}

	client.ConnectionClosed(ctx, id)
}

// OnMessage is called by transport when message is received.
func (client *Client) OnMessage(ctx context.Context, id transport.ConnID, payload []byte) {
	if tracked := client.Conn(); id != tracked {
		logger.Get(ctx).Warn("Dropping message received over connection which is not the tracked one",
			zap.Uint64("conn", uint64(id)), zap.Uint64("tracked", uint64(tracked)))
		return
	}

	client.dispatch(ctx, id, payload)
}

func (client *Client) shutdown(ctx context.Context) {
	client.closing.Store(true)

	conn := client.Conn()
	if conn == transport.NoConn || client.transport.State(conn) != transport.StateOpen {
		return
	}

	log := logger.Get(ctx)

	if err := client.transport.Close(conn, transport.CloseNormal, "shutdown"); err != nil {
		log.Warn("Closing connection failed", zap.Error(err))
		return
	}

	timeout := time.After(client.shutdownTimeout)
	ticker := time.NewTicker(client.shutdownPoll)
	defer ticker.Stop()

	for client.transport.State(conn) != transport.StateClosed {
		select {
		case <-ctx.Done():
			return
		case <-timeout:
			log.Warn("Timeout while waiting for the connection to be closed", zap.Duration("timeout", client.shutdownTimeout))
			return
		case <-ticker.C:
		}
	}
}
