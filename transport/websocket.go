package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

const (
	handshakeTimeout = 45 * time.Second
	writeTimeout     = 5 * time.Second
	closeTimeout     = time.Second
)

// WebSocketConfig configures websocket transport.
type WebSocketConfig struct {
	// TLS enables encrypted variant of the transport when set.
	TLS *tls.Config

	// Subprotocols are requested by dialed connections. When listening, the first
	// one must be requested by the peer.
	Subprotocols []string

	// MaxMessageSize limits the size of received messages, 0 means no limit.
	MaxMessageSize int64
}

// NewWebSocket creates transport exchanging payloads over websocket connections.
func NewWebSocket(config WebSocketConfig) *Transport {
	return newTransport(wsDriver{config: config})
}

type wsDriver struct {
	config WebSocketConfig
}

func (d wsDriver) Dial(ctx context.Context, uri string, run runFn) error {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  d.config.TLS,
		Subprotocols:     d.config.Subprotocols,
	}

	c, resp, err := dialer.DialContext(ctx, uri, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return errors.Wrapf(err, "dialing %s", uri)
	}

	return run(ctx, d.newLink(c))
}

func (d wsDriver) Serve(ctx context.Context, ls net.Listener, run runFn) error {
	log := logger.Get(ctx)

	upgrader := websocket.Upgrader{
		HandshakeTimeout: handshakeTimeout,
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}

	srv := &http.Server{
		ReadHeaderTimeout: handshakeTimeout,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requested := websocket.Subprotocols(r)
			header := http.Header{}
			if len(d.config.Subprotocols) > 0 {
				if !slices.Contains(requested, d.config.Subprotocols[0]) {
					log.Warn("Rejecting websocket connection without expected subprotocol",
						zap.String("remote", r.RemoteAddr))
					http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
					return
				}
				header.Set("Sec-Websocket-Protocol", d.config.Subprotocols[0])
			} else if len(requested) > 0 {
				header.Set("Sec-Websocket-Protocol", requested[0])
			}

			c, err := upgrader.Upgrade(w, r, header)
			if err != nil {
				log.Debug("Websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
				return
			}

			_ = run(ctx, d.newLink(c))
		}),
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			if err := srv.Serve(ls); !errors.Is(err, http.ErrServerClosed) {
				return errors.WithStack(err)
			}
			return errors.WithStack(ctx.Err())
		})
		spawn("shutdown", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			_ = srv.Close()
			return errors.WithStack(ctx.Err())
		})

		return nil
	})
}

func (d wsDriver) newLink(c *websocket.Conn) *wsLink {
	if d.config.MaxMessageSize > 0 {
		c.SetReadLimit(d.config.MaxMessageSize)
	}
	return &wsLink{conn: c}
}

type wsLink struct {
	conn *websocket.Conn

	// websocket supports one concurrent writer only.
	wmu sync.Mutex
}

func (l *wsLink) Receive() ([]byte, error) {
	_, payload, err := l.conn.ReadMessage()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return payload, nil
}

func (l *wsLink) Send(payload []byte) error {
	msgType := websocket.BinaryMessage
	if utf8.Valid(payload) {
		msgType = websocket.TextMessage
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	if err := l.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(l.conn.WriteMessage(msgType, payload))
}

func (l *wsLink) Close(code int, reason string) error {
	return errors.WithStack(l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(closeTimeout)))
}

func (l *wsLink) Terminate() {
	_ = l.conn.Close()
}

func (l *wsLink) CloseStatus(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	if err == nil {
		return CloseAbnormal, ""
	}
	return CloseAbnormal, err.Error()
}
