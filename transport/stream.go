package transport

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/resonance"
)

// StreamScheme is the URI scheme of stream transport.
const StreamScheme = "tcp://"

// StreamConfig configures stream transport.
type StreamConfig struct {
	MaxMessageSize uint64
}

// NewStream creates transport exchanging payloads as frames over plain TCP connections.
func NewStream(config StreamConfig) *Transport {
	return newTransport(streamDriver{
		config: resonance.Config{
			MaxMessageSize: config.MaxMessageSize,
		},
	})
}

type streamDriver struct {
	config resonance.Config
}

func (d streamDriver) Dial(ctx context.Context, uri string, run runFn) error {
	return resonance.RunClient(ctx, strings.TrimPrefix(uri, StreamScheme), d.config,
		func(ctx context.Context, c *resonance.Connection) error {
			return run(ctx, &streamLink{conn: c})
		})
}

func (d streamDriver) Serve(ctx context.Context, ls net.Listener, run runFn) error {
	return resonance.RunServer(ctx, ls, d.config,
		func(ctx context.Context, c *resonance.Connection) error {
			return run(ctx, &streamLink{conn: c})
		})
}

type streamLink struct {
	conn *resonance.Connection
	wmu  sync.Mutex

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

func (l *streamLink) Receive() ([]byte, error) {
	payload, err := l.conn.ReceiveRawBytes()
	if err != nil {
		return nil, err
	}
	return bytes.Clone(payload), nil
}

func (l *streamLink) Send(payload []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	return l.conn.SendRawBytes(payload)
}

// Close closes the connection immediately, stream has no close handshake.
func (l *streamLink) Close(code int, reason string) error {
	l.mu.Lock()
	l.closed = true
	l.closeCode = code
	l.closeReason = reason
	l.mu.Unlock()

	l.conn.Close()
	return nil
}

func (l *streamLink) Terminate() {
	l.conn.Close()
}

func (l *streamLink) CloseStatus(err error) (int, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return l.closeCode, l.closeReason
	}
	if err == nil {
		return CloseAbnormal, ""
	}
	return CloseAbnormal, errors.Cause(err).Error()
}
