package wsbridge

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/wsbridge/transport"
)

// Server accepts connections from many peers and routes messages between them and the host.
type Server struct {
	*Endpoint

	transport Transport
}

// NewServer creates server using encoding and transport defined by config. Server accepts plain
// connections only.
func NewServer(ctx context.Context, config Config) (*Server, error) {
	enc, tr, err := config.build(ctx, false)
	if err != nil {
		return nil, err
	}

	return newServer(NewEndpoint(enc, tr), tr), nil
}

func newServer(endpoint *Endpoint, tr Transport) *Server {
	return &Server{
		Endpoint:  endpoint,
		transport: tr,
	}
}

// Run accepts connections on ls until ctx is canceled.
func (server *Server) Run(ctx context.Context, ls net.Listener) error {
	if err := server.transport.Listen(ls); err != nil {
		return err
	}

	logger.Get(ctx).Info("Server started", zap.Stringer("address", ls.Addr()))
	return server.transport.Run(ctx, server)
}

// OnOpen is called by transport when peer connects.
func (server *Server) OnOpen(ctx context.Context, id transport.ConnID) {
	logger.Get(ctx).Info("Peer connected", zap.Uint64("conn", uint64(id)))
	server.ConnectionOpened(ctx, id)
}

// OnFail is called by transport when connection fails before it is opened.
func (server *Server) OnFail(ctx context.Context, id transport.ConnID, err error) {
	logger.Get(ctx).Error("Peer connection failed", zap.Uint64("conn", uint64(id)), zap.Error(err))
}

// OnClose is called by transport when peer disconnects.
func (server *Server) OnClose(ctx context.Context, id transport.ConnID, code int, reason string) {
	logger.Get(ctx).Info("Peer disconnected",
		zap.Uint64("conn", uint64(id)), zap.Int("code", code), zap.String("reason", reason))
	server.ConnectionClosed(ctx, id)
}

// OnMessage is called by transport when message is received from peer.
func (server *Server) OnMessage(ctx context.Context, id transport.ConnID, payload []byte) {
	server.dispatch(ctx, id, payload)
}
