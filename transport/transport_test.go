package transport_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
	"github.com/outofforest/wsbridge/transport"
)

type eventKind string

const (
	kindOpen    eventKind = "open"
	kindClose   eventKind = "close"
	kindFail    eventKind = "fail"
	kindMessage eventKind = "message"
)

type event struct {
	Kind    eventKind
	ID      transport.ConnID
	Payload string
	Code    int
}

type recorder struct {
	ch chan event

	// echo sends every received message back when set.
	echo *transport.Transport
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan event, 100)}
}

func (r *recorder) OnOpen(_ context.Context, id transport.ConnID) {
	r.ch <- event{Kind: kindOpen, ID: id}
}

func (r *recorder) OnClose(_ context.Context, id transport.ConnID, code int, _ string) {
	r.ch <- event{Kind: kindClose, ID: id, Code: code}
}

func (r *recorder) OnFail(_ context.Context, id transport.ConnID, _ error) {
	r.ch <- event{Kind: kindFail, ID: id}
}

func (r *recorder) OnMessage(_ context.Context, id transport.ConnID, payload []byte) {
	if r.echo != nil {
		_ = r.echo.Send(id, payload)
	}
	r.ch <- event{Kind: kindMessage, ID: id, Payload: string(payload)}
}

func (r *recorder) next(ctx context.Context, t *testing.T) event {
	select {
	case <-ctx.Done():
		require.FailNow(t, "event not received")
		return event{}
	case ev := <-r.ch:
		return ev
	}
}

func echoServer(t *testing.T, server *transport.Transport, ls net.Listener) (*recorder, func(ctx context.Context) error) {
	require.NoError(t, server.Listen(ls))

	r := newRecorder()
	r.echo = server
	return r, func(ctx context.Context) error {
		return server.Run(ctx, r)
	}
}

func client(tr *transport.Transport) (*recorder, func(ctx context.Context) error) {
	r := newRecorder()
	return r, func(ctx context.Context) error {
		return tr.Run(ctx, r)
	}
}

func testEcho(ctx context.Context, t *testing.T, client *transport.Transport, events *recorder, uri string) {
	requireT := require.New(t)

	id, err := client.Connect(uri)
	requireT.NoError(err)
	requireT.NotEqual(transport.NoConn, id)

	requireT.Equal(event{Kind: kindOpen, ID: id}, events.next(ctx, t))
	requireT.Equal(transport.StateOpen, client.State(id))

	requireT.NoError(client.Send(id, []byte("hello")))
	requireT.Equal(event{Kind: kindMessage, ID: id, Payload: "hello"}, events.next(ctx, t))

	requireT.NoError(client.Send(id, []byte{0xff, 0x00, 0x01}))
	requireT.Equal(event{Kind: kindMessage, ID: id, Payload: string([]byte{0xff, 0x00, 0x01})}, events.next(ctx, t))

	requireT.NoError(client.Close(id, transport.CloseNormal, "bye"))
	requireT.Equal(event{Kind: kindClose, ID: id, Code: transport.CloseNormal}, events.next(ctx, t))
	requireT.Equal(transport.StateClosed, client.State(id))

	requireT.ErrorIs(client.Send(id, []byte("late")), transport.ErrUnknownConnection)

	id2, err := client.Connect(uri)
	requireT.NoError(err)
	requireT.Greater(id2, id)
	requireT.Equal(event{Kind: kindOpen, ID: id2}, events.next(ctx, t))
}

func TestWebSocketEcho(t *testing.T) {
	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		require.NoError(t, group.Wait())
	}()

	ls, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	_, serve := echoServer(t, transport.NewWebSocket(transport.WebSocketConfig{}), ls)
	group.Spawn("server", parallel.Fail, serve)

	tr := transport.NewWebSocket(transport.WebSocketConfig{})
	events, run := client(tr)
	group.Spawn("client", parallel.Fail, run)

	testEcho(ctx, t, tr, events, "ws://"+ls.Addr().String())
}

func TestSecureWebSocketEcho(t *testing.T) {
	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		require.NoError(t, group.Wait())
	}()

	// Test server provides certificate valid for 127.0.0.1.
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	defer ts.Close()

	roots := x509.NewCertPool()
	roots.AddCert(ts.Certificate())

	ls, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tlsLs := tls.NewListener(ls, &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: ts.TLS.Certificates,
	})

	_, serve := echoServer(t, transport.NewWebSocket(transport.WebSocketConfig{}), tlsLs)
	group.Spawn("server", parallel.Fail, serve)

	tr := transport.NewWebSocket(transport.WebSocketConfig{
		TLS: &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    roots,
		},
	})
	events, run := client(tr)
	group.Spawn("client", parallel.Fail, run)

	testEcho(ctx, t, tr, events, "wss://"+ls.Addr().String())
}

func TestStreamEcho(t *testing.T) {
	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		require.NoError(t, group.Wait())
	}()

	ls, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	config := transport.StreamConfig{MaxMessageSize: 1024}
	_, serve := echoServer(t, transport.NewStream(config), ls)
	group.Spawn("server", parallel.Fail, serve)

	tr := transport.NewStream(config)
	events, run := client(tr)
	group.Spawn("client", parallel.Fail, run)

	testEcho(ctx, t, tr, events, transport.StreamScheme+ls.Addr().String())
}

func TestSubprotocolRequired(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)

	_, serve := echoServer(t, transport.NewWebSocket(transport.WebSocketConfig{
		Subprotocols: []string{"token"},
	}), ls)
	group.Spawn("server", parallel.Fail, serve)

	uri := "ws://" + ls.Addr().String()

	anonymous := transport.NewWebSocket(transport.WebSocketConfig{})
	anonymousEvents, run := client(anonymous)
	group.Spawn("anonymous", parallel.Fail, run)
	id, err := anonymous.Connect(uri)
	requireT.NoError(err)
	requireT.Equal(event{Kind: kindFail, ID: id}, anonymousEvents.next(ctx, t))
	requireT.Equal(transport.StateClosed, anonymous.State(id))

	authorized := transport.NewWebSocket(transport.WebSocketConfig{
		Subprotocols: []string{"token"},
	})
	authorizedEvents, run := client(authorized)
	group.Spawn("authorized", parallel.Fail, run)
	id, err = authorized.Connect(uri)
	requireT.NoError(err)
	requireT.Equal(event{Kind: kindOpen, ID: id}, authorizedEvents.next(ctx, t))
}

func TestConnectFails(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)
	addr := ls.Addr().String()
	requireT.NoError(ls.Close())

	tr := transport.NewWebSocket(transport.WebSocketConfig{})
	events, run := client(tr)
	group.Spawn("client", parallel.Fail, run)

	id, err := tr.Connect("ws://" + addr)
	requireT.NoError(err)
	requireT.Equal(event{Kind: kindFail, ID: id}, events.next(ctx, t))
	requireT.Equal(transport.StateClosed, tr.State(id))
	requireT.ErrorIs(tr.Send(id, []byte("x")), transport.ErrUnknownConnection)
}

func TestPeerClose(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)

	server := transport.NewWebSocket(transport.WebSocketConfig{})
	serverEvents, serve := echoServer(t, server, ls)
	group.Spawn("server", parallel.Fail, serve)

	tr := transport.NewWebSocket(transport.WebSocketConfig{})
	clientEvents, run := client(tr)
	group.Spawn("client", parallel.Fail, run)

	clientID, err := tr.Connect("ws://" + ls.Addr().String())
	requireT.NoError(err)
	requireT.Equal(kindOpen, clientEvents.next(ctx, t).Kind)

	serverOpen := serverEvents.next(ctx, t)
	requireT.Equal(kindOpen, serverOpen.Kind)

	requireT.NoError(server.Close(serverOpen.ID, 4000, "go away"))
	requireT.Equal(event{Kind: kindClose, ID: clientID, Code: 4000}, clientEvents.next(ctx, t))
	requireT.Error(server.Close(serverOpen.ID, 4000, "again"))
}

func TestStateString(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal("closed", transport.StateClosed.String())
	requireT.Equal("connecting", transport.StateConnecting.String())
	requireT.Equal("open", transport.StateOpen.String())
	requireT.Equal("closing", transport.StateClosing.String())
}
