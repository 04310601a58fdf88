package encoding_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/qa"
	"github.com/outofforest/wsbridge/encoding"
	"github.com/outofforest/wsbridge/transport"
)

type point struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
}

type received struct {
	Kind      string
	Conn      transport.ConnID
	Name      string
	Type      string
	ReplyType string
	ID        string
	Body      any
}

type recorder struct {
	topics map[string]string
	calls  []received
}

func newRecorder() *recorder {
	return &recorder{topics: map[string]string{"pose": "geometry/Point"}}
}

func (r *recorder) SubscriptionType(_ transport.ConnID, topic string) (string, bool) {
	typeName, exists := r.topics[topic]
	return typeName, exists
}

func (r *recorder) ReceiveTopicAdvertisement(_ context.Context, conn transport.ConnID, topic, typeName, id string) {
	r.calls = append(r.calls, received{Kind: "advertise", Conn: conn, Name: topic, Type: typeName, ID: id})
}

func (r *recorder) ReceiveTopicUnadvertisement(_ context.Context, conn transport.ConnID, topic, id string) {
	r.calls = append(r.calls, received{Kind: "unadvertise", Conn: conn, Name: topic, ID: id})
}

func (r *recorder) ReceivePublication(_ context.Context, conn transport.ConnID, topic string, message any) {
	r.calls = append(r.calls, received{Kind: "publish", Conn: conn, Name: topic, Body: message})
}

func (r *recorder) ReceiveSubscribeRequest(_ context.Context, conn transport.ConnID, topic, typeName, id string) {
	r.calls = append(r.calls, received{Kind: "subscribe", Conn: conn, Name: topic, Type: typeName, ID: id})
}

func (r *recorder) ReceiveUnsubscribeRequest(_ context.Context, conn transport.ConnID, topic, id string) {
	r.calls = append(r.calls, received{Kind: "unsubscribe", Conn: conn, Name: topic, ID: id})
}

func (r *recorder) ReceiveServiceRequest(
	_ context.Context,
	conn transport.ConnID,
	service string,
	request any,
	id string,
) {
	r.calls = append(r.calls, received{Kind: "call_service", Conn: conn, Name: service, ID: id, Body: request})
}

func (r *recorder) ReceiveServiceAdvertisement(
	_ context.Context,
	conn transport.ConnID,
	service, requestType, replyType string,
) {
	r.calls = append(r.calls, received{
		Kind:      "advertise_service",
		Conn:      conn,
		Name:      service,
		Type:      requestType,
		ReplyType: replyType,
	})
}

func (r *recorder) ReceiveServiceUnadvertisement(_ context.Context, conn transport.ConnID, service, typeName string) {
	r.calls = append(r.calls, received{Kind: "unadvertise_service", Conn: conn, Name: service, Type: typeName})
}

func (r *recorder) ReceiveServiceResponse(
	_ context.Context,
	conn transport.ConnID,
	service string,
	response any,
	id string,
) {
	r.calls = append(r.calls, received{Kind: "service_response", Conn: conn, Name: service, ID: id, Body: response})
}

var encodings = []string{encoding.JSON, encoding.CBOR, encoding.Proton}

func newEncoding(t *testing.T, name string) encoding.Encoding {
	enc, err := encoding.New(name)
	require.NoError(t, err)
	enc.AddType(encoding.NewType[point]("geometry/Point"))
	return enc
}

func TestDecodeDispatchesEveryKind(t *testing.T) {
	const conn transport.ConnID = 3

	for _, name := range encodings {
		t.Run(name, func(t *testing.T) {
			requireT := require.New(t)
			ctx := qa.NewContext(t)
			enc := newEncoding(t, name)

			msg := point{X: 1.5, Y: -2}

			encoders := []func() ([]byte, error){
				func() ([]byte, error) { return enc.EncodeAdvertise("pose", "geometry/Point", "a1") },
				func() ([]byte, error) { return enc.EncodeUnadvertise("pose", "a1") },
				func() ([]byte, error) { return enc.EncodePublication("pose", "geometry/Point", "", msg) },
				func() ([]byte, error) { return enc.EncodeSubscribe("pose", "geometry/Point", "s1") },
				func() ([]byte, error) { return enc.EncodeUnsubscribe("pose", "s1") },
				func() ([]byte, error) {
					return enc.EncodeAdvertiseService("move", "geometry/Point", "geometry/Point", "")
				},
				func() ([]byte, error) { return enc.EncodeUnadvertiseService("move", "geometry/Point") },
				func() ([]byte, error) { return enc.EncodeCallService("move", "geometry/Point", "7", msg) },
				func() ([]byte, error) { return enc.EncodeServiceResponse("move", "geometry/Point", "7", msg) },
			}

			r := newRecorder()
			for _, encode := range encoders {
				payload, err := encode()
				requireT.NoError(err)
				requireT.NotEmpty(payload)
				requireT.NoError(enc.Decode(ctx, payload, r, conn))
			}

			requireT.Equal([]received{
				{Kind: "advertise", Conn: conn, Name: "pose", Type: "geometry/Point", ID: "a1"},
				{Kind: "unadvertise", Conn: conn, Name: "pose", ID: "a1"},
				{Kind: "publish", Conn: conn, Name: "pose", Body: msg},
				{Kind: "subscribe", Conn: conn, Name: "pose", Type: "geometry/Point", ID: "s1"},
				{Kind: "unsubscribe", Conn: conn, Name: "pose", ID: "s1"},
				{
					Kind:      "advertise_service",
					Conn:      conn,
					Name:      "move",
					Type:      "geometry/Point",
					ReplyType: "geometry/Point",
				},
				{Kind: "unadvertise_service", Conn: conn, Name: "move", Type: "geometry/Point"},
				{Kind: "call_service", Conn: conn, Name: "move", ID: "7", Body: msg},
				{Kind: "service_response", Conn: conn, Name: "move", ID: "7", Body: msg},
			}, r.calls)
		})
	}
}

func TestEncodeUnknownType(t *testing.T) {
	for _, name := range encodings {
		t.Run(name, func(t *testing.T) {
			requireT := require.New(t)
			enc := newEncoding(t, name)

			_, err := enc.EncodePublication("pose", "geometry/Unknown", "", point{})
			requireT.ErrorIs(err, encoding.ErrUnknownType)

			_, err = enc.EncodeCallService("move", "geometry/Unknown", "1", point{})
			requireT.ErrorIs(err, encoding.ErrUnknownType)
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	for _, name := range encodings {
		t.Run(name, func(t *testing.T) {
			requireT := require.New(t)
			ctx := qa.NewContext(t)

			sender := newEncoding(t, name)
			sender.AddType(encoding.NewType[point]("geometry/Other"))
			payload, err := sender.EncodePublication("other", "geometry/Other", "", point{X: 1})
			requireT.NoError(err)

			r := newRecorder()
			r.topics["other"] = "geometry/Other"
			err = newEncoding(t, name).Decode(ctx, payload, r, 1)
			requireT.ErrorIs(err, encoding.ErrUnknownType)
			requireT.Empty(r.calls)
		})
	}
}

func TestDecodeConversionError(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	enc := newEncoding(t, encoding.JSON)
	r := newRecorder()

	err := enc.Decode(ctx, []byte(`{"op":"publish","topic":"pose","type":"geometry/Point","msg":{"x":"wrong"}}`), r, 1)
	requireT.Error(err)
	requireT.Empty(r.calls)

	// Next message is still decoded.
	requireT.NoError(enc.Decode(ctx, []byte(`{"op":"publish","topic":"pose","type":"geometry/Point","msg":{"x":2}}`),
		r, 1))
	requireT.Equal([]received{{Kind: "publish", Conn: 1, Name: "pose", Body: point{X: 2}}}, r.calls)
}

func TestDecodePublicationUsesSubscribedType(t *testing.T) {
	for _, name := range encodings {
		t.Run(name, func(t *testing.T) {
			requireT := require.New(t)
			ctx := qa.NewContext(t)

			sender := newEncoding(t, name)
			sender.AddType(encoding.NewType[point]("geometry/Other"))

			receiver := newEncoding(t, name)
			receiver.AddType(encoding.NewType[map[string]any]("geometry/Other"))

			r := newRecorder()

			payload, err := sender.EncodePublication("pose", "geometry/Other", "", point{X: 1})
			requireT.NoError(err)
			requireT.ErrorIs(receiver.Decode(ctx, payload, r, 1), encoding.ErrTypeMismatch)

			// Publications on topics nobody subscribes to are dropped without decoding the body.
			payload, err = sender.EncodePublication("unknown", "geometry/Unknown", "", point{X: 1})
			requireT.NoError(err)
			requireT.NoError(receiver.Decode(ctx, payload, r, 1))

			requireT.Empty(r.calls)
		})
	}
}

func TestDecodePublicationWithoutType(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	r := newRecorder()
	requireT.NoError(newEncoding(t, encoding.JSON).Decode(ctx, []byte(`{"op":"publish","topic":"pose","msg":{"x":4}}`),
		r, 1))
	requireT.Equal([]received{{Kind: "publish", Conn: 1, Name: "pose", Body: point{X: 4}}}, r.calls)
}

func TestDecodeUnknownOp(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	enc := newEncoding(t, encoding.JSON)
	err := enc.Decode(ctx, []byte(`{"op":"status","level":"error"}`), newRecorder(), 1)
	requireT.ErrorIs(err, encoding.ErrUnknownOp)
}

func TestDecodeMalformedPayload(t *testing.T) {
	for _, name := range encodings {
		t.Run(name, func(t *testing.T) {
			requireT := require.New(t)
			ctx := qa.NewContext(t)

			r := newRecorder()
			requireT.Error(newEncoding(t, name).Decode(ctx, []byte{0xff, 0x00, 0x17}, r, 1))
			requireT.Empty(r.calls)
		})
	}
}

func TestJSONWireFormat(t *testing.T) {
	requireT := require.New(t)
	enc := newEncoding(t, encoding.JSON)

	payload, err := enc.EncodeServiceResponse("move", "geometry/Point", "4", point{X: 1, Y: 2})
	requireT.NoError(err)

	var doc map[string]any
	requireT.NoError(json.Unmarshal(payload, &doc))
	requireT.Equal(map[string]any{
		"op":      "service_response",
		"service": "move",
		"type":    "geometry/Point",
		"id":      "4",
		"values":  map[string]any{"x": 1.0, "y": 2.0},
		"result":  true,
	}, doc)

	payload, err = enc.EncodeAdvertiseService("move", "geometry/Point", "geometry/Pose", "")
	requireT.NoError(err)

	doc = nil
	requireT.NoError(json.Unmarshal(payload, &doc))
	requireT.Equal(map[string]any{
		"op":           "advertise_service",
		"service":      "move",
		"request_type": "geometry/Point",
		"reply_type":   "geometry/Pose",
	}, doc)
}

func TestNewEncoding(t *testing.T) {
	requireT := require.New(t)

	for _, name := range []string{"", "JSON", "Cbor", "proton"} {
		enc, err := encoding.New(name)
		requireT.NoError(err)
		requireT.NotNil(enc)
	}

	_, err := encoding.New("xml")
	requireT.ErrorIs(err, encoding.ErrUnknownEncoding)
}

func TestDecodeIntoMap(t *testing.T) {
	for _, name := range encodings {
		t.Run(name, func(t *testing.T) {
			requireT := require.New(t)
			ctx := qa.NewContext(t)

			sender := newEncoding(t, name)
			payload, err := sender.EncodePublication("pose", "geometry/Point", "", point{X: 3})
			requireT.NoError(err)

			receiver, err := encoding.New(name)
			requireT.NoError(err)
			receiver.AddType(encoding.NewType[map[string]any]("geometry/Point"))

			r := newRecorder()
			requireT.NoError(receiver.Decode(ctx, payload, r, 1))
			requireT.Len(r.calls, 1)

			body, ok := r.calls[0].Body.(map[string]any)
			requireT.True(ok)
			requireT.EqualValues(3, body["x"])
		})
	}
}
