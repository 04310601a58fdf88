package encoding

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/outofforest/wsbridge/transport"
)

// Names of supported encodings.
const (
	JSON   = "json"
	CBOR   = "cbor"
	Proton = "proton"
)

var (
	// ErrUnknownEncoding is returned when configuration requests an encoding which does not exist.
	ErrUnknownEncoding = errors.New("unknown encoding")

	// ErrUnknownType is returned when message type has not been registered.
	ErrUnknownType = errors.New("unknown message type")

	// ErrUnknownOp is returned when payload carries unsupported message kind.
	ErrUnknownOp = errors.New("unknown message kind")

	// ErrTypeMismatch is returned when publication declares type different from the subscribed one.
	ErrTypeMismatch = errors.New("message type mismatch")
)

// Encoding converts protocol messages to wire payloads and back.
// Encoders returning empty payload without error signal that there is nothing to send.
type Encoding interface {
	AddType(t Type)
	EncodeAdvertise(topic, typeName, id string) ([]byte, error)
	EncodeUnadvertise(topic, id string) ([]byte, error)
	EncodeSubscribe(topic, typeName, id string) ([]byte, error)
	EncodeUnsubscribe(topic, id string) ([]byte, error)
	EncodePublication(topic, typeName, id string, message any) ([]byte, error)
	EncodeAdvertiseService(service, requestType, replyType, id string) ([]byte, error)
	EncodeUnadvertiseService(service, typeName string) ([]byte, error)
	EncodeCallService(service, requestType, id string, request any) ([]byte, error)
	EncodeServiceResponse(service, replyType, id string, response any) ([]byte, error)

	// Decode parses payload and passes it to the matching router entry point.
	Decode(ctx context.Context, payload []byte, router Router, conn transport.ConnID) error
}

// Router receives decoded protocol messages.
type Router interface {
	// SubscriptionType returns the type publications on topic received from conn are decoded into.
	// False means that such publications are dropped.
	SubscriptionType(conn transport.ConnID, topic string) (string, bool)

	ReceiveTopicAdvertisement(ctx context.Context, conn transport.ConnID, topic, typeName, id string)
	ReceiveTopicUnadvertisement(ctx context.Context, conn transport.ConnID, topic, id string)
	ReceivePublication(ctx context.Context, conn transport.ConnID, topic string, message any)
	ReceiveSubscribeRequest(ctx context.Context, conn transport.ConnID, topic, typeName, id string)
	ReceiveUnsubscribeRequest(ctx context.Context, conn transport.ConnID, topic, id string)
	ReceiveServiceRequest(ctx context.Context, conn transport.ConnID, service string, request any, id string)
	ReceiveServiceAdvertisement(ctx context.Context, conn transport.ConnID, service, requestType, replyType string)
	ReceiveServiceUnadvertisement(ctx context.Context, conn transport.ConnID, service, typeName string)
	ReceiveServiceResponse(ctx context.Context, conn transport.ConnID, service string, response any, id string)
}

// New returns encoding selected by name. Name is case-insensitive, empty name selects JSON.
func New(name string) (Encoding, error) {
	switch strings.ToLower(name) {
	case "", JSON:
		return newCodec(jsonFormat{}), nil
	case CBOR:
		return newCodec(cborFormat{}), nil
	case Proton:
		return newCodec(newProtonFormat()), nil
	default:
		return nil, errors.Wrapf(ErrUnknownEncoding, "encoding %q", name)
	}
}
