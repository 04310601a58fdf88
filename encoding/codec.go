package encoding

import (
	"context"
	"reflect"

	"github.com/pkg/errors"

	"github.com/outofforest/wsbridge/transport"
	"github.com/outofforest/wsbridge/wire"
)

// format converts frames and message bodies to bytes.
type format interface {
	MarshalFrame(frame wire.Frame) ([]byte, error)
	UnmarshalFrame(payload []byte) (wire.Frame, error)
	MarshalBody(v any) ([]byte, error)
	UnmarshalBody(data []byte, v any) error
}

type codec struct {
	types  *registry
	format format
}

func newCodec(f format) *codec {
	return &codec{
		types:  newRegistry(),
		format: f,
	}
}

func (c *codec) AddType(t Type) {
	c.types.Add(t)
}

func (c *codec) EncodeAdvertise(topic, typeName, id string) ([]byte, error) {
	return c.format.MarshalFrame(wire.Frame{
		Op:   wire.OpAdvertise,
		Name: topic,
		Type: typeName,
		ID:   id,
	})
}

func (c *codec) EncodeUnadvertise(topic, id string) ([]byte, error) {
	return c.format.MarshalFrame(wire.Frame{
		Op:   wire.OpUnadvertise,
		Name: topic,
		ID:   id,
	})
}

func (c *codec) EncodeSubscribe(topic, typeName, id string) ([]byte, error) {
	return c.format.MarshalFrame(wire.Frame{
		Op:   wire.OpSubscribe,
		Name: topic,
		Type: typeName,
		ID:   id,
	})
}

func (c *codec) EncodeUnsubscribe(topic, id string) ([]byte, error) {
	return c.format.MarshalFrame(wire.Frame{
		Op:   wire.OpUnsubscribe,
		Name: topic,
		ID:   id,
	})
}

func (c *codec) EncodePublication(topic, typeName, id string, message any) ([]byte, error) {
	body, err := c.encodeBody(typeName, message)
	if err != nil {
		return nil, err
	}
	return c.format.MarshalFrame(wire.Frame{
		Op:   wire.OpPublish,
		Name: topic,
		Type: typeName,
		ID:   id,
		Body: body,
	})
}

func (c *codec) EncodeAdvertiseService(service, requestType, replyType, id string) ([]byte, error) {
	return c.format.MarshalFrame(wire.Frame{
		Op:        wire.OpAdvertiseService,
		Name:      service,
		Type:      requestType,
		ReplyType: replyType,
		ID:        id,
	})
}

func (c *codec) EncodeUnadvertiseService(service, typeName string) ([]byte, error) {
	return c.format.MarshalFrame(wire.Frame{
		Op:   wire.OpUnadvertiseService,
		Name: service,
		Type: typeName,
	})
}

func (c *codec) EncodeCallService(service, requestType, id string, request any) ([]byte, error) {
	body, err := c.encodeBody(requestType, request)
	if err != nil {
		return nil, err
	}
	return c.format.MarshalFrame(wire.Frame{
		Op:   wire.OpCallService,
		Name: service,
		Type: requestType,
		ID:   id,
		Body: body,
	})
}

func (c *codec) EncodeServiceResponse(service, replyType, id string, response any) ([]byte, error) {
	body, err := c.encodeBody(replyType, response)
	if err != nil {
		return nil, err
	}
	return c.format.MarshalFrame(wire.Frame{
		Op:     wire.OpServiceResponse,
		Name:   service,
		Type:   replyType,
		ID:     id,
		Body:   body,
		Result: true,
	})
}

func (c *codec) Decode(ctx context.Context, payload []byte, router Router, conn transport.ConnID) error {
	frame, err := c.format.UnmarshalFrame(payload)
	if err != nil {
		return err
	}

	switch frame.Op {
	case wire.OpAdvertise:
		router.ReceiveTopicAdvertisement(ctx, conn, frame.Name, frame.Type, frame.ID)
	case wire.OpUnadvertise:
		router.ReceiveTopicUnadvertisement(ctx, conn, frame.Name, frame.ID)
	case wire.OpPublish:
		typeName, subscribed := router.SubscriptionType(conn, frame.Name)
		if !subscribed {
			return nil
		}
		if frame.Type != "" && frame.Type != typeName {
			return errors.Wrapf(ErrTypeMismatch, "publication on topic %q has type %q instead of %q",
				frame.Name, frame.Type, typeName)
		}
		msg, err := c.decodeBody(typeName, frame.Body)
		if err != nil {
			return errors.WithMessagef(err, "decoding publication on topic %q", frame.Name)
		}
		router.ReceivePublication(ctx, conn, frame.Name, msg)
	case wire.OpSubscribe:
		router.ReceiveSubscribeRequest(ctx, conn, frame.Name, frame.Type, frame.ID)
	case wire.OpUnsubscribe:
		router.ReceiveUnsubscribeRequest(ctx, conn, frame.Name, frame.ID)
	case wire.OpCallService:
		req, err := c.decodeBody(frame.Type, frame.Body)
		if err != nil {
			return errors.WithMessagef(err, "decoding request for service %q", frame.Name)
		}
		router.ReceiveServiceRequest(ctx, conn, frame.Name, req, frame.ID)
	case wire.OpAdvertiseService:
		router.ReceiveServiceAdvertisement(ctx, conn, frame.Name, frame.Type, frame.ReplyType)
	case wire.OpUnadvertiseService:
		router.ReceiveServiceUnadvertisement(ctx, conn, frame.Name, frame.Type)
	case wire.OpServiceResponse:
		resp, err := c.decodeBody(frame.Type, frame.Body)
		if err != nil {
			return errors.WithMessagef(err, "decoding response from service %q", frame.Name)
		}
		router.ReceiveServiceResponse(ctx, conn, frame.Name, resp, frame.ID)
	default:
		return errors.Wrapf(ErrUnknownOp, "op %q", frame.Op)
	}

	return nil
}

func (c *codec) encodeBody(typeName string, v any) (string, error) {
	if _, err := c.types.Get(typeName); err != nil {
		return "", err
	}
	body, err := c.format.MarshalBody(v)
	if err != nil {
		return "", errors.WithMessagef(err, "encoding message of type %q", typeName)
	}
	return string(body), nil
}

// decodeBody materializes body into a fresh value of the registered type.
func (c *codec) decodeBody(typeName string, body string) (any, error) {
	t, err := c.types.Get(typeName)
	if err != nil {
		return nil, err
	}

	v := reflect.New(t)
	if body != "" {
		if err := c.format.UnmarshalBody([]byte(body), v.Interface()); err != nil {
			return nil, errors.WithMessagef(err, "converting message to type %q", typeName)
		}
	}
	return v.Elem().Interface(), nil
}
