package encoding

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/outofforest/wsbridge/wire"
)

// jsonFrame follows rosbridge naming: topics and services use separate keys
// and the body key depends on the message kind.
type jsonFrame struct {
	Op          wire.Op         `json:"op"`
	Topic       string          `json:"topic,omitempty"`
	Service     string          `json:"service,omitempty"`
	Type        string          `json:"type,omitempty"`
	RequestType string          `json:"request_type,omitempty"`
	ReplyType   string          `json:"reply_type,omitempty"`
	ID          string          `json:"id,omitempty"`
	Msg         json.RawMessage `json:"msg,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Values      json.RawMessage `json:"values,omitempty"`
	Result      *bool           `json:"result,omitempty"`
}

type jsonFormat struct{}

func (jsonFormat) MarshalFrame(frame wire.Frame) ([]byte, error) {
	jf := jsonFrame{
		Op: frame.Op,
		ID: frame.ID,
	}

	var body json.RawMessage
	if frame.Body != "" {
		body = json.RawMessage(frame.Body)
	}

	switch frame.Op {
	case wire.OpAdvertise, wire.OpUnadvertise, wire.OpSubscribe, wire.OpUnsubscribe:
		jf.Topic = frame.Name
		jf.Type = frame.Type
	case wire.OpPublish:
		jf.Topic = frame.Name
		jf.Type = frame.Type
		jf.Msg = body
	case wire.OpAdvertiseService:
		jf.Service = frame.Name
		jf.RequestType = frame.Type
		jf.ReplyType = frame.ReplyType
	case wire.OpUnadvertiseService:
		jf.Service = frame.Name
		jf.Type = frame.Type
	case wire.OpCallService:
		jf.Service = frame.Name
		jf.Type = frame.Type
		jf.Args = body
	case wire.OpServiceResponse:
		jf.Service = frame.Name
		jf.Type = frame.Type
		jf.Values = body
		result := frame.Result
		jf.Result = &result
	default:
		return nil, errors.Wrapf(ErrUnknownOp, "op %q", frame.Op)
	}

	payload, err := json.Marshal(jf)
	return payload, errors.WithStack(err)
}

func (jsonFormat) UnmarshalFrame(payload []byte) (wire.Frame, error) {
	var jf jsonFrame
	if err := json.Unmarshal(payload, &jf); err != nil {
		return wire.Frame{}, errors.WithStack(err)
	}

	frame := wire.Frame{
		Op:   jf.Op,
		Name: jf.Topic,
		Type: jf.Type,
		ID:   jf.ID,
	}
	if jf.Service != "" {
		frame.Name = jf.Service
	}
	if jf.RequestType != "" {
		frame.Type = jf.RequestType
	}
	frame.ReplyType = jf.ReplyType
	if jf.Result != nil {
		frame.Result = *jf.Result
	}

	switch {
	case len(jf.Msg) > 0:
		frame.Body = string(jf.Msg)
	case len(jf.Args) > 0:
		frame.Body = string(jf.Args)
	case len(jf.Values) > 0:
		frame.Body = string(jf.Values)
	}

	return frame, nil
}

func (jsonFormat) MarshalBody(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	return data, errors.WithStack(err)
}

func (jsonFormat) UnmarshalBody(data []byte, v any) error {
	return errors.WithStack(json.Unmarshal(data, v))
}
