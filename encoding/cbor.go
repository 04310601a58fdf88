package encoding

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/outofforest/wsbridge/wire"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	// Deterministic encoding keeps identical messages byte-identical on the wire.
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("encoding: CBOR encoder initialization failed: " + err.Error())
	}

	// Bodies decoded into any must be usable as JSON-like documents.
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("encoding: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborFrame struct {
	Op        wire.Op         `cbor:"op"`
	Name      string          `cbor:"name,omitempty"`
	Type      string          `cbor:"type,omitempty"`
	ReplyType string          `cbor:"reply_type,omitempty"`
	ID        string          `cbor:"id,omitempty"`
	Body      cbor.RawMessage `cbor:"body,omitempty"`
	Result    bool            `cbor:"result,omitempty"`
}

type cborFormat struct{}

func (cborFormat) MarshalFrame(frame wire.Frame) ([]byte, error) {
	payload, err := cborEnc.Marshal(cborFrame{
		Op:        frame.Op,
		Name:      frame.Name,
		Type:      frame.Type,
		ReplyType: frame.ReplyType,
		ID:        frame.ID,
		Body:      cbor.RawMessage(frame.Body),
		Result:    frame.Result,
	})
	return payload, errors.WithStack(err)
}

func (cborFormat) UnmarshalFrame(payload []byte) (wire.Frame, error) {
	var cf cborFrame
	if err := cborDec.Unmarshal(payload, &cf); err != nil {
		return wire.Frame{}, errors.WithStack(err)
	}
	return wire.Frame{
		Op:        cf.Op,
		Name:      cf.Name,
		Type:      cf.Type,
		ReplyType: cf.ReplyType,
		ID:        cf.ID,
		Body:      string(cf.Body),
		Result:    cf.Result,
	}, nil
}

func (cborFormat) MarshalBody(v any) ([]byte, error) {
	data, err := cborEnc.Marshal(v)
	return data, errors.WithStack(err)
}

func (cborFormat) UnmarshalBody(data []byte, v any) error {
	return errors.WithStack(cborDec.Unmarshal(data, v))
}
