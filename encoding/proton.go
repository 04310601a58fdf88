package encoding

import (
	"github.com/pkg/errors"

	"github.com/outofforest/wsbridge/wire"
)

// protonFormat marshals frames with the generated proton marshaller.
// Bodies of host messages have no generated schema, so they travel as CBOR.
type protonFormat struct {
	cborFormat

	m       wire.Marshaller
	frameID uint64
}

func newProtonFormat() protonFormat {
	m := wire.NewMarshaller()
	frameID, err := m.ID(&wire.Frame{})
	if err != nil {
		panic(err)
	}
	return protonFormat{
		m:       m,
		frameID: frameID,
	}
}

func (f protonFormat) MarshalFrame(frame wire.Frame) ([]byte, error) {
	size, err := f.m.Size(&frame)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	_, n, err := f.m.Marshal(&frame, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (f protonFormat) UnmarshalFrame(payload []byte) (wire.Frame, error) {
	if len(payload) == 0 {
		return wire.Frame{}, errors.New("empty payload")
	}
	msg, _, err := f.m.Unmarshal(f.frameID, payload)
	if err != nil {
		return wire.Frame{}, err
	}
	frame, ok := msg.(*wire.Frame)
	if !ok {
		return wire.Frame{}, errors.Errorf("unexpected message %T", msg)
	}
	return *frame, nil
}
