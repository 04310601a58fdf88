package wire

import (
	"reflect"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id0 uint64 = iota + 1
)

var _ proton.Marshaller = Marshaller{}

// NewMarshaller creates marshaller.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller marshals and unmarshals messages.
type Marshaller struct {
}

// Messages returns list of the message types supported by marshaller.
func (m Marshaller) Messages() []any {
	return []any {
		Frame{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *Frame:
		return id0, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *Frame:
		return size0(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Frame:
		return id0, marshal0(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id0:
		msg := &Frame{}
		return msg, unmarshal0(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *Frame:
		return id0, makePatch0(msg2, msgSrc.(*Frame), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Frame:
		return applyPatch0(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size0(m *Frame) uint64 {
	var n uint64 = 7
	{
		// Op

		{
			l := uint64(len(m.Op))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Type

		{
			l := uint64(len(m.Type))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// ReplyType

		{
			l := uint64(len(m.ReplyType))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// ID

		{
			l := uint64(len(m.ID))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Body

		{
			l := uint64(len(m.Body))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal0(m *Frame, b []byte) uint64 {
	var o uint64 = 1
	{
		// Op

		{
			l := uint64(len(m.Op))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Op)
			o += l
		}
	}
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Name)
			o += l
		}
	}
	{
		// Type

		{
			l := uint64(len(m.Type))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Type)
			o += l
		}
	}
	{
		// ReplyType

		{
			l := uint64(len(m.ReplyType))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.ReplyType)
			o += l
		}
	}
	{
		// ID

		{
			l := uint64(len(m.ID))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.ID)
			o += l
		}
	}
	{
		// Body

		{
			l := uint64(len(m.Body))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Body)
			o += l
		}
	}
	{
		// Result

		if m.Result {
			b[0] |= 0x01
		} else {
			b[0] &= 0xFE
		}
	}

	return o
}

func unmarshal0(m *Frame, b []byte) uint64 {
	var o uint64 = 1
	{
		// Op

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Op = Op(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Name

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Name = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Type

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Type = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// ReplyType

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.ReplyType = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// ID

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.ID = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Body

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Body = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Result

		m.Result = b[0]&0x01 != 0
	}

	return o
}

func makePatch0(m, mSrc *Frame, b []byte) uint64 {
	var o uint64 = 2
	{
		// Op

		if reflect.DeepEqual(m.Op, mSrc.Op) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			{
				l := uint64(len(m.Op))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Op)
				o += l
			}
		}
	}
	{
		// Name

		if reflect.DeepEqual(m.Name, mSrc.Name) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			{
				l := uint64(len(m.Name))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Name)
				o += l
			}
		}
	}
	{
		// Type

		if reflect.DeepEqual(m.Type, mSrc.Type) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			{
				l := uint64(len(m.Type))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Type)
				o += l
			}
		}
	}
	{
		// ReplyType

		if reflect.DeepEqual(m.ReplyType, mSrc.ReplyType) {
			b[0] &= 0xF7
		} else {
			b[0] |= 0x08
			{
				l := uint64(len(m.ReplyType))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.ReplyType)
				o += l
			}
		}
	}
	{
		// ID

		if reflect.DeepEqual(m.ID, mSrc.ID) {
			b[0] &= 0xEF
		} else {
			b[0] |= 0x10
			{
				l := uint64(len(m.ID))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.ID)
				o += l
			}
		}
	}
	{
		// Body

		if reflect.DeepEqual(m.Body, mSrc.Body) {
			b[0] &= 0xDF
		} else {
			b[0] |= 0x20
			{
				l := uint64(len(m.Body))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Body)
				o += l
			}
		}
	}
	{
		// Result

		if m.Result == mSrc.Result {
			b[1] &= 0xFE
		} else {
			b[1] |= 0x01
		}
	}

	return o
}

func applyPatch0(m *Frame, b []byte) uint64 {
	var o uint64 = 2
	{
		// Op

		if b[0]&0x01 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Op = Op(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Name

		if b[0]&0x02 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Name = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Type

		if b[0]&0x04 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Type = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// ReplyType

		if b[0]&0x08 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.ReplyType = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// ID

		if b[0]&0x10 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.ID = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Body

		if b[0]&0x20 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Body = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Result

		if b[1]&0x01 != 0 {
			m.Result = !m.Result
		}
	}

	return o
}
