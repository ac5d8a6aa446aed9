// Package connector implements the kernel connector (cn_msg) layer that wraps
// every process connector payload inside a netlink message.
package connector

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Subsystem identifiers selecting the process events feed (linux/connector.h).
const (
	IdxProc uint32 = 0x1
	ValProc uint32 = 0x1
)

// HeaderSize is the size of struct cn_msg without its trailing data:
// idx, val, seq, ack (u32 each) then len, flags (u16 each).
const HeaderSize = 20

// OpSize is the size of a subscription operation on the wire.
const OpSize = 4

// Op is enum proc_cn_mcast_op.
type Op uint32

// Subscription operations.
const (
	OpListen Op = 1
	OpIgnore Op = 2
)

func (o Op) String() string {
	switch o {
	case OpListen:
		return "listen"
	case OpIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("op(%d)", uint32(o))
	}
}

var (
	// ErrShortMessage is returned when a payload cannot hold a connector header.
	ErrShortMessage = errors.New("connector message too short")
	// ErrLengthMismatch is returned when the header declares more data than is present.
	ErrLengthMismatch = errors.New("connector length exceeds payload")
)

// CbID is struct cb_id.
type CbID struct {
	Idx uint32
	Val uint32
}

// Header is struct cn_msg minus the flexible data member.
type Header struct {
	ID    CbID
	Seq   uint32
	Ack   uint32
	Len   uint16 // length of the data following the header
	Flags uint16
}

// IsProc reports whether the header addresses the process events feed.
func (h Header) IsProc() bool {
	return h.ID.Idx == IdxProc && h.ID.Val == ValProc
}

// AppendBinary appends the wire form of h to b.
func (h Header) AppendBinary(b []byte) []byte {
	b = binary.NativeEndian.AppendUint32(b, h.ID.Idx)
	b = binary.NativeEndian.AppendUint32(b, h.ID.Val)
	b = binary.NativeEndian.AppendUint32(b, h.Seq)
	b = binary.NativeEndian.AppendUint32(b, h.Ack)
	b = binary.NativeEndian.AppendUint16(b, h.Len)
	b = binary.NativeEndian.AppendUint16(b, h.Flags)
	return b
}

// Parse splits a netlink payload into its connector header and data.
// The returned data is exactly Len bytes; anything the kernel appended after it is ignored.
func Parse(payload []byte) (Header, []byte, error) {
	if len(payload) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(payload))
	}

	h := Header{
		ID: CbID{
			Idx: binary.NativeEndian.Uint32(payload[0:4]),
			Val: binary.NativeEndian.Uint32(payload[4:8]),
		},
		Seq:   binary.NativeEndian.Uint32(payload[8:12]),
		Ack:   binary.NativeEndian.Uint32(payload[12:16]),
		Len:   binary.NativeEndian.Uint16(payload[16:18]),
		Flags: binary.NativeEndian.Uint16(payload[18:20]),
	}

	data := payload[HeaderSize:]
	if int(h.Len) > len(data) {
		return Header{}, nil, fmt.Errorf("%w: declares %d, have %d", ErrLengthMismatch, h.Len, len(data))
	}

	return h, data[:h.Len], nil
}
