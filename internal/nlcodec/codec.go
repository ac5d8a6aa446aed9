package nlcodec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of a netlink message header on the wire.
const HeaderSize = 16

// Message types used by the proc connector.
const (
	TypeNoop  uint16 = 0x1
	TypeError uint16 = 0x2
	TypeDone  uint16 = 0x3
)

var (
	// ErrInvalidInput is returned by Encode when the header length disagrees with the payload.
	ErrInvalidInput = errors.New("payload size does not match header")
	// ErrInvalidLength is returned by Decode when a header declares a length smaller than itself.
	ErrInvalidLength = errors.New("declared message length shorter than header")
)

// Header mirrors struct nlmsghdr.
type Header struct {
	Len   uint32 // total length, header included
	Type  uint16
	Flags uint16
	Seq   uint32
	Pid   uint32 // sender port id
}

// PayloadLen returns the number of payload bytes the header declares.
// It is negative for a malformed header.
func (h Header) PayloadLen() int {
	return int(h.Len) - HeaderSize
}

// AppendBinary appends the wire form of h to b.
func (h Header) AppendBinary(b []byte) []byte {
	b = binary.NativeEndian.AppendUint32(b, h.Len)
	b = binary.NativeEndian.AppendUint16(b, h.Type)
	b = binary.NativeEndian.AppendUint16(b, h.Flags)
	b = binary.NativeEndian.AppendUint32(b, h.Seq)
	b = binary.NativeEndian.AppendUint32(b, h.Pid)
	return b
}

// UnmarshalHeader reads a header from the first HeaderSize bytes of b.
func UnmarshalHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("netlink header needs %d bytes, got %d", HeaderSize, len(b))
	}
	return Header{
		Len:   binary.NativeEndian.Uint32(b[0:4]),
		Type:  binary.NativeEndian.Uint16(b[4:6]),
		Flags: binary.NativeEndian.Uint16(b[6:8]),
		Seq:   binary.NativeEndian.Uint32(b[8:12]),
		Pid:   binary.NativeEndian.Uint32(b[12:16]),
	}, nil
}

// Message is one framed netlink message.
type Message struct {
	Header  Header
	Payload []byte
}

// Decode splits the next complete message off the front of buf.
//
// It returns ok=false and leaves buf untouched when buf does not yet hold a
// complete message. A header declaring a length below HeaderSize cannot be
// framed at all; Decode reports ErrInvalidLength and also leaves buf untouched
// so the caller can decide what to discard.
func Decode(buf *bytes.Buffer) (Message, bool, error) {
	src := buf.Bytes()
	if len(src) < HeaderSize {
		return Message{}, false, nil
	}

	msgLen := int(binary.NativeEndian.Uint32(src[0:4]))
	if msgLen < HeaderSize {
		return Message{}, false, fmt.Errorf("%w: %d", ErrInvalidLength, msgLen)
	}
	if len(src) < msgLen {
		return Message{}, false, nil
	}

	raw := buf.Next(msgLen)
	header, err := UnmarshalHeader(raw)
	if err != nil {
		return Message{}, false, err
	}

	// buf reuses its backing array on the next write, so hand out a copy
	payload := make([]byte, msgLen-HeaderSize)
	copy(payload, raw[HeaderSize:])

	return Message{Header: header, Payload: payload}, true, nil
}

// Encode writes header followed immediately by payload.
func Encode(header Header, payload []byte) ([]byte, error) {
	if header.PayloadLen() != len(payload) {
		return nil, fmt.Errorf("%w: header declares %d, got %d", ErrInvalidInput, header.PayloadLen(), len(payload))
	}

	dst := make([]byte, 0, header.Len)
	dst = header.AppendBinary(dst)
	dst = append(dst, payload...)
	return dst, nil
}
