package connector

import (
	"encoding/binary"

	"github.com/mrzor/proc-enroller/internal/nlcodec"
)

// BuildSubscription builds the control message that joins (enable) or leaves
// the process events multicast feed. pid is the sender port, which for this
// feed is the caller's own process id.
func BuildSubscription(enable bool, pid uint32) (nlcodec.Header, []byte) {
	op := OpIgnore
	if enable {
		op = OpListen
	}

	cn := Header{
		ID:  CbID{Idx: IdxProc, Val: ValProc},
		Len: OpSize,
	}

	payload := make([]byte, 0, HeaderSize+OpSize)
	payload = cn.AppendBinary(payload)
	payload = binary.NativeEndian.AppendUint32(payload, uint32(op))

	header := nlcodec.Header{
		Len:  uint32(nlcodec.HeaderSize + len(payload)), //nolint:gosec // Fixed 40-byte message
		Type: nlcodec.TypeDone,
		Pid:  pid,
	}

	return header, payload
}

// EncodeSubscription is BuildSubscription followed by nlcodec.Encode.
func EncodeSubscription(enable bool, pid uint32) ([]byte, error) {
	header, payload := BuildSubscription(enable, pid)
	return nlcodec.Encode(header, payload)
}

// ParseOp reads a subscription operation from connector data.
func ParseOp(data []byte) (Op, bool) {
	if len(data) < OpSize {
		return 0, false
	}
	return Op(binary.NativeEndian.Uint32(data[:OpSize])), true
}
