// Package procevent decodes struct proc_event records published by the
// kernel process connector.
package procevent

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// RecordSize is the fixed size of a proc_event record on the wire.
const RecordSize = 40

// DataSize is the size of the event_data union trailing the record header.
const DataSize = 24

// ErrShortRecord is returned when fewer than RecordSize bytes are available.
var ErrShortRecord = errors.New("proc_event record too short")

// What is the proc_event discriminant. Values are single bits so they can
// also be combined into event masks.
type What uint32

// Event kinds from linux/cn_proc.h.
const (
	WhatNone     What = 0x00000000
	WhatFork     What = 0x00000001
	WhatExec     What = 0x00000002
	WhatUID      What = 0x00000004
	WhatGID      What = 0x00000040
	WhatSID      What = 0x00000080
	WhatPtrace   What = 0x00000100
	WhatComm     What = 0x00000200
	WhatCoredump What = 0x40000000
	WhatExit     What = 0x80000000
)

var whatNames = map[What]string{
	WhatNone:     "none",
	WhatFork:     "fork",
	WhatExec:     "exec",
	WhatUID:      "uid",
	WhatGID:      "gid",
	WhatSID:      "sid",
	WhatPtrace:   "ptrace",
	WhatComm:     "comm",
	WhatCoredump: "coredump",
	WhatExit:     "exit",
}

func (w What) String() string {
	if name, ok := whatNames[w]; ok {
		return name
	}
	return fmt.Sprintf("what(%#x)", uint32(w))
}

// Record is a raw proc_event. Data is interpreted according to What.
type Record struct {
	What      What
	CPU       uint32
	Timestamp uint64 // nanoseconds since boot
	Data      [DataSize]byte
}

// ParseRecord reads a record from the first RecordSize bytes of b.
func ParseRecord(b []byte) (Record, error) {
	if len(b) < RecordSize {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrShortRecord, len(b))
	}

	r := Record{
		What:      What(binary.NativeEndian.Uint32(b[0:4])),
		CPU:       binary.NativeEndian.Uint32(b[4:8]),
		Timestamp: binary.NativeEndian.Uint64(b[8:16]),
	}
	copy(r.Data[:], b[16:RecordSize])
	return r, nil
}

// AppendBinary appends the wire form of r to b.
func (r Record) AppendBinary(b []byte) []byte {
	b = binary.NativeEndian.AppendUint32(b, uint32(r.What))
	b = binary.NativeEndian.AppendUint32(b, r.CPU)
	b = binary.NativeEndian.AppendUint64(b, r.Timestamp)
	return append(b, r.Data[:]...)
}
