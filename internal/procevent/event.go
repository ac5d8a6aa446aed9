package procevent

import "encoding/binary"

// Event is a decoded proc_event. The set of implementations is closed:
// None, Fork, Exec and Unsupported.
type Event interface {
	Kind() What
	isEvent()
}

// None is the acknowledgement-style empty event.
type None struct{}

// Fork reports a new task.
type Fork struct {
	ParentPid  uint32
	ParentTgid uint32
	ChildPid   uint32
	ChildTgid  uint32
}

// Exec reports a task replacing its program image.
type Exec struct {
	Pid  uint32
	Tgid uint32
}

// Unsupported carries any discriminant this package does not decode.
type Unsupported struct {
	What What
}

func (None) Kind() What          { return WhatNone }
func (Fork) Kind() What          { return WhatFork }
func (Exec) Kind() What          { return WhatExec }
func (u Unsupported) Kind() What { return u.What }

func (None) isEvent()        {}
func (Fork) isEvent()        {}
func (Exec) isEvent()        {}
func (Unsupported) isEvent() {}

// Decode interprets r.Data according to r.What. It never fails: unknown
// discriminants yield Unsupported.
func Decode(r Record) Event {
	d := r.Data[:]

	switch r.What {
	case WhatNone:
		return None{}
	case WhatFork:
		return Fork{
			ParentPid:  binary.NativeEndian.Uint32(d[0:4]),
			ParentTgid: binary.NativeEndian.Uint32(d[4:8]),
			ChildPid:   binary.NativeEndian.Uint32(d[8:12]),
			ChildTgid:  binary.NativeEndian.Uint32(d[12:16]),
		}
	case WhatExec:
		return Exec{
			Pid:  binary.NativeEndian.Uint32(d[0:4]),
			Tgid: binary.NativeEndian.Uint32(d[4:8]),
		}
	default:
		return Unsupported{What: r.What}
	}
}
