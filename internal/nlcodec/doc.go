// Package nlcodec frames a netlink byte stream into discrete messages.
//
// Every netlink message starts with a fixed 16-byte header (nlmsghdr) whose
// first field is the total message length, header included. Decode splits
// complete messages off the front of a buffer and leaves partial ones in
// place, so the same buffer can be refilled and decoded again.
//
// Fields are read and written one at a time in native byte order. Nothing
// here relies on Go struct layout matching the kernel ABI.
package nlcodec
