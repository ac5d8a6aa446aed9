// Package timesync converts process connector timestamps to wall-clock time.
//
// proc_event records carry ktime_get_ns() values: nanoseconds since boot.
// Converter anchors them to the boot time reported by the host so log lines
// and spans can carry a real timestamp for the exec they describe.
package timesync
