package timesync

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

// Converter turns nanoseconds-since-boot into wall-clock time.
type Converter struct {
	bootTime time.Time
}

// NewConverter reads the host boot time. When it cannot be read the
// converter falls back to an estimate one hour in the past and returns the
// lookup error alongside it, so callers may log and carry on.
func NewConverter(ctx context.Context) (*Converter, error) {
	secs, err := host.BootTimeWithContext(ctx)
	if err != nil {
		return NewConverterAt(time.Now().Add(-time.Hour)), fmt.Errorf("reading boot time: %w", err)
	}
	//nolint:gosec // Boot time in seconds fits in int64
	return NewConverterAt(time.Unix(int64(secs), 0)), nil
}

// NewConverterAt creates a converter with a fixed boot time.
func NewConverterAt(bootTime time.Time) *Converter {
	return &Converter{bootTime: bootTime}
}

// WallClock converts a kernel timestamp to wall-clock time.
func (c *Converter) WallClock(sinceBootNanos uint64) time.Time {
	//nolint:gosec // uint64 to int64 conversion for time.Duration is safe for reasonable timestamps
	return c.bootTime.Add(time.Duration(sinceBootNanos))
}

// BootTime returns the boot time used for conversions.
func (c *Converter) BootTime() time.Time {
	return c.bootTime
}
