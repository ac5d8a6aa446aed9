package procstatus

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Process is a running process seen by Scan.
type Process struct {
	Pid  uint32
	Name string
}

// Scan lists running processes and their names. Processes that exit while
// the scan is in progress are skipped.
func Scan(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		//nolint:gosec // pids are non-negative and fit in uint32
		out = append(out, Process{Pid: uint32(p.Pid), Name: name})
	}

	return out, nil
}
