// Package cgroup enrolls processes into cgroups by appending their pid to the
// group's membership file.
package cgroup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Defaults for a cgroup v2 unified hierarchy.
const (
	DefaultRoot = "/sys/fs/cgroup"
	DefaultFile = "cgroup.procs"
)

// ErrInvalidGroup is returned for group names that would escape the root.
var ErrInvalidGroup = errors.New("invalid group name")

// Sink appends pids to <root>/<group>/<file>.
type Sink struct {
	root string
	file string
}

// NewSink creates a Sink. Empty arguments fall back to the v2 defaults;
// pass file "tasks" for a v1 hierarchy.
func NewSink(root, file string) *Sink {
	if root == "" {
		root = DefaultRoot
	}
	if file == "" {
		file = DefaultFile
	}
	return &Sink{root: root, file: file}
}

// Path returns the membership file for group.
func (s *Sink) Path(group string) (string, error) {
	if group == "" || strings.Contains(group, "..") || filepath.IsAbs(group) {
		return "", fmt.Errorf("%w: %q", ErrInvalidGroup, group)
	}
	return filepath.Join(s.root, group, s.file), nil
}

// Enroll moves pid into group. The write is a single "<pid>\n" append.
func (s *Sink) Enroll(ctx context.Context, group string, pid uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.Path(group)
	if err != nil {
		return err
	}

	//nolint:gosec // Path is built from configured root and validated group name
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}

	line := strconv.FormatUint(uint64(pid), 10) + "\n"
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close() //nolint:errcheck // Best-effort cleanup in error path
		return fmt.Errorf("adding pid %d to %s: %w", pid, group, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}
