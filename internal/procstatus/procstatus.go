package procstatus

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// DefaultRoot is where procfs is normally mounted.
const DefaultRoot = "/proc"

// nameLabel prefixes the first line of a status file.
const nameLabel = "Name:"

var (
	// ErrProcessGone means the process exited before it could be inspected.
	ErrProcessGone = errors.New("process no longer exists")
	// ErrMalformedStatus means the status file did not start with a Name line.
	ErrMalformedStatus = errors.New("malformed status file")
)

// Resolver reads process names from a procfs mount.
type Resolver struct {
	root string
}

// NewResolver creates a Resolver rooted at root, or DefaultRoot when empty.
func NewResolver(root string) *Resolver {
	if root == "" {
		root = DefaultRoot
	}
	return &Resolver{root: root}
}

// ProcessName returns the name of thread group tgid.
func (r *Resolver) ProcessName(tgid uint32) (string, error) {
	path := filepath.Join(r.root, strconv.FormatUint(uint64(tgid), 10), "status")

	f, err := os.Open(path)
	if err != nil {
		if isGone(err) {
			return "", fmt.Errorf("pid %d: %w", tgid, ErrProcessGone)
		}
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() {
		_ = f.Close() //nolint:errcheck // Read-only file, defer cleanup
	}()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		if isGone(err) {
			return "", fmt.Errorf("pid %d: %w", tgid, ErrProcessGone)
		}
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	name, ok := ParseName(line)
	if !ok {
		return "", fmt.Errorf("%s: %w", path, ErrMalformedStatus)
	}
	return name, nil
}

// ParseName extracts the process name from the first line of a status file.
// It strips the "Name:" label and its tab separator, then trailing whitespace
// and the newline. Leading spaces belong to the name.
func ParseName(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, nameLabel)
	if !ok {
		return "", false
	}
	rest = strings.TrimPrefix(rest, "\t")
	return strings.TrimRight(rest, " \t\r\n"), true
}

// isGone reports whether err means the /proc entry disappeared.
// A process that exits mid-read yields ESRCH rather than ENOENT.
func isGone(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ESRCH)
}
