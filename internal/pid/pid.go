package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"golang.org/x/sys/unix"
)

const (
	pidFile = "gpuctld.pid"
)

// File is a single-instance guard backed by a PID file.
type File struct {
	path string
}

// New returns a guard for dir/gpuctld.pid. An empty dir uses os.TempDir().
func New(dir string) *File {
	if dir == "" {
		dir = os.TempDir()
	}
	return &File{path: filepath.Join(dir, pidFile)}
}

func (f *File) Path() string {
	return f.path
}

// Write writes the current process ID to the PID file. It fails with
// ErrAlreadyRunning while the process recorded in an existing file is
// alive. Stale or unreadable files are replaced.
func (f *File) Write() error {
	errFactory := errors.New()

	if bytes, err := os.ReadFile(f.path); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(bytes)))
		if err == nil && pid > 0 && alive(pid) {
			return errFactory.New(errors.ErrAlreadyRunning).WithData(pid)
		}
	}

	if err := os.WriteFile(f.path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err).WithOperation("write pid file")
	}

	return nil
}

// Remove removes the PID file.
func (f *File) Remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err).WithOperation("remove pid file")
	}
	return nil
}

// alive probes pid with signal 0. EPERM means the process exists but
// belongs to another user.
func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
