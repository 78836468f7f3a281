// Package daemon tracks the running proxy through a PID file.
package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var (
	// ErrNotRunning is returned when no live process is recorded.
	ErrNotRunning = errors.New("ccproxy is not running")
	// ErrAlreadyRunning is returned by Acquire when a live process holds
	// the PID file.
	ErrAlreadyRunning = errors.New("ccproxy is already running")
)

// PIDFile is a file holding the decimal process id of the daemon.
type PIDFile struct {
	Path string
	// alive reports whether pid names a live process. Tests replace it.
	alive func(pid int) bool
}

// NewPIDFile returns a PIDFile at path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path, alive: processAlive}
}

// Write records pid, creating the parent directory when needed.
func (p *PIDFile) Write(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Read returns the recorded pid. A missing file yields ErrNotRunning.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrNotRunning
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s: invalid content %q", p.Path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Remove deletes the file. A missing file is not an error.
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// Running returns the recorded pid when that process is alive. A stale or
// unreadable file reports ErrNotRunning.
func (p *PIDFile) Running() (int, error) {
	pid, err := p.Read()
	if err != nil {
		return 0, ErrNotRunning
	}
	if !p.alive(pid) {
		return 0, ErrNotRunning
	}
	return pid, nil
}

// Acquire records the current process unless another live process already
// holds the file. A stale file is overwritten.
func (p *PIDFile) Acquire() error {
	if pid, err := p.Running(); err == nil && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	return p.Write(os.Getpid())
}

// Signal sends sig to the recorded live process.
func (p *PIDFile) Signal(sig syscall.Signal) (int, error) {
	pid, err := p.Running()
	if err != nil {
		return 0, err
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return pid, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return pid, nil
}

// processAlive probes pid with signal 0. EPERM means the process exists but
// belongs to another user.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
