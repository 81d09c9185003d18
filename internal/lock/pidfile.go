// Package lock keeps a single agent instance per PID file.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked means another live process holds the PID file.
var ErrLocked = errors.New("another outpost agent is running")

// PIDFile is an flock(2)-held PID file. The lock lives as long as the
// descriptor stays open.
type PIDFile struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive non-blocking lock on path and records the
// current PID. A held lock yields an error wrapping ErrLocked that names
// the holder when its PID can be read.
func Acquire(path string) (*PIDFile, error) {
	if path == "" {
		return nil, errors.New("pid file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create pid directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pid file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, rerr := ReadPID(path); rerr == nil {
				return nil, fmt.Errorf("%w (pid %d, %s)", ErrLocked, pid, path)
			}
			return nil, fmt.Errorf("%w (%s)", ErrLocked, path)
		}
		return nil, fmt.Errorf("lock pid file: %w", err)
	}

	p := &PIDFile{path: path, f: f}
	if err := p.writePID(); err != nil {
		_ = p.Release()
		return nil, err
	}
	return p, nil
}

func (p *PIDFile) writePID() error {
	if err := p.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate pid file: %w", err)
	}
	if _, err := p.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := p.f.Sync(); err != nil {
		return fmt.Errorf("sync pid file: %w", err)
	}
	return nil
}

// ReadPID returns the PID recorded in path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}

func (p *PIDFile) Path() string { return p.path }

// Release unlocks and removes the PID file. Safe to call more than once.
func (p *PIDFile) Release() error {
	if p == nil || p.f == nil {
		return nil
	}
	_ = os.Remove(p.path)
	_ = syscall.Flock(int(p.f.Fd()), syscall.LOCK_UN)
	err := p.f.Close()
	p.f = nil
	return err
}
