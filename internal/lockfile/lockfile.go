//go:build !windows

// Package lockfile keeps two bot instances from sharing one data directory.
// The lock is an flock on a file in that directory, so the kernel drops it
// when the process exits however it exits.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// LockFileName is the name of the lock file created in the data directory
const LockFileName = "bot.lock"

// Lock is a held directory lock
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock on dir, creating dir if needed. It fails
// immediately with a *LockError when another process holds it.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, LockFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	for {
		err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		file.Close()
		return nil, &LockError{Path: path, Holder: describeHolder(path), Cause: err}
	}

	// only truncate once we own it, the previous content names the holder
	if err := file.Truncate(0); err == nil {
		_, err = file.WriteAt([]byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0)
	}
	if err != nil {
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		logrus.Warnf("Failed to sync lock file %s: %v", path, err)
	}

	logrus.Infof("Acquired data directory lock %s (pid %d)", path, os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Release drops the lock and removes the file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	// remove while still holding the lock so a waiting process never sees our pid
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("Failed to remove lock file %s: %v", l.path, err)
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		logrus.Warnf("Failed to release lock %s: %v", l.path, err)
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	logrus.Infof("Released data directory lock %s", l.path)
	return nil
}

// LockError reports that another process holds the lock
type LockError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another bot instance is using this data directory (lock file %s", e.Path)
	if e.Holder != "" {
		msg += ", held by " + e.Holder
	}
	return msg + ")"
}

func (e *LockError) Unwrap() error { return e.Cause }

func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return ""
	}
	if processRunning(pid) {
		return fmt.Sprintf("pid %d", pid)
	}
	return fmt.Sprintf("pid %d, not running", pid)
}

func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid="); ok {
			if pid, err := strconv.Atoi(v); err == nil {
				return pid
			}
		}
	}
	return 0
}

func processRunning(pid int) bool {
	// signal 0 only checks that the process exists
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
