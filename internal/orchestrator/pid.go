package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrNotRunning is returned when the liveness token is missing or stale.
var ErrNotRunning = errors.New("orchestrator: not running")

// WritePID writes the current process id to path. It refuses to overwrite a
// token whose process is still alive.
func WritePID(path string) error {
	if pid, err := ReadPID(path); err == nil && alive(pid) {
		return fmt.Errorf("orchestrator: pid %d holds %s: %w", pid, path, ErrAlreadyRunning)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("orchestrator: write pid file: %w", err)
	}
	return nil
}

// ReadPID returns the process id stored at path.
func ReadPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrNotRunning
	}
	if err != nil {
		return 0, fmt.Errorf("orchestrator: read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("orchestrator: malformed pid file %s", path)
	}
	return pid, nil
}

// RemovePID deletes the token if it still names this process.
func RemovePID(path string) error {
	pid, err := ReadPID(path)
	if err != nil {
		if errors.Is(err, ErrNotRunning) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("orchestrator: remove pid file: %w", err)
	}
	return nil
}

// RequestStop asks the process named by the token to shut down gracefully.
func RequestStop(path string) (int, error) {
	pid, err := ReadPID(path)
	if err != nil {
		return 0, err
	}
	if !alive(pid) {
		return pid, fmt.Errorf("orchestrator: pid %d: %w", pid, ErrNotRunning)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("orchestrator: find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("orchestrator: signal %d: %w", pid, err)
	}
	return pid, nil
}

func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
