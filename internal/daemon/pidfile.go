package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Pidfile is an exclusive, flock-held PID file. The lock is what
// keeps two daemons from fighting over the keyboard; the file content
// is for humans and scripts.
type Pidfile struct {
	path string
	file *os.File
}

// AcquirePidfile takes the PID file lock, or reports the daemon that
// holds it.
func AcquirePidfile(path string) (*Pidfile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create pidfile directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open pidfile: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := lockedPid(f)
		f.Close()
		if holder > 0 {
			return nil, fmt.Errorf("another keynormd is running (pid %d)", holder)
		}
		return nil, fmt.Errorf("lock pidfile %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate pidfile: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pidfile: %w", err)
	}
	f.Sync()

	return &Pidfile{path: path, file: f}, nil
}

// Release drops the lock and removes the file.
func (p *Pidfile) Release() {
	if p == nil || p.file == nil {
		return
	}
	unix.Flock(int(p.file.Fd()), unix.LOCK_UN)
	p.file.Close()
	os.Remove(p.path)
	p.file = nil
}

// Path returns the pidfile location.
func (p *Pidfile) Path() string {
	return p.path
}

// ReadPidfile returns the PID recorded at path.
func ReadPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pidfile %s: %w", path, err)
	}
	return pid, nil
}

// DaemonRunning reports whether the process recorded in the pidfile
// is alive.
func DaemonRunning(path string) (int, bool) {
	pid, err := ReadPidfile(path)
	if err != nil {
		return 0, false
	}
	return pid, processAlive(pid)
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Unix; signal 0 probes existence.
	return process.Signal(syscall.Signal(0)) == nil
}

func lockedPid(f *os.File) int {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	if n == 0 {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
