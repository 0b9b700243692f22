//go:build unix

package jobregistry

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// detachedAttr starts the supervisor in its own session so it outlives the
// caller and owns a process group we can signal as a whole.
func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// Group already gone; fall back to the leader alone.
		err = syscall.Kill(pid, sig)
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func pidExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	// signal 0 checks for existence without sending a signal.
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

var errNoProcfs = errors.New("procfs not available")

// procStat returns the state letter and start time (clock ticks since boot)
// from /proc/<pid>/stat.
func procStat(pid int) (byte, uint64, error) {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, serr := os.Stat("/proc/self/stat"); serr != nil {
				return 0, 0, errNoProcfs
			}
		}
		return 0, 0, err
	}
	// The command name is parenthesized and may contain spaces.
	s := string(b)
	end := strings.LastIndexByte(s, ')')
	if end < 0 || end+2 >= len(s) {
		return 0, 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[end+2:])
	// fields[0] is state (field 3); starttime is field 22.
	if len(fields) < 20 {
		return 0, 0, fmt.Errorf("short stat for pid %d", pid)
	}
	start, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse starttime: %w", err)
	}
	return fields[0][0], start, nil
}

// processStart returns the start time used to detect pid reuse, or 0 when
// the platform does not expose it.
func processStart(pid int) uint64 {
	_, start, err := procStat(pid)
	if err != nil {
		return 0
	}
	return start
}

// processAlive reports whether pid is a live, non-zombie process started at
// startTicks (when known).
func processAlive(pid int, startTicks uint64) bool {
	if !pidExists(pid) {
		return false
	}
	state, start, err := procStat(pid)
	if err != nil {
		// Without procfs the signal probe is all we have; a vanished
		// /proc entry means the process is gone.
		return errors.Is(err, errNoProcfs)
	}
	if state == 'Z' || state == 'X' {
		return false
	}
	if startTicks != 0 && start != startTicks {
		return false
	}
	return true
}
