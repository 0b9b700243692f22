//go:build !unix

package jobregistry

import (
	"os"
	"syscall"
)

func detachedAttr() *syscall.SysProcAttr {
	return nil
}

func signalGroup(pid int, sig syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if sig == syscall.SIGKILL {
		return p.Kill()
	}
	return p.Signal(os.Interrupt)
}

func processStart(int) uint64 {
	return 0
}

func processAlive(pid int, _ uint64) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
