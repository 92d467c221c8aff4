//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in a new process group so signals sent to the
// negative PID reach all of its descendants.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(pid int) error {
	return ignoreESRCH(syscall.Kill(-pid, syscall.SIGTERM))
}

func killGroup(pid int) error {
	return ignoreESRCH(syscall.Kill(-pid, syscall.SIGKILL))
}

func signalPID(pid int) error {
	return ignoreESRCH(syscall.Kill(pid, syscall.SIGTERM))
}

func killPID(pid int) error {
	return ignoreESRCH(syscall.Kill(pid, syscall.SIGKILL))
}

func pidAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func inGroup(pid, pgid int) bool {
	got, err := syscall.Getpgid(pid)
	return err == nil && got == pgid
}

// ignoreESRCH treats "no such process" as success: the target already exited.
func ignoreESRCH(err error) error {
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func exitStatusOf(ps *os.ProcessState) ExitStatus {
	if ps == nil {
		return ExitStatus{Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: int(ws.Signal())}
	}
	return ExitStatus{Code: ps.ExitCode()}
}
