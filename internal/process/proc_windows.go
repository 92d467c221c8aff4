//go:build windows

package process

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// Windows has no SIGTERM for console children we do not share a console
// group with, so the graceful step is a tree kill as well.
func signalGroup(pid int) error {
	return taskkill(pid)
}

func killGroup(pid int) error {
	return taskkill(pid)
}

func signalPID(pid int) error {
	return taskkill(pid)
}

func killPID(pid int) error {
	return taskkill(pid)
}

func taskkill(pid int) error {
	cmd := exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F")
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	if err := cmd.Run(); err != nil && pidAlive(pid) {
		return err
	}
	return nil
}

// Windows children get a new process group but it cannot be queried by PID,
// so a live PID is trusted.
func inGroup(pid, _ int) bool {
	return pidAlive(pid)
}

func pidAlive(pid int) bool {
	const processQueryLimitedInformation = 0x1000
	const stillActive = 259

	h, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	defer syscall.CloseHandle(h) //nolint:errcheck // handle cleanup

	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

func exitStatusOf(ps *os.ProcessState) ExitStatus {
	if ps == nil {
		return ExitStatus{Code: -1}
	}
	return ExitStatus{Code: ps.ExitCode()}
}
