//go:build windows

package procguard

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// platformTerminate signals pid to exit. Windows has no SIGTERM
// equivalent delivered to an arbitrary process, so the "graceful" signal
// is CTRL_BREAK_EVENT to the process's console group (which well-behaved
// dev-server processes, e.g. Node/Python launched via CREATE_NEW_PROCESS_GROUP,
// handle as a shutdown request) and the "forceful" signal is
// TerminateProcess, matching the escalation the teacher's
// TerminateTreeConfig distinguished as grace vs kill.
func platformTerminate(pid int32, force bool) error {
	if !force {
		return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(pid))
	}

	const desiredAccess = windows.PROCESS_TERMINATE
	h, err := windows.OpenProcess(desiredAccess, false, uint32(pid))
	if err != nil {
		return fmt.Errorf("OpenProcess: %w", err)
	}
	defer windows.CloseHandle(h)

	return windows.TerminateProcess(h, 1)
}
