//go:build windows

package adapter

import (
	"os"
	"os/exec"
)

var (
	sigTerm os.Signal = os.Kill
	sigKill os.Signal = os.Kill
)

// setProcAttrs is a no-op on Windows; there is no process-group SIGTERM
// equivalent, so cancellation falls straight to Process.Kill.
func setProcAttrs(cmd *exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, sig os.Signal) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
