//go:build windows

package adapter

import (
	"os"
	"os/exec"

	"github.com/forgebase/taskcore/internal/apperr"
)

// startPTY has no Windows implementation; vendors configured under
// agent.ttyVendors are unsupported on this platform.
func startPTY(cmd *exec.Cmd) (*os.File, error) {
	return nil, apperr.AdapterFailure("agent adapter: pty spawn unsupported on windows", nil)
}
