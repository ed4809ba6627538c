//go:build unix

package adapter

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// startPTY starts cmd attached to a pseudo terminal and returns the PTY
// master, which doubles as the command's combined stdin/stdout.
func startPTY(cmd *exec.Cmd) (*os.File, error) {
	return pty.Start(cmd)
}
