//go:build windows

package bridge

import (
	"os/exec"
	"time"
)

// configureProcess keeps the default Cancel, which kills the child outright.
func configureProcess(cmd *exec.Cmd, _ time.Duration) func() {
	return func() {}
}
