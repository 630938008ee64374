//go:build !windows

package bridge

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// configureProcess puts the child in its own process group so cancellation
// reaches any grandchildren. Cancel sends SIGTERM to the group and arms a
// SIGKILL after killTimeout. The returned func disarms it.
func configureProcess(cmd *exec.Cmd, killTimeout time.Duration) func() {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		err := syscall.Kill(pgid, syscall.SIGTERM)

		mu.Lock()
		if timer == nil {
			timer = time.AfterFunc(killTimeout, func() {
				_ = syscall.Kill(pgid, syscall.SIGKILL)
			})
		}
		mu.Unlock()

		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}

	return func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
	}
}
