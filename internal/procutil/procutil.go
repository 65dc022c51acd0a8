// Package procutil ties spawned helper processes (ffmpeg) to the lifetime of
// screenclip so a crash or force-quit does not leave them running.
package procutil

import (
	"log/slog"
	"os/exec"
	"sync/atomic"

	child_process_manager "github.com/AgustinSRG/go-child-process-manager"
)

var initialized atomic.Bool

// Init sets up the child process manager. Call once from main.
func Init() error {
	if err := child_process_manager.InitializeChildProcessManager(); err != nil {
		return err
	}
	initialized.Store(true)
	return nil
}

// Dispose kills all tracked children. Safe to call when Init was not called.
func Dispose() {
	if !initialized.Swap(false) {
		return
	}
	child_process_manager.DisposeChildProcessManager()
}

// Prepare configures cmd before Start so the OS can reap it with the parent.
func Prepare(cmd *exec.Cmd) {
	if err := child_process_manager.ConfigureCommand(cmd); err != nil {
		slog.Debug("Unable to configure child process", "cmd", cmd.Path, "error", err)
	}
}

// Track registers a started cmd with the manager.
func Track(cmd *exec.Cmd) {
	if cmd.Process == nil || !initialized.Load() {
		return
	}
	if err := child_process_manager.AddChildProcess(cmd.Process); err != nil {
		slog.Debug("Unable to register child process", "pid", cmd.Process.Pid, "error", err)
	}
}
