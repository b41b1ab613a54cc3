//go:build unix

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// DetachedEnv is set in the environment of a detached child.
const DetachedEnv = "ABACUS_DETACHED"

// Detach re-executes the current binary in a new session with args (minus
// --detach). Output is appended to logPath, or discarded when it is empty.
// It returns the child's pid without waiting for it.
func Detach(args []string, logPath string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}

	filtered := make([]string, 0, len(args))
	for _, arg := range args {
		if arg != "--detach" && arg != "--detach=true" {
			filtered = append(filtered, arg)
		}
	}

	var out *os.File
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return 0, fmt.Errorf("failed to create log directory: %w", err)
		}
		out, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	} else {
		out, err = os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open daemon output: %w", err)
	}
	defer out.Close()

	cmd := exec.Command(executable, filtered...)
	cmd.Stdin = nil
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), DetachedEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon process: %w", err)
	}

	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("failed to release daemon process: %w", err)
	}
	return pid, nil
}
