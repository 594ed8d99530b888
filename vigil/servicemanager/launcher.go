package servicemanager

import (
	"context"
	"os/exec"
	"strings"

	cm "github.com/vigilops/vigil/vigil/commandmanager"
)

// The vigil worker runtime hosts the monitored executable. Every adapter
// composes the same invocation: <launcher> <executable> --service.
const (
	launcherName    = "vigil-worker"
	serviceModeFlag = "--service"

	unixLauncherFallback    = "/usr/local/bin/vigil-worker"
	windowsLauncherFallback = `C:\Program Files\Vigil\vigil-worker.exe`
)

// unixLauncherPath locates the worker runtime through the command manager so
// resolution also works on remote hosts. When the runtime is not on the
// search path the conventional install location is assumed.
func unixLauncherPath(ctx context.Context, manager cm.CommandManager) string {
	result, err := manager.Run(ctx, cm.CommandConfig{Command: "which", Args: []string{launcherName}})
	if err != nil || !result.Succeeded() {
		return unixLauncherFallback
	}
	path := strings.TrimSpace(result.STDOUT)
	if path == "" {
		return unixLauncherFallback
	}
	return path
}

// windowsLauncherPath resolves the worker runtime from PATH, falling back to
// the default installation directory.
func windowsLauncherPath() string {
	if path, err := exec.LookPath(launcherName + ".exe"); err == nil {
		return path
	}
	return windowsLauncherFallback
}
