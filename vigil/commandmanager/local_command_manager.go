package commandmanager

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalCommandManager executes commands on the local machine.
type LocalCommandManager struct {
	Credentials
}

// Run spawns the configured program and waits for it to finish. Non-zero
// exits are reported through the result, not as errors.
func (l *LocalCommandManager) Run(ctx context.Context, config CommandConfig) (CommandResult, error) {
	start := time.Now()
	invocation := uuid.NewString()[:8]
	slog.Debug("Executing local command",
		"invocation", invocation,
		"command", config.Command,
		"args", config.Args,
		"sudo", config.Sudo)

	name := config.Command
	args := config.Args
	stdin := config.Stdin
	if config.Sudo {
		args = append([]string{"-S", name}, args...)
		name = "sudo"
		stdin = l.SudoPassword + "\n" + config.Stdin
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	if len(config.Env) > 0 {
		cmd.Env = append(os.Environ(), config.Env...)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := CommandResult{
		Command:   config.Command,
		STDOUT:    stdout.String(),
		STDERR:    stderr.String(),
		ExitCode:  localExitCode(cmd, err),
		Duration:  time.Since(start),
		Timestamp: start,
	}

	if err != nil && ctx.Err() != nil {
		slog.Debug("Local command canceled", "invocation", invocation, "error", ctx.Err())
		return result, ctx.Err()
	}

	slog.Debug("Local command finished",
		"invocation", invocation,
		"exitCode", result.ExitCode,
		"duration", result.Duration)

	if _, exited := err.(*exec.ExitError); exited {
		return result, nil
	}
	return result, err
}

func localExitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}
