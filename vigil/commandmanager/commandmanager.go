// Package commandmanager executes external programs on behalf of the vigil
// managers and captures everything needed to diagnose them afterwards.
//
// Two implementations are provided: LocalCommandManager spawns processes on
// the machine vigil runs on, and SSHCommandManager drives a remote Unix host
// over SSH. Both honor context cancellation while waiting on the spawned
// program.
package commandmanager

import (
	"context"
	"strings"
	"time"
)

// CommandConfig describes a single external program invocation.
type CommandConfig struct {
	Command string
	Args    []string
	Sudo    bool     // run under sudo -S, feeding the sudo password on stdin
	Stdin   string   // content piped to the program's standard input
	Env     []string // extra KEY=VALUE pairs for the program environment
}

// CommandResult encapsulates the outcome of a command execution.
type CommandResult struct {
	Command   string
	STDOUT    string
	STDERR    string
	ExitCode  int
	Duration  time.Duration
	Timestamp time.Time
}

// Succeeded reports whether the program exited with status zero. Success is
// classified by exit code alone; output text is never scanned for it.
func (r CommandResult) Succeeded() bool {
	return r.ExitCode == 0
}

// Combined returns stdout and stderr as one labeled blob for logging.
func (r CommandResult) Combined() string {
	var b strings.Builder
	if out := strings.TrimSpace(r.STDOUT); out != "" {
		b.WriteString("stdout: ")
		b.WriteString(out)
	}
	if errOut := strings.TrimSpace(r.STDERR); errOut != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr: ")
		b.WriteString(errOut)
	}
	return b.String()
}

// CommandManager runs external programs locally or remotely.
//
// Run returns an error only when the program could not be executed at all:
// the binary was not found, the transport failed, or the context was
// canceled. A program that ran and exited non-zero is reported through
// CommandResult.ExitCode with a nil error, so callers decide what a given
// exit code means.
type CommandManager interface {
	Run(ctx context.Context, config CommandConfig) (CommandResult, error)
}

// Credentials carries the secrets used for remote and privileged execution.
type Credentials struct {
	User          string
	Password      string
	KeyPassphrase string
	SudoPassword  string
}
