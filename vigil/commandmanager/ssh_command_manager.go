package commandmanager

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// SSHDialer abstracts establishing an SSH connection so tests can stub it out.
type SSHDialer interface {
	Dial(network, addr string, config *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error)
}

// RealSSHDialer dials with the standard ssh package.
type RealSSHDialer struct{}

func (RealSSHDialer) Dial(network, addr string, config *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	config.Timeout = timeout
	return ssh.Dial(network, addr, config)
}

// SSHCommandManager executes commands on a remote Unix host over SSH. Each
// Run opens a fresh connection and session; connections are not pooled.
type SSHCommandManager struct {
	Hostname string
	Dialer   SSHDialer
	Credentials
}

func (s *SSHCommandManager) Run(ctx context.Context, config CommandConfig) (CommandResult, error) {
	start := time.Now()
	invocation := uuid.NewString()[:8]
	commandLine := buildCommandLine(config)
	slog.Debug("Executing remote command",
		"invocation", invocation,
		"hostname", s.Hostname,
		"command", config.Command,
		"sudo", config.Sudo)

	if s.Dialer == nil {
		return CommandResult{}, errors.New("SSH dialer is not initialized")
	}

	clientConfig, err := s.clientConfig()
	if err != nil {
		return CommandResult{}, err
	}

	dialTimeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		dialTimeout = time.Until(deadline)
	}

	client, err := s.Dialer.Dial("tcp", s.Hostname+":22", clientConfig, dialTimeout)
	if err != nil {
		return CommandResult{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return CommandResult{}, err
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	stdin := config.Stdin
	if config.Sudo {
		stdin = s.SudoPassword + "\n" + config.Stdin
	}
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(commandLine)
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		slog.Debug("Remote command canceled", "invocation", invocation, "hostname", s.Hostname)
		return CommandResult{
			Command:   config.Command,
			STDOUT:    stdout.String(),
			STDERR:    stderr.String(),
			ExitCode:  -1,
			Duration:  time.Since(start),
			Timestamp: start,
		}, ctx.Err()
	}

	result := CommandResult{
		Command:   config.Command,
		STDOUT:    stdout.String(),
		STDERR:    stderr.String(),
		ExitCode:  remoteExitCode(runErr),
		Duration:  time.Since(start),
		Timestamp: start,
	}

	slog.Debug("Remote command finished",
		"invocation", invocation,
		"hostname", s.Hostname,
		"exitCode", result.ExitCode,
		"duration", result.Duration)

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		return result, nil
	}
	return result, runErr
}

func (s *SSHCommandManager) clientConfig() (*ssh.ClientConfig, error) {
	var authMethod ssh.AuthMethod

	if s.Password != "" {
		slog.Debug("Using password authentication", "hostname", s.Hostname)
		authMethod = ssh.Password(s.Password)
	} else {
		slog.Debug("Using public key authentication", "hostname", s.Hostname)
		var keyManager SSHKeyManager
		if s.KeyPassphrase != "" {
			keyManager = FileSSHKeyManager{}
		} else {
			keyManager = AgentSSHKeyManager{}
		}
		keys, err := keyManager.ReadPrivateKeys(s.KeyPassphrase)
		if err != nil {
			return nil, err
		}
		authMethod = ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			return keys, nil
		})
	}

	return &ssh.ClientConfig{
		User:            s.User,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}, nil
}

// buildCommandLine renders a CommandConfig as the single shell line a remote
// session expects, quoting arguments that would otherwise be split.
func buildCommandLine(config CommandConfig) string {
	parts := make([]string, 0, len(config.Env)+len(config.Args)+3)
	if len(config.Env) > 0 {
		parts = append(parts, "env")
		for _, pair := range config.Env {
			parts = append(parts, shellQuote(pair))
		}
	}
	if config.Sudo {
		parts = append(parts, "sudo", "-S")
	}
	parts = append(parts, shellQuote(config.Command))
	for _, arg := range config.Args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

const shellSafeChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_@%+=:,./-"

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !strings.ContainsRune(shellSafeChars, r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func remoteExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}
