package servicemanager

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	cm "github.com/vigilops/vigil/vigil/commandmanager"
)

// Option customizes how New builds the local adapter.
type Option func(*settings)

type settings struct {
	commandManager cm.CommandManager
	sudoPassword   string
}

// WithSudoPassword supplies the password used when native tools need sudo.
func WithSudoPassword(password string) Option {
	return func(s *settings) {
		s.sudoPassword = password
	}
}

// WithCommandManager overrides the command manager the adapter runs native
// tools through.
func WithCommandManager(manager cm.CommandManager) Option {
	return func(s *settings) {
		s.commandManager = manager
	}
}

// New builds the adapter for the operating system vigil runs on, so callers
// never branch on the platform themselves.
func New(opts InstallOptions, options ...Option) (ServiceManager, error) {
	var s settings
	for _, option := range options {
		option(&s)
	}
	manager := s.commandManager
	if manager == nil {
		manager = &cm.LocalCommandManager{
			Credentials: cm.Credentials{SudoPassword: s.sudoPassword},
		}
	}
	return newManagerForOS(runtime.GOOS, opts, manager)
}

// NewRemote builds an adapter for a host reached through the given command
// manager, probing uname to pick the platform. Windows hosts cannot be
// managed this way.
func NewRemote(ctx context.Context, opts InstallOptions, manager cm.CommandManager) (ServiceManager, error) {
	result, err := manager.Run(ctx, cm.CommandConfig{Command: "uname", Args: []string{"-s"}})
	if err != nil || !result.Succeeded() {
		return nil, &ServiceError{
			Kind:   ErrUnsupportedPlatform,
			Op:     "detect",
			Detail: "could not determine the remote operating system",
			Err:    err,
		}
	}
	platform := strings.TrimSpace(result.STDOUT)
	switch platform {
	case "Linux":
		return newManagerForOS("linux", opts, manager)
	case "Darwin":
		return newManagerForOS("darwin", opts, manager)
	default:
		return nil, &ServiceError{
			Kind:   ErrUnsupportedPlatform,
			Op:     "detect",
			Detail: fmt.Sprintf("no service adapter for remote platform %q", platform),
		}
	}
}

func newManagerForOS(goos string, opts InstallOptions, manager cm.CommandManager) (ServiceManager, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid install options: %w", err)
	}
	switch goos {
	case "windows":
		return NewWindowsServiceManager(opts, manager), nil
	case "linux":
		return NewLinuxServiceManager(opts, manager), nil
	case "darwin":
		return NewDarwinServiceManager(opts, manager), nil
	default:
		return nil, &ServiceError{
			Kind:   ErrUnsupportedPlatform,
			Op:     "new",
			Detail: fmt.Sprintf("no service adapter for %s", goos),
		}
	}
}
