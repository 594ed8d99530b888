// Package servicemanager registers, starts, stops, uninstalls, and inspects
// the vigil worker service on the host operating system. Each platform
// adapter drives the native tooling: sc.exe and PowerShell on Windows,
// systemd on Linux, launchd on macOS.
//
// An adapter is bound to the single service described by its InstallOptions
// at construction time and cannot be retargeted afterwards. Adapters keep no
// other mutable state, so distinct adapters may be used from different
// goroutines; the native service databases are the shared resource, and
// concurrent operations against the same service have no defined outcome.
// Callers serialize those.
package servicemanager

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// State describes where a service sits in its lifecycle.
type State string

const (
	// StateNotInstalled means the platform has no registration for the service.
	StateNotInstalled State = "not-installed"
	// StateInstalled means a descriptor exists but the platform is not
	// running it, typically a macOS property list that is not loaded.
	StateInstalled State = "installed"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
	// StateUnknown is the degraded answer when the native tooling could not
	// be queried or its output could not be understood.
	StateUnknown State = "unknown"
)

// StartupType controls whether the platform launches the service on its own.
type StartupType string

const (
	StartupAutomatic StartupType = "Automatic"
	StartupManual    StartupType = "Manual"
	StartupDisabled  StartupType = "Disabled"
)

// ParseStartupType maps a case-insensitive configuration value onto a
// StartupType. The empty string selects Automatic.
func ParseStartupType(value string) (StartupType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "automatic", "auto":
		return StartupAutomatic, nil
	case "manual", "demand":
		return StartupManual, nil
	case "disabled":
		return StartupDisabled, nil
	}
	return "", fmt.Errorf("unknown startup type %q", value)
}

// ServiceStatus is the answer to a status query. State is always set;
// StartupType, StartedAt and PID are filled only when the platform reports
// them. Message explains the state in one line, which matters most when
// State is unknown.
type ServiceStatus struct {
	State       State
	DisplayName string
	StartupType string
	StartedAt   time.Time
	PID         int
	Message     string
}

// InstallOptions describes the service an adapter manages. The options are
// captured when the adapter is built and are immutable from then on.
type InstallOptions struct {
	// ServiceName is the platform-facing identity of the service.
	ServiceName string
	// DisplayName defaults to ServiceName when empty.
	DisplayName string
	Description string
	// ExecutablePath is the absolute path of the worker executable the
	// service hosts.
	ExecutablePath string
	// StartupType defaults to Automatic when empty.
	StartupType StartupType
	// DelayedAutoStart delays an Automatic start until after boot has
	// settled. Only Windows distinguishes this.
	DelayedAutoStart bool
	// RestartAttempts is how many times the platform restarts the service
	// after a failure before giving up.
	RestartAttempts int
	// RestartDelaySeconds is the pause between failure and restart.
	RestartDelaySeconds int
	// Dependencies lists services that must be up first. Only Windows
	// enforces dependencies natively; on Linux they become unit ordering.
	Dependencies []string
	// ReuseExisting makes Install treat an existing registration as its own
	// and simply ensure the service is running. When false an existing
	// registration fails the install.
	ReuseExisting bool
}

// Validate reports the first problem that would make the options unusable.
func (o InstallOptions) Validate() error {
	if strings.TrimSpace(o.ServiceName) == "" {
		return fmt.Errorf("service name is required")
	}
	if strings.ContainsAny(o.ServiceName, " /\\") {
		return fmt.Errorf("service name %q must not contain spaces or path separators", o.ServiceName)
	}
	if o.ExecutablePath == "" {
		return fmt.Errorf("executable path is required")
	}
	if !isAbsolutePath(o.ExecutablePath) {
		return fmt.Errorf("executable path %q must be absolute", o.ExecutablePath)
	}
	if o.RestartAttempts < 1 {
		return fmt.Errorf("restart attempts must be at least 1, got %d", o.RestartAttempts)
	}
	if o.RestartDelaySeconds < 1 {
		return fmt.Errorf("restart delay must be at least one second, got %d", o.RestartDelaySeconds)
	}
	switch o.StartupType {
	case StartupAutomatic, StartupManual, StartupDisabled:
	default:
		return fmt.Errorf("unknown startup type %q", o.StartupType)
	}
	return nil
}

func (o InstallOptions) withDefaults() InstallOptions {
	if o.DisplayName == "" {
		o.DisplayName = o.ServiceName
	}
	if o.Description == "" {
		o.Description = o.DisplayName
	}
	if o.StartupType == "" {
		o.StartupType = StartupAutomatic
	}
	return o
}

// isAbsolutePath accepts both native and foreign absolute paths, since a
// manager built on one platform may describe an executable on another.
func isAbsolutePath(path string) bool {
	return filepath.IsAbs(path) || strings.HasPrefix(path, "/") || isWindowsAbsPath(path)
}

func isWindowsAbsPath(path string) bool {
	if len(path) < 3 {
		return false
	}
	drive := path[0]
	letter := (drive >= 'a' && drive <= 'z') || (drive >= 'A' && drive <= 'Z')
	return letter && path[1] == ':' && (path[2] == '\\' || path[2] == '/')
}

// ServiceManager is the uniform lifecycle contract each platform adapter
// implements.
type ServiceManager interface {
	// Install registers the service, applies its restart policy, and starts
	// it. Install fails when a registration already exists, unless
	// ReuseExisting was set. When registration succeeds but the first start
	// fails, Install reports the failure and leaves the registration in
	// place for inspection.
	Install(ctx context.Context) error
	// Uninstall stops the service as a courtesy and removes its
	// registration. Uninstalling a service that was never installed
	// succeeds.
	Uninstall(ctx context.Context) error
	// Start launches the service. Starting a running service succeeds
	// without side effects.
	Start(ctx context.Context) error
	// Stop halts the service. Stopping a stopped service succeeds without
	// side effects.
	Stop(ctx context.Context) error
	// Status reports the current service state. It never fails: when the
	// platform cannot be queried the state degrades to StateUnknown and
	// Message says why.
	Status(ctx context.Context) ServiceStatus
}
