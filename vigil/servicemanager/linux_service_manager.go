package servicemanager

import (
	"context"
	"fmt"
	"log/slog"
	"os/user"
	"path"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	cm "github.com/vigilops/vigil/vigil/commandmanager"
	"github.com/vigilops/vigil/vigil/filemanager"
)

const unitTemplate = `[Unit]
Description={{.Description}}
After={{.After}}

[Service]
Type=simple
ExecStart={{.ExecStart}}
WorkingDirectory={{.WorkingDirectory}}
Restart=on-failure
RestartSec={{.RestartSec}}
User={{.User}}
StandardOutput=journal
StandardError=journal

[Install]
WantedBy=multi-user.target
`

type unitData struct {
	Description      string
	After            string
	ExecStart        string
	WorkingDirectory string
	RestartSec       int
	User             string
}

// systemctl show timestamps look like "Mon 2026-08-24 10:11:12 UTC".
const systemdTimestampLayout = "Mon 2006-01-02 15:04:05 MST"

// LinuxServiceManager manages one systemd unit. The adapter itself does not
// need to run as root: the unit file is staged in /tmp and moved into place
// with sudo, and mutating systemctl calls run under sudo as well.
type LinuxServiceManager struct {
	commandManager cm.CommandManager
	fileManager    *filemanager.FileManager
	options        InstallOptions
	unitName       string
	unitPath       string
}

func NewLinuxServiceManager(opts InstallOptions, manager cm.CommandManager) *LinuxServiceManager {
	unitName := strings.ToLower(opts.ServiceName)
	return &LinuxServiceManager{
		commandManager: manager,
		fileManager:    &filemanager.FileManager{CommandManager: manager},
		options:        opts,
		unitName:       unitName,
		unitPath:       fmt.Sprintf("/etc/systemd/system/%s.service", unitName),
	}
}

// Install writes the unit file, reloads systemd, enables the unit when the
// startup type asks for boot persistence, and starts it. A start failure does
// not remove the unit file; the unit stays in place for inspection.
func (m *LinuxServiceManager) Install(ctx context.Context) error {
	exists, err := m.fileManager.Exists(ctx, m.unitPath)
	if err != nil {
		return fileFailure("install", err)
	}
	if exists {
		if !m.options.ReuseExisting {
			return &ServiceError{
				Kind:   ErrAlreadyRegistered,
				Op:     "install",
				Detail: fmt.Sprintf("unit file %s already exists", m.unitPath),
			}
		}
		slog.Info("Unit already present, ensuring the service is started", "unit", m.unitName)
		return m.Start(ctx)
	}

	unit, err := m.renderUnit(ctx)
	if err != nil {
		return &ServiceError{Kind: ErrNativeToolFailure, Op: "install", Detail: err.Error(), Err: err}
	}

	stagingPath := fmt.Sprintf("/tmp/%s-%s.service", m.unitName, uuid.NewString()[:8])
	if err := m.fileManager.WriteFile(ctx, stagingPath, unit, false); err != nil {
		return fileFailure("install", err)
	}
	if err := m.fileManager.MoveFile(ctx, stagingPath, m.unitPath, true); err != nil {
		return fileFailure("install", err)
	}
	slog.Info("Wrote systemd unit", "unit", m.unitName, "path", m.unitPath)

	if result, err := m.systemctl(ctx, true, "daemon-reload"); err != nil || !result.Succeeded() {
		return m.fail("install", result, err)
	}

	if m.options.StartupType == StartupAutomatic {
		// Boot persistence is wanted but its failure never sinks the install.
		if result, err := m.systemctl(ctx, true, "enable", m.unitName); err != nil || !result.Succeeded() {
			slog.Warn("Could not enable unit for boot",
				"unit", m.unitName,
				"output", result.Combined(),
				"error", err)
		}
	}

	return m.Start(ctx)
}

// Uninstall stops and disables the unit as a courtesy, then removes the unit
// file and reloads systemd. A unit that was never installed is success.
func (m *LinuxServiceManager) Uninstall(ctx context.Context) error {
	exists, err := m.fileManager.Exists(ctx, m.unitPath)
	if err != nil {
		return fileFailure("uninstall", err)
	}
	if !exists {
		slog.Debug("Unit not present, nothing to uninstall", "unit", m.unitName)
		return nil
	}

	var steps *multierror.Error
	if result, err := m.systemctl(ctx, true, "stop", m.unitName); err != nil || !result.Succeeded() {
		steps = multierror.Append(steps, stepError("stop", result, err))
	}
	if result, err := m.systemctl(ctx, true, "disable", m.unitName); err != nil || !result.Succeeded() {
		steps = multierror.Append(steps, stepError("disable", result, err))
	}
	if steps.ErrorOrNil() != nil {
		slog.Warn("Best-effort uninstall steps failed", "unit", m.unitName, "error", steps)
	}

	if err := m.fileManager.DeleteFile(ctx, m.unitPath, true); err != nil {
		return fileFailure("uninstall", err)
	}
	if result, err := m.systemctl(ctx, true, "daemon-reload"); err != nil || !result.Succeeded() {
		return m.fail("uninstall", result, err)
	}
	slog.Info("Removed systemd unit", "unit", m.unitName)
	return nil
}

// Start launches the unit. systemctl start is naturally idempotent, so a
// running unit comes back as success.
func (m *LinuxServiceManager) Start(ctx context.Context) error {
	result, err := m.systemctl(ctx, true, "start", m.unitName)
	if err != nil || !result.Succeeded() {
		return m.fail("start", result, err)
	}
	slog.Info("Started systemd unit", "unit", m.unitName)
	return nil
}

// Stop halts the unit. Stopping an inactive unit succeeds.
func (m *LinuxServiceManager) Stop(ctx context.Context) error {
	result, err := m.systemctl(ctx, true, "stop", m.unitName)
	if err != nil || !result.Succeeded() {
		return m.fail("stop", result, err)
	}
	slog.Info("Stopped systemd unit", "unit", m.unitName)
	return nil
}

// Status combines the unit file check with is-active and is-enabled queries,
// plus MainPID and the start timestamp from systemctl show when available.
func (m *LinuxServiceManager) Status(ctx context.Context) ServiceStatus {
	status := ServiceStatus{State: StateUnknown, DisplayName: m.options.DisplayName}

	exists, err := m.fileManager.Exists(ctx, m.unitPath)
	if err != nil {
		status.Message = fmt.Sprintf("could not check unit file: %v", err)
		return status
	}
	if !exists {
		status.State = StateNotInstalled
		status.Message = fmt.Sprintf("unit %s is not installed", m.unitName)
		return status
	}

	active, err := m.systemctl(ctx, false, "is-active", m.unitName)
	if err != nil {
		status.Message = fmt.Sprintf("is-active query failed: %v", err)
		return status
	}

	activeState := strings.TrimSpace(active.STDOUT)
	combined := strings.ToLower(active.Combined())
	switch {
	case activeState == "active":
		status.State = StateRunning
		status.Message = "service is running"
	case activeState == "inactive":
		status.State = StateStopped
		status.Message = "service is stopped"
	case strings.Contains(combined, "could not be found") || strings.Contains(combined, "unknown"):
		status.State = StateNotInstalled
		status.Message = fmt.Sprintf("systemd does not know unit %s", m.unitName)
		return status
	default:
		status.Message = fmt.Sprintf("unrecognized active state %q", activeState)
		return status
	}

	if enabled, err := m.systemctl(ctx, false, "is-enabled", m.unitName); err == nil {
		switch strings.TrimSpace(enabled.STDOUT) {
		case "enabled":
			status.StartupType = string(StartupAutomatic)
		case "disabled":
			status.StartupType = string(StartupManual)
		}
	}

	m.fillRuntimeDetails(ctx, &status)
	return status
}

func (m *LinuxServiceManager) systemctl(ctx context.Context, sudo bool, args ...string) (cm.CommandResult, error) {
	return m.commandManager.Run(ctx, cm.CommandConfig{Command: "systemctl", Args: args, Sudo: sudo})
}

func (m *LinuxServiceManager) renderUnit(ctx context.Context) (string, error) {
	after := append([]string{"network.target"}, m.options.Dependencies...)
	data := unitData{
		Description:      m.options.Description,
		After:            strings.Join(after, " "),
		ExecStart:        fmt.Sprintf("%s %s %s", unixLauncherPath(ctx, m.commandManager), m.options.ExecutablePath, serviceModeFlag),
		WorkingDirectory: path.Dir(m.options.ExecutablePath),
		RestartSec:       m.options.RestartDelaySeconds,
		User:             m.invokingUser(ctx),
	}

	tmpl, err := template.New("unit").Parse(unitTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing unit template: %w", err)
	}
	var rendered strings.Builder
	if err := tmpl.Execute(&rendered, data); err != nil {
		return "", fmt.Errorf("rendering unit for %s: %w", m.unitName, err)
	}
	return rendered.String(), nil
}

// invokingUser resolves the account the unit runs as, asking the target host
// so remote management attributes the service to the remote user.
func (m *LinuxServiceManager) invokingUser(ctx context.Context) string {
	result, err := m.commandManager.Run(ctx, cm.CommandConfig{Command: "id", Args: []string{"-un"}})
	if err == nil && result.Succeeded() {
		if name := strings.TrimSpace(result.STDOUT); name != "" {
			return name
		}
	}
	if current, err := user.Current(); err == nil && current.Username != "" {
		return current.Username
	}
	return "root"
}

func (m *LinuxServiceManager) fillRuntimeDetails(ctx context.Context, status *ServiceStatus) {
	result, err := m.systemctl(ctx, false, "show", "-p", "MainPID", "-p", "ActiveEnterTimestamp", m.unitName)
	if err != nil || !result.Succeeded() {
		return
	}
	properties := parseProperties(result.STDOUT)
	if pid, err := strconv.Atoi(properties["MainPID"]); err == nil && pid > 0 {
		status.PID = pid
	}
	if value := properties["ActiveEnterTimestamp"]; value != "" {
		if startedAt, err := time.Parse(systemdTimestampLayout, value); err == nil {
			status.StartedAt = startedAt
		}
	}
}

// parseProperties reads the KEY=VALUE lines systemctl show emits.
func parseProperties(output string) map[string]string {
	properties := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		if key, value, found := strings.Cut(strings.TrimSpace(line), "="); found {
			properties[key] = value
		}
	}
	return properties
}

func (m *LinuxServiceManager) fail(op string, result cm.CommandResult, err error) *ServiceError {
	serviceErr := toolFailure(op, result, err)
	slog.Error("Linux service operation failed",
		"op", op,
		"unit", m.unitName,
		"kind", serviceErr.Kind,
		"output", result.Combined(),
		"error", err)
	return serviceErr
}
