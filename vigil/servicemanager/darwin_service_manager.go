package servicemanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"text/template"

	cm "github.com/vigilops/vigil/vigil/commandmanager"
	"github.com/vigilops/vigil/vigil/filemanager"
)

const plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Launcher}}</string>
        <string>{{.ExecutablePath}}</string>
        <string>{{.ModeFlag}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>WorkingDirectory</key>
    <string>{{.WorkingDirectory}}</string>
    <key>StandardOutPath</key>
    <string>{{.StdoutPath}}</string>
    <key>StandardErrorPath</key>
    <string>{{.StderrPath}}</string>
    <key>ThrottleInterval</key>
    <integer>{{.ThrottleSeconds}}</integer>
</dict>
</plist>
`

type plistData struct {
	Label            string
	Launcher         string
	ExecutablePath   string
	ModeFlag         string
	WorkingDirectory string
	StdoutPath       string
	StderrPath       string
	ThrottleSeconds  int
}

// DarwinServiceManager manages one launchd agent under the invoking user's
// LaunchAgents directory. Agents are per-user, so no operation needs
// elevation.
type DarwinServiceManager struct {
	commandManager cm.CommandManager
	fileManager    *filemanager.FileManager
	options        InstallOptions
	label          string
	homeDir        string
}

func NewDarwinServiceManager(opts InstallOptions, manager cm.CommandManager) *DarwinServiceManager {
	return &DarwinServiceManager{
		commandManager: manager,
		fileManager:    &filemanager.FileManager{CommandManager: manager},
		options:        opts,
		label:          "com." + strings.ToLower(opts.ServiceName),
	}
}

// Install writes the agent property list and loads it. launchctl load both
// registers and starts the agent, so there is no separate start step to
// fail independently; a failed load still leaves the descriptor in place.
func (m *DarwinServiceManager) Install(ctx context.Context) error {
	plistPath, err := m.plistPath(ctx)
	if err != nil {
		return fileFailure("install", err)
	}

	exists, err := m.fileManager.Exists(ctx, plistPath)
	if err != nil {
		return fileFailure("install", err)
	}
	if exists {
		if !m.options.ReuseExisting {
			return &ServiceError{
				Kind:   ErrAlreadyRegistered,
				Op:     "install",
				Detail: fmt.Sprintf("property list %s already exists", plistPath),
			}
		}
		slog.Info("Property list already present, ensuring the agent is loaded", "label", m.label)
		return m.Start(ctx)
	}

	logDir, err := m.logDir(ctx)
	if err != nil {
		return fileFailure("install", err)
	}
	if err := m.fileManager.MakeDir(ctx, logDir, false); err != nil {
		return fileFailure("install", err)
	}
	if err := m.fileManager.MakeDir(ctx, path.Dir(plistPath), false); err != nil {
		return fileFailure("install", err)
	}

	plist, err := m.renderPlist(ctx, logDir)
	if err != nil {
		return &ServiceError{Kind: ErrNativeToolFailure, Op: "install", Detail: err.Error(), Err: err}
	}
	if err := m.fileManager.WriteFile(ctx, plistPath, plist, false); err != nil {
		return fileFailure("install", err)
	}
	slog.Info("Wrote launchd property list", "label", m.label, "path", plistPath)

	if result, err := m.launchctl(ctx, "load", plistPath); err != nil || !result.Succeeded() {
		return m.fail("install", result, err)
	}
	slog.Info("Loaded launchd agent", "label", m.label)
	return nil
}

// Uninstall unloads the agent and deletes its property list. A missing
// property list means there is nothing to do.
func (m *DarwinServiceManager) Uninstall(ctx context.Context) error {
	plistPath, err := m.plistPath(ctx)
	if err != nil {
		return fileFailure("uninstall", err)
	}

	exists, err := m.fileManager.Exists(ctx, plistPath)
	if err != nil {
		return fileFailure("uninstall", err)
	}
	if !exists {
		slog.Debug("Property list not present, nothing to uninstall", "label", m.label)
		return nil
	}

	// The agent may not be loaded at all; deletion decides the outcome.
	if result, err := m.launchctl(ctx, "unload", plistPath); err != nil || !result.Succeeded() {
		slog.Warn("Could not unload agent before deletion",
			"label", m.label,
			"output", result.Combined(),
			"error", err)
	}

	if err := m.fileManager.DeleteFile(ctx, plistPath, false); err != nil {
		return fileFailure("uninstall", err)
	}
	slog.Info("Removed launchd agent", "label", m.label)
	return nil
}

// Start loads the agent. An agent that is already loaded counts as success.
func (m *DarwinServiceManager) Start(ctx context.Context) error {
	plistPath, err := m.plistPath(ctx)
	if err != nil {
		return fileFailure("start", err)
	}
	if m.isLoaded(ctx) {
		slog.Debug("Agent already loaded", "label", m.label)
		return nil
	}
	if result, err := m.launchctl(ctx, "load", plistPath); err != nil || !result.Succeeded() {
		return m.fail("start", result, err)
	}
	slog.Info("Loaded launchd agent", "label", m.label)
	return nil
}

// Stop unloads the agent. An agent that is not loaded counts as success.
func (m *DarwinServiceManager) Stop(ctx context.Context) error {
	plistPath, err := m.plistPath(ctx)
	if err != nil {
		return fileFailure("stop", err)
	}
	if !m.isLoaded(ctx) {
		slog.Debug("Agent not loaded, nothing to stop", "label", m.label)
		return nil
	}
	if result, err := m.launchctl(ctx, "unload", plistPath); err != nil || !result.Succeeded() {
		return m.fail("stop", result, err)
	}
	slog.Info("Unloaded launchd agent", "label", m.label)
	return nil
}

// Status reads the property list presence first, then scans launchctl list
// for the agent's label. A descriptor that exists but is not loaded reports
// StateInstalled.
func (m *DarwinServiceManager) Status(ctx context.Context) ServiceStatus {
	status := ServiceStatus{State: StateUnknown, DisplayName: m.options.DisplayName}

	plistPath, err := m.plistPath(ctx)
	if err != nil {
		status.Message = err.Error()
		return status
	}

	exists, err := m.fileManager.Exists(ctx, plistPath)
	if err != nil {
		status.Message = fmt.Sprintf("could not check property list: %v", err)
		return status
	}
	if !exists {
		status.State = StateNotInstalled
		status.Message = fmt.Sprintf("no property list for %s", m.label)
		return status
	}

	// RunAtLoad agents start when the user logs in.
	status.StartupType = string(StartupAutomatic)

	listing, err := m.launchctl(ctx, "list")
	if err != nil || !listing.Succeeded() {
		status.Message = "could not list loaded agents"
		return status
	}

	row, found := findLabelRow(listing.STDOUT, m.label)
	if !found {
		status.State = StateInstalled
		status.Message = "property list exists but the agent is not loaded"
		return status
	}

	if pid, ok := rowPID(row); ok {
		status.State = StateRunning
		status.PID = pid
		status.Message = "agent is running"
	} else {
		status.State = StateStopped
		status.Message = "agent is loaded but not running"
	}
	return status
}

func (m *DarwinServiceManager) launchctl(ctx context.Context, args ...string) (cm.CommandResult, error) {
	return m.commandManager.Run(ctx, cm.CommandConfig{Command: "launchctl", Args: args})
}

// home resolves the invoking user's home directory through the target host,
// so a remotely managed Mac resolves its own paths.
func (m *DarwinServiceManager) home(ctx context.Context) (string, error) {
	if m.homeDir != "" {
		return m.homeDir, nil
	}
	result, err := m.commandManager.Run(ctx, cm.CommandConfig{Command: "printenv", Args: []string{"HOME"}})
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	home := strings.TrimSpace(result.STDOUT)
	if !result.Succeeded() || home == "" {
		return "", errors.New("resolving home directory: HOME is not set")
	}
	m.homeDir = home
	return home, nil
}

func (m *DarwinServiceManager) plistPath(ctx context.Context) (string, error) {
	home, err := m.home(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/Library/LaunchAgents/%s.plist", home, m.label), nil
}

func (m *DarwinServiceManager) logDir(ctx context.Context) (string, error) {
	home, err := m.home(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/Library/Logs/%s", home, strings.ToLower(m.options.ServiceName)), nil
}

func (m *DarwinServiceManager) renderPlist(ctx context.Context, logDir string) (string, error) {
	data := plistData{
		Label:            m.label,
		Launcher:         unixLauncherPath(ctx, m.commandManager),
		ExecutablePath:   m.options.ExecutablePath,
		ModeFlag:         serviceModeFlag,
		WorkingDirectory: path.Dir(m.options.ExecutablePath),
		StdoutPath:       logDir + "/out.log",
		StderrPath:       logDir + "/err.log",
		ThrottleSeconds:  m.options.RestartDelaySeconds,
	}

	tmpl, err := template.New("plist").Parse(plistTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing property list template: %w", err)
	}
	var rendered strings.Builder
	if err := tmpl.Execute(&rendered, data); err != nil {
		return "", fmt.Errorf("rendering property list for %s: %w", m.label, err)
	}
	return rendered.String(), nil
}

func (m *DarwinServiceManager) isLoaded(ctx context.Context) bool {
	listing, err := m.launchctl(ctx, "list")
	if err != nil || !listing.Succeeded() {
		return false
	}
	_, found := findLabelRow(listing.STDOUT, m.label)
	return found
}

// findLabelRow scans launchctl list output. Rows are "PID Status Label"
// with "-" in the PID column for agents that have no running process.
func findLabelRow(output, label string) ([]string, bool) {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[2] == label {
			return fields, true
		}
	}
	return nil, false
}

func rowPID(fields []string) (int, bool) {
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (m *DarwinServiceManager) fail(op string, result cm.CommandResult, err error) *ServiceError {
	serviceErr := toolFailure(op, result, err)
	slog.Error("macOS service operation failed",
		"op", op,
		"label", m.label,
		"kind", serviceErr.Kind,
		"output", result.Combined(),
		"error", err)
	return serviceErr
}
