package servicemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	cm "github.com/vigilops/vigil/vigil/commandmanager"
)

// sc.exe reports well-known conditions through Win32 error exit codes. These
// are the ones the adapter branches on; everything else is a plain failure.
const (
	scExitAccessDenied        = 5
	scExitAlreadyRunning      = 1056
	scExitServiceDoesNotExist = 1060
	scExitNotStarted          = 1062
)

const (
	// Failure counters reset after a day without incidents.
	recoveryResetSeconds = 86400
	// sc.exe takes restart delays in milliseconds and rejects zero.
	minRestartDelayMillis = 1000
)

// Get-Service serializes its enums as numbers under PowerShell 5 and as
// strings under PowerShell 7. The numeric values are from the
// ServiceControllerStatus and ServiceStartMode enumerations.
const (
	winStatusStopped = 1
	winStatusRunning = 4

	winStartAutomatic = 2
	winStartManual    = 3
	winStartDisabled  = 4
)

// WindowsServiceManager manages one registration in the Windows service
// database through sc.exe, reading status through PowerShell.
type WindowsServiceManager struct {
	commandManager cm.CommandManager
	options        InstallOptions
}

func NewWindowsServiceManager(opts InstallOptions, manager cm.CommandManager) *WindowsServiceManager {
	return &WindowsServiceManager{
		commandManager: manager,
		options:        opts,
	}
}

// Install registers the service, wires up its recovery policy, and starts
// it. A start failure does not roll back the registration; the service stays
// registered for inspection.
func (w *WindowsServiceManager) Install(ctx context.Context) error {
	name := w.options.ServiceName

	registered, err := w.isRegistered(ctx)
	if err != nil {
		return err
	}
	if registered {
		if !w.options.ReuseExisting {
			return &ServiceError{
				Kind:   ErrAlreadyRegistered,
				Op:     "install",
				Detail: fmt.Sprintf("service %s is already registered", name),
			}
		}
		slog.Info("Service already registered, ensuring it is started", "service", name)
		return w.Start(ctx)
	}

	if !isElevated() {
		return &ServiceError{
			Kind:   ErrPrivilegeDenied,
			Op:     "install",
			Detail: "administrator rights are required to modify the service database",
		}
	}

	binPath := fmt.Sprintf(`"%s" "%s" %s`, windowsLauncherPath(), w.options.ExecutablePath, serviceModeFlag)
	createArgs := []string{
		"create", name,
		"binPath=", binPath,
		"start=", scStartValue(w.options.StartupType),
		"DisplayName=", w.options.DisplayName,
	}
	if len(w.options.Dependencies) > 0 {
		createArgs = append(createArgs, "depend=", strings.Join(w.options.Dependencies, "/"))
	}
	if result, err := w.sc(ctx, createArgs...); err != nil || !result.Succeeded() {
		return w.fail("install", result, err)
	}
	slog.Info("Registered Windows service", "service", name)

	// The create verb cannot carry a description; it takes a second call.
	if w.options.Description != "" {
		if result, err := w.sc(ctx, "description", name, w.options.Description); err != nil || !result.Succeeded() {
			return w.fail("install", result, err)
		}
	}

	if w.options.DelayedAutoStart && w.options.StartupType == StartupAutomatic {
		if result, err := w.sc(ctx, "config", name, "start=", "delayed-auto"); err != nil || !result.Succeeded() {
			return w.fail("install", result, err)
		}
	}

	if err := w.configureRecovery(ctx); err != nil {
		return err
	}

	return w.Start(ctx)
}

// Uninstall removes the registration. A service that was never registered is
// left alone and reported as success.
func (w *WindowsServiceManager) Uninstall(ctx context.Context) error {
	name := w.options.ServiceName

	registered, err := w.isRegistered(ctx)
	if err != nil {
		return err
	}
	if !registered {
		slog.Debug("Service not registered, nothing to uninstall", "service", name)
		return nil
	}

	if !isElevated() {
		return &ServiceError{
			Kind:   ErrPrivilegeDenied,
			Op:     "uninstall",
			Detail: "administrator rights are required to modify the service database",
		}
	}

	// Courtesy stop. Deletion decides the outcome, so a stop failure is
	// only logged.
	if result, err := w.sc(ctx, "stop", name); err != nil || (!result.Succeeded() && result.ExitCode != scExitNotStarted) {
		slog.Warn("Could not stop service before deletion",
			"service", name,
			"output", result.Combined(),
			"error", err)
	}

	if result, err := w.sc(ctx, "delete", name); err != nil || !result.Succeeded() {
		return w.fail("uninstall", result, err)
	}
	slog.Info("Removed Windows service", "service", name)
	return nil
}

// Start launches the service. A service that is already running counts as
// success.
func (w *WindowsServiceManager) Start(ctx context.Context) error {
	result, err := w.sc(ctx, "start", w.options.ServiceName)
	if err == nil && result.ExitCode == scExitAlreadyRunning {
		slog.Debug("Service already running", "service", w.options.ServiceName)
		return nil
	}
	if err != nil || !result.Succeeded() {
		return w.fail("start", result, err)
	}
	slog.Info("Started Windows service", "service", w.options.ServiceName)
	return nil
}

// Stop halts the service. A service that is not running counts as success.
func (w *WindowsServiceManager) Stop(ctx context.Context) error {
	result, err := w.sc(ctx, "stop", w.options.ServiceName)
	if err == nil && result.ExitCode == scExitNotStarted {
		slog.Debug("Service already stopped", "service", w.options.ServiceName)
		return nil
	}
	if err != nil || !result.Succeeded() {
		return w.fail("stop", result, err)
	}
	slog.Info("Stopped Windows service", "service", w.options.ServiceName)
	return nil
}

// Status reports the service state. It degrades instead of failing: an
// unreachable service database or an unparseable query comes back as
// StateUnknown with Message explaining why.
func (w *WindowsServiceManager) Status(ctx context.Context) ServiceStatus {
	status := ServiceStatus{State: StateUnknown, DisplayName: w.options.DisplayName}

	registered, err := w.isRegistered(ctx)
	if err != nil {
		status.Message = err.Error()
		return status
	}
	if !registered {
		status.State = StateNotInstalled
		status.Message = fmt.Sprintf("service %s is not registered", w.options.ServiceName)
		return status
	}

	query, err := w.queryService(ctx)
	if err != nil {
		status.Message = err.Error()
		return status
	}

	status.State = query.state()
	status.StartupType = query.startupType()
	switch status.State {
	case StateRunning:
		status.Message = "service is running"
	case StateStopped:
		status.Message = "service is stopped"
	default:
		status.Message = fmt.Sprintf("unrecognized service status %s", query.Status)
	}
	return status
}

func (w *WindowsServiceManager) sc(ctx context.Context, args ...string) (cm.CommandResult, error) {
	return w.commandManager.Run(ctx, cm.CommandConfig{Command: "sc.exe", Args: args})
}

func (w *WindowsServiceManager) isRegistered(ctx context.Context) (bool, error) {
	result, err := w.sc(ctx, "query", w.options.ServiceName)
	if err != nil {
		return false, w.fail("query", result, err)
	}
	if result.ExitCode == scExitServiceDoesNotExist {
		return false, nil
	}
	if !result.Succeeded() {
		return false, w.fail("query", result, nil)
	}
	return true, nil
}

// configureRecovery applies the restart policy: one restart directive per
// configured attempt, with the failure counter resetting after a quiet day.
func (w *WindowsServiceManager) configureRecovery(ctx context.Context) error {
	delayMillis := w.options.RestartDelaySeconds * 1000
	if delayMillis < minRestartDelayMillis {
		delayMillis = minRestartDelayMillis
	}
	directives := make([]string, 0, w.options.RestartAttempts)
	for i := 0; i < w.options.RestartAttempts; i++ {
		directives = append(directives, fmt.Sprintf("restart/%d", delayMillis))
	}
	result, err := w.sc(ctx, "failure", w.options.ServiceName,
		"reset=", strconv.Itoa(recoveryResetSeconds),
		"actions=", strings.Join(directives, "/"))
	if err != nil || !result.Succeeded() {
		return w.fail("install", result, err)
	}
	return nil
}

func (w *WindowsServiceManager) queryService(ctx context.Context) (serviceQuery, error) {
	script := fmt.Sprintf("Get-Service -Name '%s' | Select-Object Status,StartType | ConvertTo-Json", w.options.ServiceName)
	result, err := w.commandManager.Run(ctx, cm.CommandConfig{
		Command: "powershell",
		Args:    []string{"-NoProfile", "-NonInteractive", "-Command", script},
	})
	if err != nil || !result.Succeeded() {
		return serviceQuery{}, w.fail("status", result, err)
	}

	var query serviceQuery
	if err := json.Unmarshal([]byte(strings.TrimSpace(result.STDOUT)), &query); err != nil {
		slog.Error("Unparseable service query output",
			"service", w.options.ServiceName,
			"output", result.Combined(),
			"error", err)
		return serviceQuery{}, &ServiceError{
			Kind:   ErrMalformedStatusResponse,
			Op:     "status",
			Detail: fmt.Sprintf("could not parse service query output: %v", err),
			Err:    err,
		}
	}
	return query, nil
}

func (w *WindowsServiceManager) fail(op string, result cm.CommandResult, err error) *ServiceError {
	serviceErr := toolFailure(op, result, err)
	if err == nil && result.ExitCode == scExitAccessDenied {
		serviceErr.Kind = ErrPrivilegeDenied
	}
	slog.Error("Windows service operation failed",
		"op", op,
		"service", w.options.ServiceName,
		"kind", serviceErr.Kind,
		"output", result.Combined(),
		"error", err)
	return serviceErr
}

func scStartValue(startupType StartupType) string {
	switch startupType {
	case StartupManual:
		return "demand"
	case StartupDisabled:
		return "disabled"
	}
	return "auto"
}

// serviceQuery mirrors the JSON shape of
// Get-Service | Select-Object Status,StartType | ConvertTo-Json.
type serviceQuery struct {
	Status    queryCode `json:"Status"`
	StartType queryCode `json:"StartType"`
}

func (q serviceQuery) state() State {
	switch {
	case q.Status.matches(winStatusRunning, "Running"):
		return StateRunning
	case q.Status.matches(winStatusStopped, "Stopped"):
		return StateStopped
	}
	return StateUnknown
}

func (q serviceQuery) startupType() string {
	switch {
	case q.StartType.matches(winStartAutomatic, "Automatic"):
		return string(StartupAutomatic)
	case q.StartType.matches(winStartManual, "Manual"):
		return string(StartupManual)
	case q.StartType.matches(winStartDisabled, "Disabled"):
		return string(StartupDisabled)
	}
	return ""
}

// queryCode is a PowerShell enum value that may arrive as a JSON number or a
// string naming the member.
type queryCode struct {
	number int
	text   string
}

func (c *queryCode) UnmarshalJSON(data []byte) error {
	var number int
	if err := json.Unmarshal(data, &number); err == nil {
		c.number = number
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("expected a number or a string, got %s", string(data))
	}
	text = strings.TrimSpace(text)
	if number, err := strconv.Atoi(text); err == nil {
		c.number = number
		return nil
	}
	c.text = text
	return nil
}

func (c queryCode) matches(number int, name string) bool {
	return c.number == number || strings.EqualFold(c.text, name)
}

func (c queryCode) String() string {
	if c.text != "" {
		return c.text
	}
	return strconv.Itoa(c.number)
}
