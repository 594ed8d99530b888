package servicemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cm "github.com/vigilops/vigil/vigil/commandmanager"
)

const watcherUnitPath = "/etc/systemd/system/watcher.service"

// linuxFake scripts the baseline responses a fresh install needs: no unit
// file yet, the launcher on the search path, and a resolvable user.
func linuxFake() *fakeCommandManager {
	fake := newFakeCommandManager()
	fake.respond("test -e "+watcherUnitPath, cm.CommandResult{ExitCode: 1}, nil)
	fake.respond("which vigil-worker", cm.CommandResult{STDOUT: "/usr/local/bin/vigil-worker\n", ExitCode: 0}, nil)
	fake.respond("id -un", cm.CommandResult{STDOUT: "svc\n", ExitCode: 0}, nil)
	return fake
}

func newLinuxManager(t *testing.T, fake *fakeCommandManager, opts InstallOptions) *LinuxServiceManager {
	t.Helper()
	manager, err := newManagerForOS("linux", opts, fake)
	require.NoError(t, err)
	return manager.(*LinuxServiceManager)
}

func TestLinuxInstallWritesUnit(t *testing.T) {
	fake := linuxFake()
	manager := newLinuxManager(t, fake, watcherOptions())

	err := manager.Install(context.Background())
	require.NoError(t, err)

	write, ok := fake.find("tee /tmp/watcher-")
	require.True(t, ok, "unit should be staged in /tmp, calls: %v", fake.lines())
	assert.False(t, write.Sudo, "staging write must not need sudo")

	unit := write.Stdin
	assert.Contains(t, unit, "Description=Watches the application directory")
	assert.Contains(t, unit, "After=network.target")
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/vigil-worker /opt/app/watcher --service")
	assert.Contains(t, unit, "WorkingDirectory=/opt/app")
	assert.Contains(t, unit, "Restart=on-failure")
	assert.Contains(t, unit, "RestartSec=10")
	assert.Contains(t, unit, "User=svc")
	assert.Contains(t, unit, "WantedBy=multi-user.target")

	move, ok := fake.find("mv /tmp/watcher-")
	require.True(t, ok, "staged unit should be moved into place")
	assert.True(t, move.Sudo, "the move into /etc needs sudo")
	assert.Equal(t, watcherUnitPath, move.Args[1])

	reload, ok := fake.find("systemctl daemon-reload")
	require.True(t, ok)
	assert.True(t, reload.Sudo)

	_, enabled := fake.find("systemctl enable watcher")
	assert.True(t, enabled, "Automatic startup should enable the unit")

	_, started := fake.find("systemctl start watcher")
	assert.True(t, started)
}

func TestLinuxInstallManualSkipsEnable(t *testing.T) {
	fake := linuxFake()
	opts := watcherOptions()
	opts.StartupType = StartupManual
	manager := newLinuxManager(t, fake, opts)

	require.NoError(t, manager.Install(context.Background()))

	_, enabled := fake.find("systemctl enable")
	assert.False(t, enabled, "Manual startup must not enable the unit")
}

func TestLinuxInstallDependenciesJoinAfter(t *testing.T) {
	fake := linuxFake()
	opts := watcherOptions()
	opts.Dependencies = []string{"postgresql.service"}
	manager := newLinuxManager(t, fake, opts)

	require.NoError(t, manager.Install(context.Background()))

	write, ok := fake.find("tee /tmp/watcher-")
	require.True(t, ok)
	assert.Contains(t, write.Stdin, "After=network.target postgresql.service")
}

func TestLinuxInstallAlreadyRegistered(t *testing.T) {
	fake := linuxFake()
	fake.respond("test -e "+watcherUnitPath, cm.CommandResult{ExitCode: 0}, nil)
	manager := newLinuxManager(t, fake, watcherOptions())

	err := manager.Install(context.Background())
	assert.Equal(t, ErrAlreadyRegistered, Kind(err))

	_, wrote := fake.find("tee")
	assert.False(t, wrote, "no unit should be written when one already exists")
}

func TestLinuxInstallReuseExisting(t *testing.T) {
	fake := linuxFake()
	fake.respond("test -e "+watcherUnitPath, cm.CommandResult{ExitCode: 0}, nil)
	opts := watcherOptions()
	opts.ReuseExisting = true
	manager := newLinuxManager(t, fake, opts)

	require.NoError(t, manager.Install(context.Background()))

	_, wrote := fake.find("tee")
	assert.False(t, wrote, "reuse must not rewrite the unit")
	_, started := fake.find("systemctl start watcher")
	assert.True(t, started, "reuse should still ensure the unit is started")
}

func TestLinuxInstallEnableFailureDoesNotFailInstall(t *testing.T) {
	fake := linuxFake()
	fake.respond("systemctl enable watcher",
		cm.CommandResult{ExitCode: 1, STDERR: "Failed to enable unit\n"}, nil)
	manager := newLinuxManager(t, fake, watcherOptions())

	assert.NoError(t, manager.Install(context.Background()))
}

func TestLinuxInstallStartFailureLeavesUnitBehind(t *testing.T) {
	fake := linuxFake()
	fake.respond("systemctl start watcher",
		cm.CommandResult{Command: "systemctl", ExitCode: 1, STDERR: "Job for watcher.service failed\n"}, nil)
	manager := newLinuxManager(t, fake, watcherOptions())

	err := manager.Install(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrNativeToolFailure, Kind(err))

	// The unit was still written and moved into place for inspection.
	_, wrote := fake.find("tee /tmp/watcher-")
	assert.True(t, wrote)
	_, moved := fake.find("mv /tmp/watcher-")
	assert.True(t, moved)

	// A later status query sees it as installed and stopped, not missing.
	fake.respond("test -e "+watcherUnitPath, cm.CommandResult{ExitCode: 0}, nil)
	fake.respond("systemctl is-active watcher", cm.CommandResult{STDOUT: "inactive\n", ExitCode: 3}, nil)
	status := manager.Status(context.Background())
	assert.Equal(t, StateStopped, status.State)
}

func TestLinuxInstallMoveFailureIsPrivilegeDenied(t *testing.T) {
	fake := linuxFake()
	fake.respond("mv", cm.CommandResult{ExitCode: 1, STDERR: "mv: cannot move: Permission denied\n"}, nil)
	manager := newLinuxManager(t, fake, watcherOptions())

	err := manager.Install(context.Background())
	assert.Equal(t, ErrPrivilegeDenied, Kind(err))
}

func TestLinuxUninstallNeverInstalled(t *testing.T) {
	fake := linuxFake()
	manager := newLinuxManager(t, fake, watcherOptions())

	require.NoError(t, manager.Uninstall(context.Background()))
	assert.Equal(t, []string{"test -e " + watcherUnitPath}, fake.lines(),
		"a missing unit must cause no further tool calls")
}

func TestLinuxUninstallFlow(t *testing.T) {
	fake := linuxFake()
	fake.respond("test -e "+watcherUnitPath, cm.CommandResult{ExitCode: 0}, nil)
	// A stop failure is tolerated; removal decides the outcome.
	fake.respond("systemctl stop watcher",
		cm.CommandResult{ExitCode: 1, STDERR: "Job canceled\n"}, nil)
	manager := newLinuxManager(t, fake, watcherOptions())

	require.NoError(t, manager.Uninstall(context.Background()))

	remove, ok := fake.find("rm -f " + watcherUnitPath)
	require.True(t, ok, "unit file should be deleted, calls: %v", fake.lines())
	assert.True(t, remove.Sudo)

	_, reloaded := fake.find("systemctl daemon-reload")
	assert.True(t, reloaded)
}

func TestLinuxStartStopIdempotent(t *testing.T) {
	// systemctl start and stop succeed on already started/stopped units, so
	// idempotence falls out of exit code zero.
	fake := linuxFake()
	manager := newLinuxManager(t, fake, watcherOptions())

	assert.NoError(t, manager.Start(context.Background()))
	assert.NoError(t, manager.Stop(context.Background()))
}

func TestLinuxStartFailure(t *testing.T) {
	fake := linuxFake()
	fake.respond("systemctl start watcher",
		cm.CommandResult{Command: "systemctl", ExitCode: 5, STDERR: "Unit watcher.service not found.\n"}, nil)
	manager := newLinuxManager(t, fake, watcherOptions())

	err := manager.Start(context.Background())
	assert.Equal(t, ErrNativeToolFailure, Kind(err))
}

func TestLinuxStatusMappings(t *testing.T) {
	tests := []struct {
		name      string
		result    cm.CommandResult
		wantState State
	}{
		{
			name:      "active means running",
			result:    cm.CommandResult{STDOUT: "active\n", ExitCode: 0},
			wantState: StateRunning,
		},
		{
			name:      "inactive means stopped",
			result:    cm.CommandResult{STDOUT: "inactive\n", ExitCode: 3},
			wantState: StateStopped,
		},
		{
			name:      "unknown unit phrase means not installed",
			result:    cm.CommandResult{STDERR: "Unit watcher.service could not be found.\n", ExitCode: 4},
			wantState: StateNotInstalled,
		},
		{
			name:      "garbled output degrades to unknown",
			result:    cm.CommandResult{STDOUT: "flagrant nonsense\n", ExitCode: 0},
			wantState: StateUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := linuxFake()
			fake.respond("test -e "+watcherUnitPath, cm.CommandResult{ExitCode: 0}, nil)
			fake.respond("systemctl is-active watcher", tt.result, nil)
			manager := newLinuxManager(t, fake, watcherOptions())

			status := manager.Status(context.Background())
			assert.Equal(t, tt.wantState, status.State)
			assert.NotEmpty(t, status.Message)
		})
	}
}

func TestLinuxStatusMissingUnitFile(t *testing.T) {
	fake := linuxFake()
	manager := newLinuxManager(t, fake, watcherOptions())

	status := manager.Status(context.Background())
	assert.Equal(t, StateNotInstalled, status.State)
}

func TestLinuxStatusNeverPanicsOnTransportFailure(t *testing.T) {
	fake := linuxFake()
	fake.respond("test -e "+watcherUnitPath, cm.CommandResult{ExitCode: 0}, nil)
	fake.respond("systemctl is-active watcher", cm.CommandResult{}, context.DeadlineExceeded)
	manager := newLinuxManager(t, fake, watcherOptions())

	status := manager.Status(context.Background())
	assert.Equal(t, StateUnknown, status.State)
	assert.NotEmpty(t, status.Message)
}

func TestLinuxStatusDetails(t *testing.T) {
	fake := linuxFake()
	fake.respond("test -e "+watcherUnitPath, cm.CommandResult{ExitCode: 0}, nil)
	fake.respond("systemctl is-active watcher", cm.CommandResult{STDOUT: "active\n", ExitCode: 0}, nil)
	fake.respond("systemctl is-enabled watcher", cm.CommandResult{STDOUT: "enabled\n", ExitCode: 0}, nil)
	fake.respond("systemctl show -p MainPID -p ActiveEnterTimestamp watcher",
		cm.CommandResult{STDOUT: "MainPID=4242\nActiveEnterTimestamp=Mon 2026-08-24 10:11:12 UTC\n", ExitCode: 0}, nil)
	manager := newLinuxManager(t, fake, watcherOptions())

	status := manager.Status(context.Background())
	assert.Equal(t, StateRunning, status.State)
	assert.Equal(t, string(StartupAutomatic), status.StartupType)
	assert.Equal(t, 4242, status.PID)

	expected := time.Date(2026, time.August, 24, 10, 11, 12, 0, time.UTC)
	assert.True(t, status.StartedAt.Equal(expected), "got %v", status.StartedAt)
}

func TestLinuxStatusDisabledUnit(t *testing.T) {
	fake := linuxFake()
	fake.respond("test -e "+watcherUnitPath, cm.CommandResult{ExitCode: 0}, nil)
	fake.respond("systemctl is-active watcher", cm.CommandResult{STDOUT: "inactive\n", ExitCode: 3}, nil)
	fake.respond("systemctl is-enabled watcher", cm.CommandResult{STDOUT: "disabled\n", ExitCode: 1}, nil)
	manager := newLinuxManager(t, fake, watcherOptions())

	status := manager.Status(context.Background())
	assert.Equal(t, StateStopped, status.State)
	assert.Equal(t, string(StartupManual), status.StartupType)
}

func TestParseProperties(t *testing.T) {
	properties := parseProperties("MainPID=100\nActiveEnterTimestamp=\nMalformed line\n")
	assert.Equal(t, "100", properties["MainPID"])
	assert.Equal(t, "", properties["ActiveEnterTimestamp"])
	if _, ok := properties["Malformed line"]; ok {
		t.Error("lines without a separator must be skipped")
	}
}

func TestLinuxQueriesDoNotUseSudo(t *testing.T) {
	fake := linuxFake()
	fake.respond("test -e "+watcherUnitPath, cm.CommandResult{ExitCode: 0}, nil)
	fake.respond("systemctl is-active watcher", cm.CommandResult{STDOUT: "active\n", ExitCode: 0}, nil)
	manager := newLinuxManager(t, fake, watcherOptions())

	manager.Status(context.Background())

	if call, ok := fake.find("systemctl is-active"); assert.True(t, ok) {
		assert.False(t, call.Sudo, "status queries must not escalate")
	}
}
