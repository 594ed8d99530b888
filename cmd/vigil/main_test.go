package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	sm "github.com/vigilops/vigil/vigil/servicemanager"
)

func writeDefinition(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vigil.ini")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write definition file: %v", err)
	}
	return path
}

func TestLoadInstallOptions(t *testing.T) {
	path := writeDefinition(t, `[service]
name=Watcher
display_name=Watcher Service
description=Watches the application directory
executable=/opt/app/watcher
startup=automatic
delayed_start=true
restart_attempts=5
restart_delay_seconds=30
dependencies=network-online.target,postgresql.service
reuse_existing=true`)

	opts, err := loadInstallOptions(path)
	if err != nil {
		t.Fatalf("Error loading service definition: %v", err)
	}

	expected := sm.InstallOptions{
		ServiceName:         "Watcher",
		DisplayName:         "Watcher Service",
		Description:         "Watches the application directory",
		ExecutablePath:      "/opt/app/watcher",
		StartupType:         sm.StartupAutomatic,
		DelayedAutoStart:    true,
		RestartAttempts:     5,
		RestartDelaySeconds: 30,
		Dependencies:        []string{"network-online.target", "postgresql.service"},
		ReuseExisting:       true,
	}
	if !reflect.DeepEqual(opts, expected) {
		t.Errorf("Expected %+v, got %+v", expected, opts)
	}
}

func TestLoadInstallOptionsDefaults(t *testing.T) {
	path := writeDefinition(t, `[service]
name=Watcher
executable=/opt/app/watcher`)

	opts, err := loadInstallOptions(path)
	if err != nil {
		t.Fatalf("Error loading service definition: %v", err)
	}

	if opts.StartupType != sm.StartupAutomatic {
		t.Errorf("Expected automatic startup, got %q", opts.StartupType)
	}
	if opts.RestartAttempts != 3 {
		t.Errorf("Expected 3 restart attempts, got %d", opts.RestartAttempts)
	}
	if opts.RestartDelaySeconds != 5 {
		t.Errorf("Expected 5 second restart delay, got %d", opts.RestartDelaySeconds)
	}
	if opts.DelayedAutoStart || opts.ReuseExisting {
		t.Errorf("Expected boolean options to default to false, got %+v", opts)
	}
}

func TestLoadInstallOptionsBadStartup(t *testing.T) {
	path := writeDefinition(t, `[service]
name=Watcher
executable=/opt/app/watcher
startup=eventually`)

	if _, err := loadInstallOptions(path); err == nil {
		t.Error("Expected an error for an unknown startup type")
	}
}

func TestLoadInstallOptionsMissingFile(t *testing.T) {
	if _, err := loadInstallOptions(filepath.Join(t.TempDir(), "absent.ini")); err == nil {
		t.Error("Expected an error for a missing definition file")
	}
}

func TestRenderStatus(t *testing.T) {
	out := renderStatus("Watcher", sm.ServiceStatus{
		State:       sm.StateRunning,
		StartupType: string(sm.StartupAutomatic),
		PID:         4242,
		StartedAt:   time.Date(2026, time.August, 24, 10, 11, 12, 0, time.UTC),
	})

	for _, want := range []string{"Watcher", "running", "Automatic", "4242", "Mon, 24 Aug 2026"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected status output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestRenderStatusMessageOnly(t *testing.T) {
	out := renderStatus("Watcher", sm.ServiceStatus{
		State:   sm.StateUnknown,
		Message: "could not query the service database",
	})

	if !strings.Contains(out, "could not query the service database") {
		t.Errorf("Expected the message line in:\n%s", out)
	}
	if strings.Contains(out, "PID") || strings.Contains(out, "Started:") {
		t.Errorf("Expected runtime lines to be omitted, got:\n%s", out)
	}
}
