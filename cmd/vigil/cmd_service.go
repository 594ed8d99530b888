package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	sm "github.com/vigilops/vigil/vigil/servicemanager"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Install, remove, and control the worker service",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Register the worker service and start it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runLifecycle("install", sm.ServiceManager.Install); err != nil {
			return err
		}
		fmt.Println("Service installed.")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop the worker service and remove its registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runLifecycle("uninstall", sm.ServiceManager.Uninstall); err != nil {
			return err
		}
		fmt.Println("Service uninstalled.")
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runLifecycle("start", sm.ServiceManager.Start); err != nil {
			return err
		}
		fmt.Println("Service started.")
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the worker service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runLifecycle("stop", sm.ServiceManager.Stop); err != nil {
			return err
		}
		fmt.Println("Service stopped.")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the worker service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadInstallOptions(configPath)
		if err != nil {
			return err
		}

		manager, err := buildManager(opts)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		status := manager.Status(ctx)
		recordAudit("status", opts.ServiceName, nil)
		fmt.Print(renderStatus(opts.ServiceName, status))
		return nil
	},
}

func init() {
	serviceInstallCmd.Flags().BoolVar(&reuseExisting, "reuse-existing", false,
		"Start the existing registration instead of failing when the service already exists")

	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

// runLifecycle wraps one service operation with option loading, manager
// construction, a timeout, and an audit record.
func runLifecycle(op string, action func(sm.ServiceManager, context.Context) error) error {
	opts, err := loadInstallOptions(configPath)
	if err != nil {
		return err
	}
	if reuseExisting {
		opts.ReuseExisting = true
	}

	manager, err := buildManager(opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	err = action(manager, ctx)
	recordAudit(op, opts.ServiceName, err)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, opts.ServiceName, err)
	}
	return nil
}

var stateStyles = map[sm.State]lipgloss.Style{
	sm.StateRunning:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	sm.StateStopped:      lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	sm.StateInstalled:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	sm.StateNotInstalled: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	sm.StateUnknown:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
}

func renderStatus(serviceName string, status sm.ServiceStatus) string {
	style, ok := stateStyles[status.State]
	if !ok {
		style = stateStyles[sm.StateUnknown]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Service:  %s\n", serviceName)
	fmt.Fprintf(&b, "State:    %s\n", style.Render(string(status.State)))
	if status.DisplayName != "" && status.DisplayName != serviceName {
		fmt.Fprintf(&b, "Display:  %s\n", status.DisplayName)
	}
	if status.StartupType != "" {
		fmt.Fprintf(&b, "Startup:  %s\n", status.StartupType)
	}
	if status.PID > 0 {
		fmt.Fprintf(&b, "PID:      %d\n", status.PID)
	}
	if !status.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Started:  %s\n", status.StartedAt.Format(time.RFC1123))
	}
	if status.Message != "" {
		fmt.Fprintf(&b, "Message:  %s\n", status.Message)
	}
	return b.String()
}
