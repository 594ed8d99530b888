package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/ini.v1"

	"github.com/vigilops/vigil/logger"
	cm "github.com/vigilops/vigil/vigil/commandmanager"
	sm "github.com/vigilops/vigil/vigil/servicemanager"
)

var version = "dev"

var (
	configPath         string
	auditPath          string
	debug              bool
	remoteHost         string
	sshUser            string
	passwordPrompt     bool
	keyPassPrompt      bool
	sudoPasswordPrompt bool
	reuseExisting      bool
	opTimeout          time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Manage the vigil worker as a platform service",
	Long: `vigil registers the vigil worker as a background service on Windows,
Linux, or macOS and drives its lifecycle through the platform's native
service tooling. Linux and macOS hosts can also be managed remotely over
SSH with --host.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Configure(debug)
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the vigil version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vigil %s\n", version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "vigil.ini", "Path to the service definition file")
	rootCmd.PersistentFlags().StringVar(&auditPath, "audit-log", "vigil-audit.log", "Path to the audit log file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug log level")
	rootCmd.PersistentFlags().StringVar(&remoteHost, "host", "", "Manage a remote host over SSH instead of this machine")
	rootCmd.PersistentFlags().StringVar(&sshUser, "ssh-user", "", "Username for the SSH connection")
	rootCmd.PersistentFlags().BoolVar(&passwordPrompt, "password", false, "Prompt for an SSH password")
	rootCmd.PersistentFlags().BoolVar(&keyPassPrompt, "keypass", false, "Prompt for an SSH key passphrase")
	rootCmd.PersistentFlags().BoolVar(&sudoPasswordPrompt, "sudo-password", false, "Prompt for a sudo password")
	rootCmd.PersistentFlags().DurationVar(&opTimeout, "timeout", 5*time.Minute, "Timeout for a single lifecycle operation")

	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadInstallOptions reads the [service] section of the definition file.
func loadInstallOptions(path string) (sm.InstallOptions, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return sm.InstallOptions{}, fmt.Errorf("loading service definition: %w", err)
	}

	section := cfg.Section("service")
	startupType, err := sm.ParseStartupType(section.Key("startup").String())
	if err != nil {
		return sm.InstallOptions{}, fmt.Errorf("loading service definition: %w", err)
	}

	return sm.InstallOptions{
		ServiceName:         section.Key("name").String(),
		DisplayName:         section.Key("display_name").String(),
		Description:         section.Key("description").String(),
		ExecutablePath:      section.Key("executable").String(),
		StartupType:         startupType,
		DelayedAutoStart:    section.Key("delayed_start").MustBool(false),
		RestartAttempts:     section.Key("restart_attempts").MustInt(3),
		RestartDelaySeconds: section.Key("restart_delay_seconds").MustInt(5),
		Dependencies:        section.Key("dependencies").Strings(","),
		ReuseExisting:       section.Key("reuse_existing").MustBool(false),
	}, nil
}

// buildManager assembles the service manager for this invocation, local by
// default or over SSH when --host is set.
func buildManager(opts sm.InstallOptions) (sm.ServiceManager, error) {
	sudoPassword := ""
	if sudoPasswordPrompt {
		sudoPassword = readSecret("Enter the sudo password: ")
	}

	if remoteHost == "" {
		var options []sm.Option
		if sudoPassword != "" {
			options = append(options, sm.WithSudoPassword(sudoPassword))
		}
		return sm.New(opts, options...)
	}

	password := ""
	if passwordPrompt {
		password = readSecret("Enter the password: ")
	}
	keyPass := ""
	if keyPassPrompt {
		keyPass = readSecret("Enter the key passphrase: ")
	}

	username := sshUser
	if username == "" {
		if current, err := user.Current(); err == nil {
			username = current.Username
		}
	}

	manager := &cm.SSHCommandManager{
		Hostname: remoteHost,
		Dialer:   cm.RealSSHDialer{},
		Credentials: cm.Credentials{
			User:          username,
			Password:      password,
			KeyPassphrase: keyPass,
			SudoPassword:  sudoPassword,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return sm.NewRemote(ctx, opts, manager)
}

func readSecret(prompt string) string {
	fmt.Print(prompt)
	secretBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		slog.Error("Failed to read secret", "error", err)
		return ""
	}
	fmt.Println()
	return string(secretBytes)
}

// recordAudit appends one line per lifecycle operation to the audit file.
func recordAudit(op, serviceName string, opErr error) {
	audit, err := logger.NewAuditLogger(auditPath)
	if err != nil {
		slog.Warn("Could not open audit log", "path", auditPath, "error", err)
		return
	}

	entry := audit.WithFields(logrus.Fields{
		"operation": op,
		"service":   serviceName,
		"host":      hostLabel(),
	})
	if opErr != nil {
		entry.WithField("error", opErr.Error()).Error("operation failed")
	} else {
		entry.Info("operation succeeded")
	}
}

func hostLabel() string {
	if remoteHost != "" {
		return remoteHost
	}
	return "localhost"
}
