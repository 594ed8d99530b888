// Package filemanager performs the file operations vigil needs around service
// descriptors. Everything goes through a CommandManager rather than the os
// package so the same code works whether the target host is local or reached
// over SSH.
package filemanager

import (
	"context"
	"fmt"
	"strings"

	cm "github.com/vigilops/vigil/vigil/commandmanager"
)

// FileManager runs file and directory operations through a command manager.
type FileManager struct {
	CommandManager cm.CommandManager
}

// WriteFile writes content to path, creating or truncating it. Sudo is for
// destinations the invoking user cannot write to directly.
func (fm *FileManager) WriteFile(ctx context.Context, path, content string, sudo bool) error {
	config := cm.CommandConfig{
		Command: "tee",
		Args:    []string{path},
		Stdin:   content,
		Sudo:    sudo,
	}
	result, err := fm.CommandManager.Run(ctx, config)
	return handleCommandResult("write "+path, result, err)
}

// MoveFile renames sourcePath to destPath.
func (fm *FileManager) MoveFile(ctx context.Context, sourcePath, destPath string, sudo bool) error {
	config := cm.CommandConfig{
		Command: "mv",
		Args:    []string{sourcePath, destPath},
		Sudo:    sudo,
	}
	result, err := fm.CommandManager.Run(ctx, config)
	return handleCommandResult("move "+sourcePath, result, err)
}

// DeleteFile removes path. A file that is already gone is not an error.
func (fm *FileManager) DeleteFile(ctx context.Context, path string, sudo bool) error {
	config := cm.CommandConfig{
		Command: "rm",
		Args:    []string{"-f", path},
		Sudo:    sudo,
	}
	result, err := fm.CommandManager.Run(ctx, config)
	return handleCommandResult("delete "+path, result, err)
}

// MakeDir creates path along with any missing parents.
func (fm *FileManager) MakeDir(ctx context.Context, path string, sudo bool) error {
	config := cm.CommandConfig{
		Command: "mkdir",
		Args:    []string{"-p", path},
		Sudo:    sudo,
	}
	result, err := fm.CommandManager.Run(ctx, config)
	return handleCommandResult("create directory "+path, result, err)
}

// Exists reports whether path exists on the target host. The error is
// non-nil only when the check itself could not be run.
func (fm *FileManager) Exists(ctx context.Context, path string) (bool, error) {
	config := cm.CommandConfig{
		Command: "test",
		Args:    []string{"-e", path},
	}
	result, err := fm.CommandManager.Run(ctx, config)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", path, err)
	}
	return result.Succeeded(), nil
}

func handleCommandResult(op string, result cm.CommandResult, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !result.Succeeded() {
		detail := strings.TrimSpace(result.STDERR)
		if detail == "" {
			detail = fmt.Sprintf("exit code %d", result.ExitCode)
		}
		return fmt.Errorf("%s: %s", op, detail)
	}
	return nil
}
