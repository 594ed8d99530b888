// Package logger wires up process-wide logging for vigil. Operational logs go
// through slog to stderr; lifecycle operations are additionally recorded in an
// append-only audit file through logrus.
package logger

import (
	"log/slog"
	"os"

	"github.com/sirupsen/logrus"
)

var programLevel = new(slog.LevelVar)

// Configure installs the default slog text handler on stderr. Debug widens
// the level so the full command trace becomes visible.
func Configure(debug bool) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
	slog.SetDefault(slog.New(handler))
	if debug {
		programLevel.Set(slog.LevelDebug)
	} else {
		programLevel.Set(slog.LevelInfo)
	}
}

// NewAuditLogger opens an append-only file logger used to record each
// lifecycle operation and its outcome. The file handle stays open for the
// lifetime of the process.
func NewAuditLogger(path string) (*logrus.Logger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, err
	}
	audit := logrus.New()
	audit.SetOutput(file)
	audit.SetLevel(logrus.InfoLevel)
	return audit, nil
}
