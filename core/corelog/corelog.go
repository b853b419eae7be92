// Package corelog wraps gopkg.in/op/go-logging.v1 the way the plugin
// and daemon code elsewhere in this tree's lineage wires up a named
// logger per component (wire, reassembly, dedup, device, bridge,
// operator, transport).
package corelog

import (
	"fmt"
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

// Backend owns the process-wide logging backend and hands out named
// loggers to callers, mirroring the logBackend.GetLogger(name) idiom.
type Backend struct {
	backend logging.LeveledBackend
}

// New builds a Backend writing to w at the given level ("DEBUG",
// "INFO", "WARNING", "ERROR", "CRITICAL"). An unparseable level falls
// back to INFO.
func New(w *os.File, level string) *Backend {
	format := logging.MustStringFormatter(
		`%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`,
	)
	backend := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)

	lvl, err := logging.LogLevel(level)
	if err != nil {
		lvl = logging.INFO
	}
	leveled.SetLevel(lvl, "")
	return &Backend{backend: leveled}
}

// GetLogger returns a named logger backed by this Backend.
func (b *Backend) GetLogger(name string) *logging.Logger {
	log := logging.MustGetLogger(name)
	log.SetBackend(b.backend)
	return log
}

// Redacted formats a secret's length rather than its value, for boot
// logs that must not leak tokens or passwords.
func Redacted(s string) string {
	return fmt.Sprintf("<%d bytes>", len(s))
}
