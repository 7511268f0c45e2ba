// Package logging configures the process-wide structured logger.
package logging

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger at the given level, writing JSON-less text
// fields to stderr. level accepts any string logrus.ParseLevel understands
// ("debug", "info", "warn", "error"); an unrecognized level falls back to
// info rather than aborting startup over a log-level typo.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// Component returns a logger scoped with a component field, the convention
// used throughout internal/ so every line is attributable to its owner.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}

// WithErrorKind renders kind as a string suitable for a logrus field value.
func WithErrorKind(entry *logrus.Entry, kind fmt.Stringer) *logrus.Entry {
	return entry.WithField("error_kind", kind.String())
}
