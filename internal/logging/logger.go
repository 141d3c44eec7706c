// Package logging provides the structured logger shared by every component.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the structured logger type used throughout the gateway.
type Logger = *logrus.Logger

// Fields is a set of structured logging fields.
type Fields = logrus.Fields

// New creates a JSON-formatted logger at the level named by LOG_LEVEL
// (debug/info/warn/error, default info).
func New() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)
	logger.SetLevel(levelFromEnv())
	return logger
}

// NewWithComponent returns a logger with a "component" field bound to
// every entry it emits.
func NewWithComponent(component string) *logrus.Logger {
	logger := New()
	logger.AddHook(componentHook(component))
	return logger
}

// componentHook adds the "component" field to every entry it fires on.
type componentHook string

func (h componentHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h componentHook) Fire(entry *logrus.Entry) error {
	entry.Data["component"] = string(h)
	return nil
}

func levelFromEnv() logrus.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
