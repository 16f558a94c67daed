// Package log builds the structured logger shared by every long-lived
// component of the controller and the bus daemon.
package log

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Options configures NewLogger. ConfigDir is where development.log is
// written when Debug is set; it may be empty (as busd leaves it), in
// which case debug output goes to stderr.
type Options struct {
	Component string
	Version   string
	Debug     bool
	ConfigDir string
}

// NewLogger returns a logger entry carrying static fields for the
// lifetime of the process. Debug builds log to <ConfigDir>/development.log
// at debug level; non-debug builds discard all output, mirroring the
// teacher's dev/prod split. Both use logrus.JSONFormatter.
func NewLogger(opts Options) *logrus.Entry {
	debug := opts.Debug || os.Getenv("DEBUG") == "TRUE"

	var base *logrus.Logger
	if debug {
		base = newDevelopmentLogger(opts.ConfigDir)
	} else {
		base = newProductionLogger()
	}
	base.Formatter = &logrus.JSONFormatter{}

	return base.WithFields(logrus.Fields{
		"component": opts.Component,
		"version":   opts.Version,
		"debug":     debug,
	})
}

func level() logrus.Level {
	lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logrus.DebugLevel
	}
	return lvl
}

func newDevelopmentLogger(configDir string) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level())

	if configDir == "" {
		l.SetOutput(os.Stderr)
		return l
	}

	path := filepath.Join(configDir, "development.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		l.SetOutput(os.Stderr)
		return l
	}
	l.SetOutput(file)
	return l
}

func newProductionLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	l.SetLevel(logrus.ErrorLevel)
	return l
}
