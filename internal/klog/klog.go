// Package klog is the one place keelbase touches a logging library. Every other package gets its
// own tagged logger via Component and never imports logrus directly.
package klog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl := os.Getenv("KEELBASE_LOG_LEVEL"); lvl != "" {
		if parsed, err := logrus.ParseLevel(lvl); err == nil {
			l.SetLevel(parsed)
		}
	}
	return l
}

// Component returns a logger tagged with component=name, e.g. klog.Component("buffer").
func Component(name string) *logrus.Entry {
	return base.WithField("component", name)
}

// SetLevel adjusts the base logger's level; used by tests that want to quiet the engine down or
// turn on debug output for a single run.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}
