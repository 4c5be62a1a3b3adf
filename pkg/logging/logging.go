// Package logging configures the process-wide logrus logger.
package logging

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup applies the level and output format to the standard logger.
// Unknown levels fall back to info; format "json" selects the JSON formatter.
func Setup(level, format string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logrus.Infof("Log level set to: %s", logrus.GetLevel().String())
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
