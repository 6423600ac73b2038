package logging

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Init configures logrus with the given level for the whole process.
// It is called once at startup and again whenever the config is reloaded.
func Init(level string) {
	SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logrus.WithField("log_level", logrus.GetLevel().String()).Debug("Logger initialized")
}

// SetLevel changes the global level, falling back to info on a bad value.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
		logrus.WithError(err).Warn("Failed to parse log level, defaulting to info")
	}
	logrus.SetLevel(lvl)
}

// Module returns a logger entry tagged with the module name.
func Module(name string) *logrus.Entry {
	return logrus.WithField("module", name)
}
