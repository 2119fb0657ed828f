package servientconfig

import (
	"io"
	"os"
	"path"

	"github.com/sirupsen/logrus"
)

// SetLogging configures the shared logrus logger: level from level
// ("error"|"warning"|"info"|"debug") and, when logFile is non-empty, a
// second writer alongside stderr so operators get both a live tail and a
// persisted log.
func SetLogging(level, logFile string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.WarnLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if logFile == "" {
		return nil
	}
	if err := os.MkdirAll(path.Dir(logFile), 0755); err != nil {
		logrus.Errorf("servientconfig.SetLogging: unable to create log folder: %s", err)
		return err
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logrus.Errorf("servientconfig.SetLogging: unable to open log file %q: %s", logFile, err)
		return err
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}
