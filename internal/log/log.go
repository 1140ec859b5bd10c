package log

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetLevel(parseLevel(os.Getenv("LOG_LEVEL")))
	logger.SetFormatter(formatter("text"))
}

func parseLevel(level string) logrus.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return logrus.DebugLevel
	case "WARN", "WARNING":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func formatter(format string) logrus.Formatter {
	if strings.EqualFold(format, "json") {
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{
		FullTimestamp: true,
	}
}

// Configure sets the level (DEBUG, INFO, WARN, ERROR) and format (text or json) of the shared logger.
// An empty level keeps the one taken from LOG_LEVEL.
func Configure(level, format string) {
	if level != "" {
		logger.SetLevel(parseLevel(level))
	}
	logger.SetFormatter(formatter(format))
}

// SetOutput redirects the shared logger, e.g. to a file or io.Discard in tests.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}
