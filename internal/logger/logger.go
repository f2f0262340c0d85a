package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var Logger *logrus.Logger

func init() {
	Logger = logrus.New()
	Logger.SetOutput(os.Stdout)
	Logger.SetFormatter(&logrus.JSONFormatter{}) // Use JSON format for structured logs
	Logger.SetLevel(logrus.InfoLevel)
}

// Configure sets the level and, when logFile is not empty, tees output into
// that file. The returned closer releases the file.
func Configure(level, logFile string) (io.Closer, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	if logFile == "" {
		return nopCloser{}, nil
	}

	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return nil, err
	}
	Logger.SetOutput(io.MultiWriter(os.Stdout, f))
	return f, nil
}

// LogEvent logs structured events
func LogEvent(level logrus.Level, message string, fields logrus.Fields) {
	Logger.WithFields(fields).Log(level, message)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
