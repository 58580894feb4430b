package libstem

import (
	"os"

	"github.com/sirupsen/logrus"
)

type logrusLogger struct {
	*logrus.Entry
}

// NewLogrusLogger adapts a logrus entry to Logger.
func NewLogrusLogger(entry *logrus.Entry) Logger {
	return logrusLogger{Entry: entry}
}

func (l logrusLogger) WithField(key string, value any) Logger {
	return logrusLogger{Entry: l.Entry.WithField(key, value)}
}

// NewLogger builds a logrus backed Logger from the log section of the config.
func NewLogger(cfg LogConfig) (Logger, error) {
	l := logrus.New()
	l.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	l.SetLevel(level)

	switch cfg.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return NewLogrusLogger(logrus.NewEntry(l)), nil
}
