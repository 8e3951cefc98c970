package logutils

import (
	"github.com/sirupsen/logrus"
)

// Log is the shared application logger.
var Log = logrus.New()

// Fields is the type of logrus.Fields.
type Fields = logrus.Fields

func init() {
	Log.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	})
}

// SetLevel applies a textual log level ("debug", "info", "warn", "error").
// Unknown values fall back to info.
func SetLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	Log.SetLevel(parsed)
}
