// Package logger configures the process wide logrus logger.
package logger

import (
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// Setup sets the level, format and output of the standard logrus logger.
// A nil w keeps the current output.
func Setup(level, format string, w io.Writer) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "log level %q", level)
	}

	switch format {
	case "", FormatText:
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	case FormatJSON:
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	default:
		return errors.Errorf("unknown log format %q", format)
	}

	log.SetLevel(lvl)
	if w != nil {
		log.SetOutput(w)
	}
	return nil
}
