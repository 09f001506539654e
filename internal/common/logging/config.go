package logging

import (
	"io"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config defines the console logging configuration.
type Config struct {
	// Log level, e.g. info, warn, debug
	Level string
	// Logging format, either text or json
	Format string
}

// Configure sets up the standard logrus logger according to config, writing to out.
// Empty fields fall back to info level and text format.
func Configure(config Config, out io.Writer) error {
	level := log.InfoLevel
	if config.Level != "" {
		parsed, err := log.ParseLevel(config.Level)
		if err != nil {
			return errors.WithStack(err)
		}
		level = parsed
	}

	switch strings.ToLower(config.Format) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q, expected text or json", config.Format)
	}

	log.SetLevel(level)
	log.SetOutput(out)
	return nil
}
