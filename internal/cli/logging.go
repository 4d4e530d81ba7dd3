package cli

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger from log.level and log.json. Each -v
// raises the level by one step past the configured one; quiet forces
// error.
func NewLogger(cfg LogConfig, verbosity int, quiet bool, w io.Writer) (*logrus.Logger, error) {
	level := logrus.WarnLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		level = parsed
	}
	level += logrus.Level(verbosity)
	if level > logrus.TraceLevel {
		level = logrus.TraceLevel
	}
	if quiet {
		level = logrus.ErrorLevel
	}

	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(level)
	if cfg.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	}
	return log, nil
}
