// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"taskboard/internal/config"
)

// New returns a JSON logger at cfg.LogLevel. With cfg.LogFile set, output goes
// to a rotating file instead of stderr; the returned closer releases it.
func New(cfg config.Config) (*log.Logger, io.Closer, error) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	logger.SetLevel(level)

	var closer io.Closer = nopCloser{}
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
		logger.SetOutput(file)
		closer = file
	} else {
		logger.SetOutput(os.Stderr)
	}
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
