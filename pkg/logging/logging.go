// Package logging builds the daemon's log sink.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ebobo/uplink_failover_go/pkg/utility"
)

// Setup returns a logger writing to stdout and, when path is set, appending
// to path. The returned closer releases the file.
func Setup(path, level string) (*logrus.Logger, io.Closer, error) {
	return setup(os.Stdout, path, level)
}

func setup(stdout io.Writer, path, level string) (*logrus.Logger, io.Closer, error) {
	lvl := logrus.InfoLevel
	if level != "" {
		var err error
		if lvl, err = logrus.ParseLevel(level); err != nil {
			return nil, nil, err
		}
	}

	logger := logrus.New()
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		DisableColors:   true,
	})

	if path == "" {
		logger.SetOutput(stdout)
		return logger, nopCloser{}, nil
	}

	if err := utility.EnsureParentDir(path); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(stdout, f))
	return logger, f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
