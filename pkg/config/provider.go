package config

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Provider hands out the configuration currently in force.
type Provider interface {
	Current() Config
}

// Static is a Provider that never changes.
type Static Config

func (s Static) Current() Config {
	return Config(s)
}

// FileProvider re-reads a yaml file whenever its modification time changes.
// A file that fails to load keeps the last good configuration in force.
type FileProvider struct {
	path string
	log  logrus.FieldLogger

	mu      sync.Mutex
	current Config
	modTime time.Time
	size    int64
}

// NewFileProvider loads path once and fails if that first load fails.
func NewFileProvider(path string, log logrus.FieldLogger) (*FileProvider, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	p := &FileProvider{path: path, log: log, current: cfg}
	if info, err := os.Stat(path); err == nil {
		p.modTime = info.ModTime()
		p.size = info.Size()
	}
	return p, nil
}

// Current returns the configuration, reloading it first if the file changed.
func (p *FileProvider) Current() Config {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := os.Stat(p.path)
	if err != nil {
		return p.current
	}
	if info.ModTime().Equal(p.modTime) && info.Size() == p.size {
		return p.current
	}
	p.modTime = info.ModTime()
	p.size = info.Size()

	cfg, err := Load(p.path)
	if err != nil {
		p.log.WithError(err).Warn("config reload failed, keeping previous configuration")
		return p.current
	}
	p.log.WithField("path", p.path).Info("configuration reloaded")
	p.current = cfg
	return p.current
}
