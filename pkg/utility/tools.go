package utility

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

func MakeDirIfNotExists(dirpath string) error {
	if _, err := os.Stat(dirpath); os.IsNotExist(err) {
		err := os.MkdirAll(dirpath, os.ModeDir|0o755)
		if err != nil {
			return err
		}
	}
	return nil
}

// EnsureParentDir creates the directory holding path. In-memory database
// names and bare file names need nothing.
func EnsureParentDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return MakeDirIfNotExists(dir)
}

// NewRequestID returns an id used to correlate a notification across the
// log and the journal.
func NewRequestID() string {
	return uuid.New().String()
}
