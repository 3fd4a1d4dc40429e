package scheduler

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// Pause creates the pause marker. Batches stop before their next document
// until the marker is removed. Pausing twice is not an error.
func Pause(path string) error {
	stamp := []byte(time.Now().Format(time.RFC3339) + "\n")
	if err := os.WriteFile(path, stamp, 0o644); err != nil {
		return fmt.Errorf("create pause marker: %w", err)
	}
	return nil
}

// Resume removes the pause marker. It reports whether indexing was paused.
func Resume(path string) (bool, error) {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove pause marker: %w", err)
	}
	return true, nil
}

// IsPaused reports whether the pause marker at path exists.
func IsPaused(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
