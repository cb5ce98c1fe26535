// Package marker implements persisted boolean flags backed by sentinel files.
//
// A marker exists iff its file exists. Writes go through a temp file and rename,
// so a crash never leaves a partially written marker behind. Markers assume a
// single writer; there is no locking beyond the filesystem's own atomicity.
package marker

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gpuboot/internal/common/fsutil"
)

// Marker is a sentinel file at Path.
type Marker struct {
	Path string
}

// New returns a Marker for path.
func New(path string) Marker { return Marker{Path: path} }

// Exists reports whether the marker file is present.
func (m Marker) Exists() (bool, error) {
	_, err := os.Stat(m.Path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat marker %s: %w", m.Path, err)
}

// Set creates (or replaces) the marker with the given note as content.
func (m Marker) Set(note string) error {
	if err := fsutil.WriteFileAtomic(m.Path, []byte(note+"\n"), 0o644); err != nil {
		return fmt.Errorf("set marker %s: %w", m.Path, err)
	}
	return nil
}

// Read returns the marker's note. ok is false when the marker is absent.
func (m Marker) Read() (note string, ok bool, err error) {
	b, err := os.ReadFile(m.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read marker %s: %w", m.Path, err)
	}
	return strings.TrimSpace(string(b)), true, nil
}

// Clear removes the marker. Clearing an absent marker is not an error.
func (m Marker) Clear() error {
	if err := os.Remove(m.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear marker %s: %w", m.Path, err)
	}
	return nil
}

// Consume reads and then deletes the marker. The delete completes before
// Consume returns, so callers acting on ok=true never observe the marker again.
func (m Marker) Consume() (note string, ok bool, err error) {
	note, ok, err = m.Read()
	if err != nil || !ok {
		return note, ok, err
	}
	if err := m.Clear(); err != nil {
		return "", false, err
	}
	return note, true, nil
}
