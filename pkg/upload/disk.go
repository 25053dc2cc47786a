package upload

import (
	"io"
	"os"
	"path/filepath"
)

// DiskSink lands uploads on the local filesystem under <dir>/<uploadId>.part
// while receiving, renaming to <dir>/<uploadId> on Finalize, per the
// temp-sink layout the runtime documents for its working directory.
type DiskSink struct {
	dir string
}

// NewDiskSink creates the sink's directory if it does not already exist.
func NewDiskSink(dir string) (*DiskSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskSink{dir: dir}, nil
}

func (s *DiskSink) partPath(uploadID string) string {
	return filepath.Join(s.dir, uploadID+".part")
}

func (s *DiskSink) finalPath(uploadID string) string {
	return filepath.Join(s.dir, uploadID)
}

// Create opens the .part file for writing, truncating any stale remnant
// left by a prior crashed run under the same uploadID.
func (s *DiskSink) Create(uploadID string) (io.WriteCloser, error) {
	return os.OpenFile(s.partPath(uploadID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

// Finalize renames the staged .part file to its permanent name and returns
// that final path.
func (s *DiskSink) Finalize(uploadID string) (string, error) {
	final := s.finalPath(uploadID)
	if err := os.Rename(s.partPath(uploadID), final); err != nil {
		return "", err
	}
	return final, nil
}

// Remove deletes the staged .part file, ignoring a missing file.
func (s *DiskSink) Remove(uploadID string) error {
	err := os.Remove(s.partPath(uploadID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
