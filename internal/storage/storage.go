// Package storage is the byte sink/source for DICOM objects, keyed by image
// id. Writes are staged to random temp names and promoted with an atomic
// rename, so a reader never observes a half-written object.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Storage is the capability set the transfer engines need from an object
// store.
type Storage interface {
	// FileSource opens the stored bytes for an image.
	FileSource(imageID int64) (io.ReadCloser, error)
	// FileSink opens a writer to the given storage path.
	FileSink(path string) (io.WriteCloser, error)
	// Move atomically promotes src to dst within the backend.
	Move(src, dst string) error
	// DeleteFromStorage removes the objects for the given images.
	DeleteFromStorage(imageIDs []int64) error
	// DeleteByName removes objects by storage path.
	DeleteByName(paths []string) error
	// ImageName maps an image id to its storage path.
	ImageName(imageID int64) string
	// TempName returns a fresh random staging path.
	TempName() string
	// ScheduleCleanup deletes the given temp paths after a delay, giving
	// the OS time to settle open handles after a failed pipeline.
	ScheduleCleanup(paths []string, delay time.Duration)
}

// FileStorage stores objects as flat files under a root directory.
type FileStorage struct {
	root string
}

// NewFileStorage creates the root directory if needed.
func NewFileStorage(root string) (*FileStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &FileStorage{root: root}, nil
}

// ImageName returns the flat file name for an image id.
func (s *FileStorage) ImageName(imageID int64) string {
	return strconv.FormatInt(imageID, 10)
}

// TempName returns a fresh tmp-<uuid> staging path.
func (s *FileStorage) TempName() string {
	return "tmp-" + uuid.New().String()
}

// FileSource opens the stored object for reading.
func (s *FileStorage) FileSource(imageID int64) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, s.ImageName(imageID)))
	if err != nil {
		return nil, fmt.Errorf("storage: open image %d: %w", imageID, err)
	}
	return f, nil
}

// FileSink opens a writer to the given path, truncating any previous
// content.
func (s *FileStorage) FileSink(path string) (io.WriteCloser, error) {
	f, err := os.Create(filepath.Join(s.root, path))
	if err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", path, err)
	}
	return f, nil
}

// Move renames src onto dst. Rename is atomic within one file system.
func (s *FileStorage) Move(src, dst string) error {
	if err := os.Rename(filepath.Join(s.root, src), filepath.Join(s.root, dst)); err != nil {
		return fmt.Errorf("storage: move %s to %s: %w", src, dst, err)
	}
	return nil
}

// DeleteFromStorage removes the objects for the given images. Missing
// objects are not an error.
func (s *FileStorage) DeleteFromStorage(imageIDs []int64) error {
	paths := make([]string, len(imageIDs))
	for i, id := range imageIDs {
		paths[i] = s.ImageName(id)
	}
	return s.DeleteByName(paths)
}

// DeleteByName removes objects by path. Missing objects are not an error.
func (s *FileStorage) DeleteByName(paths []string) error {
	for _, p := range paths {
		if err := os.Remove(filepath.Join(s.root, p)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("storage: delete %s: %w", p, err)
		}
	}
	return nil
}

// ScheduleCleanup deletes temp paths after the delay in the background.
func (s *FileStorage) ScheduleCleanup(paths []string, delay time.Duration) {
	if len(paths) == 0 {
		return
	}
	time.AfterFunc(delay, func() {
		if err := s.DeleteByName(paths); err != nil {
			log.WithFields(log.Fields{"subsystem": "storage", "paths": paths}).
				WithError(err).Warn("temp cleanup failed")
		}
	})
}
