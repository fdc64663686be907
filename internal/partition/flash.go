package partition

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileFlash stores each slot image as a file in a directory.
type FileFlash struct {
	dir string
}

// NewFileFlash creates the slot directory if needed.
func NewFileFlash(dir string) (*FileFlash, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create slot directory: %w", err)
	}
	return &FileFlash{dir: dir}, nil
}

// Path returns the image file for slot id.
func (f *FileFlash) Path(id SlotID) string {
	return filepath.Join(f.dir, "slot-"+strings.ToLower(id.String())+".img")
}

// OpenSlot truncates the slot image and returns a writer that syncs on Close.
func (f *FileFlash) OpenSlot(id SlotID) (io.WriteCloser, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("invalid slot id %d", int(id))
	}
	file, err := os.OpenFile(f.Path(id), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("open slot %s: %w", id, err)
	}
	return &syncingFile{File: file}, nil
}

// Digest hashes the slot image.
func (f *FileFlash) Digest(id SlotID) (string, int64, error) {
	file, err := os.Open(f.Path(id))
	if err != nil {
		return "", 0, fmt.Errorf("open slot %s: %w", id, err)
	}
	defer file.Close()

	h := sha256.New()
	n, err := io.Copy(h, file)
	if err != nil {
		return "", 0, fmt.Errorf("read slot %s: %w", id, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

type syncingFile struct {
	*os.File
}

func (f *syncingFile) Close() error {
	if err := f.File.Sync(); err != nil {
		f.File.Close()
		return err
	}
	return f.File.Close()
}
