// Package transfer is the shared low-level write path for every upload
// protocol: buffered appends to an open handle, a durable flush+sync on
// finalize, and best-effort cleanup on abandonment.
package transfer

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const bufferSize = 256 * 1024

// Sink writes upload bytes to disk. A sink created with CreateTemp writes
// to a hidden temp file and renames it into place on Finalize; one created
// with CreateAt writes the destination directly and Finalize only syncs.
// The creator of a sink owns its temp file; ownership is never shared.
type Sink struct {
	file      *os.File
	writer    *bufio.Writer
	path      string // file being written
	finalPath string // rename target; empty for direct sinks
	written   int64
}

// CreateTemp opens a sink backed by a fresh temp file in dir. The temp file
// lives in the same directory as the final destination so Finalize is a
// cheap same-filesystem rename.
func CreateTemp(dir, filename string) (*Sink, error) {
	tempPath := filepath.Join(dir, fmt.Sprintf(".upload_%s.tmp", uuid.New().String()))
	file, err := os.Create(tempPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return &Sink{
		file:      file,
		writer:    bufio.NewWriterSize(file, bufferSize),
		path:      tempPath,
		finalPath: filepath.Join(dir, filename),
	}, nil
}

// CreateAt opens a sink writing directly to path, truncating any existing
// file. Used by the chunked merge, which needs the partially-written final
// file itself to be removable on failure.
func CreateAt(path string) (*Sink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return &Sink{
		file:   file,
		writer: bufio.NewWriterSize(file, bufferSize),
		path:   path,
	}, nil
}

// Write appends p to the sink.
func (s *Sink) Write(p []byte) (int, error) {
	n, err := s.writer.Write(p)
	s.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("write failed: %w", err)
	}
	return n, nil
}

// Written returns the total bytes accepted so far.
func (s *Sink) Written() int64 {
	return s.written
}

// Path returns the file currently being written.
func (s *Sink) Path() string {
	return s.path
}

// FinalPath returns the rename target, or the written path for direct sinks.
func (s *Sink) FinalPath() string {
	if s.finalPath == "" {
		return s.path
	}
	return s.finalPath
}

// Finalize flushes buffers, syncs the file durably, closes the handle and,
// for temp-backed sinks, renames the temp file onto the destination. The
// rename replaces an existing destination, matching os.Rename semantics.
// On failure the written file is left in place; cleanup policy belongs to
// the caller.
func (s *Sink) Finalize() error {
	if err := s.writer.Flush(); err != nil {
		s.file.Close()
		return fmt.Errorf("flush failed: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("sync failed: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}
	if s.finalPath != "" {
		if err := os.Rename(s.path, s.finalPath); err != nil {
			return fmt.Errorf("failed to move file into place: %w", err)
		}
	}
	return nil
}

// Discard abandons the upload: the handle is closed and the written file
// removed. Errors are logged, not surfaced; the peer that triggered the
// abandonment is usually already gone.
func (s *Sink) Discard() {
	s.file.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", s.path).Msg("failed to remove abandoned upload file")
	}
}
