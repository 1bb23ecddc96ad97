// Package upload implements the chunked-upload REST protocol: a session is
// initialized against a sandboxed destination, chunks arrive in any order
// into a private scratch directory, and Complete merges them in index order
// into the final file.
package upload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stevedore-sh/stevedore/internal/sandbox"
	"github.com/stevedore-sh/stevedore/internal/transfer"
	"github.com/stevedore-sh/stevedore/pkg/types"
)

// Chunk files are zero-padded to a fixed width so a sorted directory
// listing reads in merge order.
const chunkFileFormat = "chunk_%06d"

// maxTotalChunks bounds the received-chunk bitset, which is sized from a
// client-supplied count at init. A million chunks is ~128 KiB of bitset
// and far beyond any sane chunking of one upload.
const maxTotalChunks = 1 << 20

// Result describes a completed upload.
type Result struct {
	Name string
	Size int64
	Path string // logical, root-relative
}

// Manager drives the chunked upload protocol against a session store and a
// sandboxed root.
type Manager struct {
	store    *Store
	resolver *sandbox.Resolver
}

// NewManager creates a chunked upload manager.
func NewManager(store *Store, resolver *sandbox.Resolver) *Manager {
	return &Manager{store: store, resolver: resolver}
}

// Init resolves the destination, allocates a private scratch directory and
// registers a fresh Active session. The returned id is the handle for every
// subsequent call.
func (m *Manager) Init(path, filename string, totalSize, chunkSize int64, totalChunks uint) (*Session, error) {
	if totalChunks == 0 || totalChunks > maxTotalChunks || chunkSize <= 0 {
		return nil, fmt.Errorf("%w: bad upload parameters", types.ErrProtocol)
	}
	// The filename is joined onto the resolved directory; a traversal
	// component here would sidestep the path resolution entirely.
	if err := sandbox.CheckFilename(filename); err != nil {
		return nil, err
	}

	dest, err := m.resolver.Resolve(path)
	if err != nil {
		return nil, err
	}

	// The uuid keeps scratch directories globally unique; two sessions can
	// never collide even when targeting the same destination.
	id := uuid.New().String()
	scratch := filepath.Join(dest.Actual, fmt.Sprintf(".chunks_%s", id))
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	now := time.Now()
	sess := &Session{
		ID:          id,
		Filename:    filename,
		DestDir:     dest.Actual,
		DestLogical: dest.Logical,
		ScratchDir:  scratch,
		TotalSize:   totalSize,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		Received:    bitset.New(totalChunks),
		CreatedAt:   now,
		LastUpdate:  now,
	}
	m.store.Create(sess)

	log.Info().
		Str("session_id", id).
		Str("filename", filename).
		Str("size", humanize.Bytes(uint64(totalSize))).
		Uint("total_chunks", totalChunks).
		Msg("chunked upload session started")

	return sess, nil
}

// PutChunk stores one chunk's bytes. Chunks may arrive in any order and may
// be re-sent; a duplicate index simply overwrites the scratch file.
func (m *Manager) PutChunk(id string, index uint, body io.Reader) (int64, error) {
	sess, ok := m.store.Get(id)
	if !ok {
		return 0, types.ErrSessionNotFound
	}
	if index >= sess.TotalChunks {
		return 0, fmt.Errorf("%w: index %d, total %d", types.ErrInvalidIndex, index, sess.TotalChunks)
	}

	chunkPath := filepath.Join(sess.ScratchDir, fmt.Sprintf(chunkFileFormat, index))
	written, err := writeChunkFile(chunkPath, body)
	if err != nil {
		return 0, err
	}

	// The bitset mutation happens under the store lock; concurrent chunks
	// for different indices never corrupt it. If the session vanished while
	// the bytes were landing (abort or sweep won the race), the write went
	// to a scratch directory that no longer matters.
	if !m.store.Mutate(id, func(s *Session) { s.Received.Set(index) }) {
		return 0, types.ErrSessionNotFound
	}

	log.Debug().
		Str("session_id", id).
		Uint("chunk_index", index).
		Int64("chunk_bytes", written).
		Msg("chunk received")

	return written, nil
}

// Complete merges the chunks into the destination file. The session is
// removed from the store up front, so of two racing calls only one can
// merge; the loser observes ErrSessionNotFound. If chunks are missing the
// session is re-registered for retry and a MissingChunksError lists the
// gaps. A merge I/O failure does not re-register the session: the client
// must re-init from its manifest. The missing-chunk path restores, the
// I/O-failure path does not; the asymmetry is intentional.
func (m *Manager) Complete(id string) (*Result, error) {
	sess, ok := m.store.Remove(id)
	if !ok {
		return nil, types.ErrSessionNotFound
	}

	if missing := sess.missing(); len(missing) > 0 {
		m.store.Create(sess)
		return nil, &types.MissingChunksError{Indices: missing}
	}

	if err := os.MkdirAll(sess.DestDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	finalPath := filepath.Join(sess.DestDir, sess.Filename)
	sink, err := transfer.CreateAt(finalPath)
	if err != nil {
		return nil, err
	}

	// Merge in index order; arrival order is irrelevant by now. Nothing is
	// deleted until every chunk has been read back successfully.
	for i := uint(0); i < sess.TotalChunks; i++ {
		if err := appendChunk(sink, sess.ScratchDir, i); err != nil {
			sink.Discard()
			return nil, err
		}
	}

	if err := sink.Finalize(); err != nil {
		sink.Discard()
		return nil, err
	}

	if err := os.RemoveAll(sess.ScratchDir); err != nil {
		log.Warn().Err(err).Str("session_id", id).
			Msg("failed to remove scratch directory after merge")
	}

	result := &Result{
		Name: sess.Filename,
		Size: sink.Written(),
		Path: m.resolver.Relative(filepath.Join(sess.DestLogical, sess.Filename)),
	}

	log.Info().
		Str("session_id", id).
		Str("path", result.Path).
		Str("size", humanize.Bytes(uint64(result.Size))).
		Msg("chunked upload completed")

	return result, nil
}

// Abort discards the session and its scratch directory. Unknown ids are a
// no-op success so clients can abort blindly.
func (m *Manager) Abort(id string) error {
	sess, ok := m.store.Remove(id)
	if !ok {
		return nil
	}
	if err := os.RemoveAll(sess.ScratchDir); err != nil {
		log.Warn().Err(err).Str("session_id", id).
			Msg("failed to remove scratch directory on abort")
	}
	log.Info().Str("session_id", id).Str("filename", sess.Filename).
		Msg("chunked upload aborted")
	return nil
}

func writeChunkFile(path string, body io.Reader) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create chunk file: %w", err)
	}
	written, err := io.Copy(file, body)
	if err != nil {
		file.Close()
		os.Remove(path)
		return 0, fmt.Errorf("failed to write chunk: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("failed to close chunk file: %w", err)
	}
	return written, nil
}

func appendChunk(sink *transfer.Sink, scratchDir string, index uint) error {
	chunkPath := filepath.Join(scratchDir, fmt.Sprintf(chunkFileFormat, index))
	file, err := os.Open(chunkPath)
	if err != nil {
		return fmt.Errorf("failed to open chunk %d: %w", index, err)
	}
	defer file.Close()
	if _, err := io.Copy(sink, file); err != nil {
		return fmt.Errorf("failed to merge chunk %d: %w", index, err)
	}
	return nil
}
