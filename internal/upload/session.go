package upload

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/rs/zerolog/log"
)

// Session is the state of one in-progress chunked upload.
type Session struct {
	ID          string
	Filename    string
	DestDir     string // actual (symlink-resolved) destination directory
	DestLogical string // logical destination directory, for reporting
	ScratchDir  string // private per-session chunk storage
	TotalSize   int64
	ChunkSize   int64
	TotalChunks uint
	// Received marks which chunk indices have landed. Only mutate it
	// through Store.Mutate; Get hands out a clone.
	Received   *bitset.BitSet
	CreatedAt  time.Time
	LastUpdate time.Time
}

// missing returns the chunk indices not yet received, in ascending order.
func (s *Session) missing() []uint {
	var indices []uint
	for i := uint(0); i < s.TotalChunks; i++ {
		if !s.Received.Test(i) {
			indices = append(indices, i)
		}
	}
	return indices
}

// Store is a concurrency-safe registry of chunked upload sessions. Access
// is serialized by a registry-level RWMutex; readers get snapshot copies so
// no lock is ever held across I/O.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create registers a session under its id.
func (st *Store) Create(sess *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[sess.ID] = sess
}

// Get returns a snapshot of the session, or false if the id is unknown. The
// snapshot's bitset is a clone; callers never share live state.
func (st *Store) Get(id string) (Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[id]
	if !ok {
		return Session{}, false
	}
	snapshot := *sess
	snapshot.Received = sess.Received.Clone()
	return snapshot, true
}

// Mutate runs fn against the live session under the store lock and bumps
// its activity timestamp. Returns false if the id is unknown (for instance
// when an abort raced the caller).
func (st *Store) Mutate(id string, fn func(*Session)) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	if !ok {
		return false
	}
	fn(sess)
	sess.LastUpdate = time.Now()
	return true
}

// Remove deletes the session and returns it, or false if the id is unknown.
// Complete relies on this being atomic: of two racing Complete calls, only
// one gets the session.
func (st *Store) Remove(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	if !ok {
		return nil, false
	}
	delete(st.sessions, id)
	return sess, true
}

// Len returns the number of active sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Sweep removes sessions with no activity for longer than ttl and deletes
// their scratch directories. Returns how many were reclaimed. A chunk write
// racing the sweep simply lands in a deleted scratch directory and the
// client is told to retry against a fresh session.
func (st *Store) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	st.mu.Lock()
	var expired []*Session
	for id, sess := range st.sessions {
		if sess.LastUpdate.Before(cutoff) {
			expired = append(expired, sess)
			delete(st.sessions, id)
		}
	}
	st.mu.Unlock()

	for _, sess := range expired {
		if err := os.RemoveAll(sess.ScratchDir); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).
				Str("scratch_dir", sess.ScratchDir).
				Msg("failed to remove scratch directory for expired session")
		}
		log.Info().Str("session_id", sess.ID).Str("filename", sess.Filename).
			Msg("reclaimed expired upload session")
	}
	return len(expired)
}

// RunSweeper sweeps on the given interval until ctx is cancelled.
func (st *Store) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := st.Sweep(ttl); n > 0 {
				log.Info().Int("count", n).Msg("swept expired upload sessions")
			}
		}
	}
}
