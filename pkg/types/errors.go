package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the upload protocols. Handlers map these onto
// HTTP status codes and WebSocket error frames with errors.Is / errors.As.
var (
	// ErrAccessDenied is returned for any path that escapes the sandbox.
	// It deliberately carries no detail about why resolution failed, so a
	// client cannot probe the filesystem layout by varying path strings.
	ErrAccessDenied = errors.New("access denied: invalid path")

	// ErrNotFound is returned when an operation targets a path that does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when an operation would clobber an
	// existing entry and overwrite is not an accepted semantic.
	ErrAlreadyExists = errors.New("already exists")

	// ErrSessionNotFound is returned when an upload id does not map to an
	// active session.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrInvalidIndex is returned when a chunk index is outside the range
	// declared at init.
	ErrInvalidIndex = errors.New("chunk index out of range")

	// ErrAuthRequired indicates that no credentials were presented.
	ErrAuthRequired = errors.New("authentication required")

	// ErrAuthFailed indicates that presented credentials were rejected.
	ErrAuthFailed = errors.New("invalid credentials")

	// ErrProtocol indicates a malformed or out-of-sequence protocol message.
	ErrProtocol = errors.New("protocol error")
)

// MissingChunksError reports which chunk indices had not been received when
// Complete was called. The session remains registered so the client can send
// the missing chunks and retry.
type MissingChunksError struct {
	Indices []uint
}

func (e *MissingChunksError) Error() string {
	return fmt.Sprintf("upload incomplete: %d chunk(s) missing", len(e.Indices))
}
