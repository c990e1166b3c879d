package network

import (
	"context"
	"errors"
	"fmt"
)

// ErrSessionExpired is returned when the server no longer recognizes the
// upload session. The caller must initialize a new session; the expired
// one cannot be resumed.
var ErrSessionExpired = errors.New("upload session is unknown or expired on the server")

// PermanentError marks a chunk upload failure that must not be retried,
// such as a non-retryable 4xx response.
type PermanentError struct {
	StatusCode int
	Err        error
}

// Error ...
func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent upload failure (HTTP %d): %s", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent upload failure: %s", e.Err)
}

// Unwrap ...
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// ChunkState is the server's verdict on a single chunk upload.
type ChunkState string

const (
	// ChunkAccepted means the chunk was durably stored for the first time.
	ChunkAccepted ChunkState = "accepted"
	// ChunkAlreadyAccepted means the chunk was stored by an earlier request.
	// Re-sends happen after ambiguous network failures and are a no-op success.
	ChunkAlreadyAccepted ChunkState = "already_accepted"
)

// InitializeRequest describes the file a new upload session is created for.
type InitializeRequest struct {
	FileName       string
	FileSizeBytes  int64
	ContentHash    string
	ChunkSizeBytes int64
}

// InitializeResult is the server-assigned session geometry.
type InitializeResult struct {
	SessionID      string
	ChunkSizeBytes int64
	ChunkCount     int
}

// SessionState is the server-authoritative view of an upload session.
type SessionState struct {
	Status        string
	ChunkCount    int
	MissingChunks []int
}

// Transport is the server contract the upload protocol runs over. The
// implementations differ only in wire format (REST API, S3 multipart);
// the semantics are identical.
type Transport interface {
	// Initialize creates a new upload session for the described file.
	Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error)

	// UploadChunk performs one upload attempt for the chunk at index.
	// It is idempotent on the server: re-sending an accepted index
	// returns ChunkAlreadyAccepted instead of a duplicate-write error.
	UploadChunk(ctx context.Context, sessionID string, index int, payload []byte) (ChunkState, error)

	// Status returns the authoritative set of chunks still missing.
	// Returns ErrSessionExpired if the server no longer knows the session.
	Status(ctx context.Context, sessionID string) (SessionState, error)

	// Finalize triggers server-side assembly and returns the artifact ID.
	// Idempotent: finalizing an already-assembled session returns the
	// same artifact ID.
	Finalize(ctx context.Context, sessionID string) (string, error)

	// Cancel destroys the session server-side. Best effort: chunks already
	// in flight may still be accepted and are garbage-collected later.
	Cancel(ctx context.Context, sessionID string) error
}

// EventType identifies a push-channel event.
type EventType string

const (
	// EventChunkAcked reports a durably accepted chunk.
	EventChunkAcked EventType = "chunk_acked"
	// EventAssemblyStarted reports that server-side assembly began.
	EventAssemblyStarted EventType = "assembly_started"
	// EventAssemblyCompleted reports the finished artifact.
	EventAssemblyCompleted EventType = "assembly_completed"
	// EventAssemblyFailed reports a failed assembly.
	EventAssemblyFailed EventType = "assembly_failed"
)

// Event is a push-channel notification scoped to one session. Events are
// advisory: they accelerate progress observation but the synchronous chunk
// acks remain the source of truth.
type Event struct {
	Type       EventType `json:"type"`
	ChunkIndex int       `json:"chunk_index"`
	ArtifactID string    `json:"artifact_id"`
	Reason     string    `json:"reason"`
}

// Notifier delivers the per-session push channel. The returned channel is
// closed when the subscription ends (context cancelled or connection lost);
// a lost subscription must never fail the upload.
type Notifier interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan Event, error)
}
