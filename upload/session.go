package upload

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of an upload session.
type Status string

const (
	// StatusInitialized means the server assigned a session but no chunk
	// was scheduled yet.
	StatusInitialized Status = "initialized"
	// StatusUploading means chunk transmissions are in progress.
	StatusUploading Status = "uploading"
	// StatusResuming means server state is being reconciled after an
	// interruption.
	StatusResuming Status = "resuming"
	// StatusFinalizing means all chunks are acked and assembly was requested.
	StatusFinalizing Status = "finalizing"
	// StatusCompleted means the artifact was assembled.
	StatusCompleted Status = "completed"
	// StatusFailed means the session failed permanently.
	StatusFailed Status = "failed"
	// StatusCancelled means the session was cancelled by the caller.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var validTransitions = map[Status][]Status{
	StatusInitialized: {StatusUploading, StatusResuming, StatusCancelled},
	StatusUploading:   {StatusResuming, StatusFinalizing, StatusFailed, StatusCancelled},
	StatusResuming:    {StatusUploading, StatusFinalizing, StatusFailed, StatusCancelled},
	StatusFinalizing:  {StatusCompleted, StatusFailed, StatusCancelled},
}

// FileDescriptor describes the file a session uploads. Captured once at
// initialization, never mutated; if the file changes, a new session must
// be created.
type FileDescriptor struct {
	Name        string
	SizeBytes   int64
	ContentHash string
}

// SessionError is one entry of a session's append-only error log.
// ChunkIndex is -1 for session-level errors.
type SessionError struct {
	ChunkIndex int
	Message    string
	Timestamp  time.Time
}

// Session tracks one chunked upload. All mutable state is guarded by the
// session mutex; the uploaded set has set semantics and only grows until
// a reconciliation replaces it with server truth.
type Session struct {
	ID              string
	File            FileDescriptor
	ChunkSizeBytes  int64
	TotalChunkCount int
	StartedAt       time.Time

	mu         sync.Mutex
	status     Status
	uploaded   map[int]struct{}
	errors     []SessionError
	artifactID string
	endedAt    time.Time
	cancel     context.CancelFunc
}

func newSession(id string, file FileDescriptor, chunkSizeBytes int64, totalChunkCount int) *Session {
	return &Session{
		ID:              id,
		File:            file,
		ChunkSizeBytes:  chunkSizeBytes,
		TotalChunkCount: totalChunkCount,
		StartedAt:       time.Now(),
		status:          StatusInitialized,
		uploaded:        make(map[int]struct{}),
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ArtifactID returns the assembled artifact's ID, set once the session
// completes.
func (s *Session) ArtifactID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifactID
}

// EndedAt returns the time the session reached a terminal state.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// UploadedCount returns the number of chunks known to be durably accepted.
func (s *Session) UploadedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploaded)
}

// UploadedChunks returns the sorted uploaded chunk indices.
func (s *Session) UploadedChunks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	indices := make([]int, 0, len(s.uploaded))
	for index := range s.uploaded {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

// Errors returns a copy of the session's error log.
func (s *Session) Errors() []SessionError {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := make([]SessionError, len(s.errors))
	copy(errs, s.errors)
	return errs
}

// markUploaded records a durably accepted chunk and returns the new
// uploaded count. Set semantics: marking twice counts once.
func (s *Session) markUploaded(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploaded[index] = struct{}{}
	return len(s.uploaded)
}

// replaceUploaded swaps in the server-authoritative uploaded set. Local
// state may be stale or optimistic after a crash; the server wins.
func (s *Session) replaceUploaded(accepted []int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.uploaded = make(map[int]struct{}, len(accepted))
	for _, index := range accepted {
		if index >= 0 && index < s.TotalChunkCount {
			s.uploaded[index] = struct{}{}
		}
	}
}

// missingChunks returns the sorted indices not yet accepted by the server.
func (s *Session) missingChunks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	missing := make([]int, 0, s.TotalChunkCount-len(s.uploaded))
	for i := 0; i < s.TotalChunkCount; i++ {
		if _, ok := s.uploaded[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// fullCoverage reports whether every chunk index is uploaded. Required
// before finalization may be requested.
func (s *Session) fullCoverage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploaded) == s.TotalChunkCount
}

// transitionTo moves the session to the next state, enforcing the state
// machine. Transitions out of terminal states always fail.
func (s *Session) transitionTo(next Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allowed := range validTransitions[s.status] {
		if next == allowed {
			s.status = next
			if next.Terminal() {
				s.endedAt = time.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("cannot transition session %s from %s to %s: %w", s.ID, s.status, next, ErrInvalidState)
}

// recordError appends to the session's error log. chunkIndex is -1 for
// session-level errors.
func (s *Session) recordError(chunkIndex int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, SessionError{
		ChunkIndex: chunkIndex,
		Message:    message,
		Timestamp:  time.Now(),
	})
}

// setCancel stores the cancel function of the running upload so Cancel can
// abort in-flight workers.
func (s *Session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// abort cancels the running upload, if any.
func (s *Session) abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// setArtifactID records the assembled artifact.
func (s *Session) setArtifactID(artifactID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifactID = artifactID
}
