// Package chunkscheduler runs chunk transmissions over a bounded worker
// pool with per-chunk retry, backoff and hung detection.
package chunkscheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/scribeline/go-uploadkit/upload/chunksource"
	"github.com/scribeline/go-uploadkit/upload/network"
)

// ChunkSender performs a single chunk upload attempt. Satisfied by
// network.Transport.
type ChunkSender interface {
	UploadChunk(ctx context.Context, sessionID string, index int, payload []byte) (network.ChunkState, error)
}

// ChunkError is a permanent failure of a single chunk after its retry
// budget was exhausted (or a non-retryable server response).
type ChunkError struct {
	Index    int
	Attempts int
	Err      error
}

// Error ...
func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts: %s", e.Index, e.Attempts, e.Err)
}

// Unwrap ...
func (e *ChunkError) Unwrap() error {
	return e.Err
}

// AggregateError collects every permanently failed chunk of a scheduling
// round. In-flight chunks are always drained before it is returned.
type AggregateError struct {
	ChunkErrors []*ChunkError
}

// Error ...
func (e *AggregateError) Error() string {
	messages := make([]string, 0, len(e.ChunkErrors))
	for _, chunkErr := range e.ChunkErrors {
		messages = append(messages, chunkErr.Error())
	}
	return fmt.Sprintf("%d chunk(s) failed permanently: %s", len(e.ChunkErrors), strings.Join(messages, "; "))
}

// SessionExpired reports whether any chunk failed because the server no
// longer knows the session.
func (e *AggregateError) SessionExpired() bool {
	for _, chunkErr := range e.ChunkErrors {
		if errors.Is(chunkErr.Err, network.ErrSessionExpired) {
			return true
		}
	}
	return false
}

// Scheduler dispatches pending chunk indices to a bounded pool of
// transmission workers. A worker handles one chunk at a time and owns the
// chunk payload only for the in-flight window.
type Scheduler struct {
	config Config
	sender ChunkSender
	logger log.Logger
	stats  *Stats
}

// New creates a Scheduler with the given configuration.
func New(config Config, sender ChunkSender, logger log.Logger) *Scheduler {
	return &Scheduler{
		config: config.withDefaults(),
		sender: sender,
		logger: logger,
		stats:  NewStats(),
	}
}

// Stats returns the transmission statistics.
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

type chunkResult struct {
	index   int
	err     *ChunkError
	skipped bool
}

// Schedule uploads the pending chunks. At most Concurrency transmissions
// are in flight at any point, regardless of how many indices are pending.
// onChunk is invoked once per durably accepted chunk, from worker
// goroutines. When more than FailureTolerance chunks fail permanently,
// dispatching stops, in-flight chunks are drained and the aggregate
// failure is returned as an *AggregateError.
func (s *Scheduler) Schedule(ctx context.Context, sessionID string, source chunksource.Source, indices []int, onChunk func(index int)) error {
	total := source.NumChunks()
	for _, index := range indices {
		if index < 0 || index >= total {
			return fmt.Errorf("pending chunk index %d out of range [0, %d)", index, total)
		}
	}
	if len(indices) == 0 {
		return nil
	}

	// dispatchCtx gates new work only; in-flight transmissions keep the
	// session context so they can drain after dispatching stops.
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()

	semaphore := make(chan struct{}, s.config.Concurrency)
	results := make(chan chunkResult, len(indices))

	for _, index := range indices {
		go func(index int) {
			select {
			case semaphore <- struct{}{}:
			case <-dispatchCtx.Done():
				results <- chunkResult{index: index, skipped: true}
				return
			}
			defer func() { <-semaphore }()

			if dispatchCtx.Err() != nil {
				results <- chunkResult{index: index, skipped: true}
				return
			}

			chunkErr := s.transmitWithRetry(ctx, sessionID, source, index, total)
			if chunkErr == nil && onChunk != nil {
				onChunk(index)
			}
			results <- chunkResult{index: index, err: chunkErr}
		}(index)
	}

	var chunkErrors []*ChunkError
	for completed := 0; completed < len(indices); completed++ {
		result := <-results
		if result.skipped || result.err == nil {
			continue
		}
		chunkErrors = append(chunkErrors, result.err)
		if len(chunkErrors) > s.config.FailureTolerance {
			stopDispatch()
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("upload cancelled: %w", err)
	}
	if len(chunkErrors) > 0 {
		return &AggregateError{ChunkErrors: chunkErrors}
	}
	return nil
}

// transmitWithRetry is the transmission worker for one chunk: it reads the
// payload, then attempts the upload with exponential backoff up to the
// attempt cap. Transient failures never escape; the return value is nil or
// a permanent *ChunkError.
func (s *Scheduler) transmitWithRetry(ctx context.Context, sessionID string, source chunksource.Source, index, total int) *ChunkError {
	payload, err := source.ReadChunk(index)
	if err != nil {
		return &ChunkError{Index: index, Attempts: 0, Err: fmt.Errorf("read chunk: %w", err)}
	}

	var lastErr error
	for attempt := 0; attempt < s.config.MaxAttemptsPerChunk; attempt++ {
		if err := ctx.Err(); err != nil {
			return &ChunkError{Index: index, Attempts: attempt, Err: fmt.Errorf("upload cancelled: %w", err)}
		}

		if attempt > 0 {
			backoff := s.backoff(attempt)
			s.logger.Debugf("Retrying chunk %d after %v", index, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return &ChunkError{Index: index, Attempts: attempt, Err: fmt.Errorf("upload cancelled: %w", ctx.Err())}
			}
		}

		s.logger.Debugf("Uploading chunk %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			index+1, total, attempt+1, s.config.MaxAttemptsPerChunk,
			s.stats.FinishedCount(), s.stats.Average().Round(time.Second))

		start := time.Now()
		attemptCtx, cancelAttempt := context.WithTimeout(ctx, s.config.AttemptTimeout)

		// Hung detection may cancel a stuck attempt early, except on the
		// final one where the attempt timeout is the only bound.
		if attempt < s.config.MaxAttemptsPerChunk-1 && s.config.HungThreshold > 0 {
			go s.detectHungUpload(attemptCtx, cancelAttempt, start, index)
		}

		state, err := s.sender.UploadChunk(attemptCtx, sessionID, index, payload)
		cancelAttempt()

		if err == nil {
			took := time.Since(start)
			s.stats.Update(took, int64(len(payload)))
			if state == network.ChunkAlreadyAccepted {
				s.logger.Debugf("Chunk %d was already accepted by the server", index)
			}
			return nil
		}

		lastErr = err
		if isPermanent(err) {
			return &ChunkError{Index: index, Attempts: attempt + 1, Err: err}
		}
		s.logger.Warnf("Chunk %d attempt %d failed: %v", index, attempt+1, err)
	}

	return &ChunkError{Index: index, Attempts: s.config.MaxAttemptsPerChunk, Err: lastErr}
}

func (s *Scheduler) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.stats.FinishedCount() == 0 {
				continue
			}
			elapsed := time.Since(start)
			avg := s.stats.Average()
			if elapsed-avg > s.config.HungThreshold {
				s.logger.Warnf("Found hung chunk transmission (chunk %d); canceling attempt after %s (avg: %s)",
					index, elapsed.Round(time.Second), avg.Round(time.Second))
				cancel()
				return
			}
		}
	}
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	backoff := s.config.RetryBackoff << uint(attempt-1)
	if max := 30 * time.Second; backoff > max {
		backoff = max
	}
	return backoff
}

func isPermanent(err error) bool {
	var permanentErr *network.PermanentError
	return errors.As(err, &permanentErr) || errors.Is(err, network.ErrSessionExpired)
}
