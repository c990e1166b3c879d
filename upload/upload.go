// Package upload implements a resumable chunked upload client: a file is
// split into fixed-size chunks, transmitted with bounded concurrency,
// reconciled against server state after interruptions, and assembled
// server-side once every chunk is durably received.
package upload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"

	"github.com/scribeline/go-uploadkit/upload/chunksource"
	"github.com/scribeline/go-uploadkit/upload/network"
	"github.com/scribeline/go-uploadkit/upload/network/chunkscheduler"
)

// ProgressFunc is invoked after every durably accepted chunk.
type ProgressFunc func(index, uploadedCount, totalCount int)

// Options tunes a single upload or resume run. Zero values fall back to
// environment configuration, then to defaults.
type Options struct {
	// ChunkSizeBytes is the requested chunk size at initialization.
	// The server may override it.
	ChunkSizeBytes int64
	// Concurrency is the transmission worker pool size.
	Concurrency int
	// MaxAttemptsPerChunk caps upload attempts per chunk.
	MaxAttemptsPerChunk int
	// AttemptTimeout bounds one transmission attempt. The session itself
	// has no deadline; long sessions persist across reconnects.
	AttemptTimeout time.Duration
	// FailureTolerance is the number of permanently failed chunks allowed
	// before the session fails. Default 0: any permanent failure fails it.
	FailureTolerance int
	// OnProgress receives progress updates. Optional.
	OnProgress ProgressFunc
}

// Uploader coordinates upload sessions: initialization, scheduling,
// resume reconciliation, finalization and cancellation.
type Uploader struct {
	transport network.Transport
	notifier  network.Notifier
	store     Store
	envRepo   env.Repository
	logger    log.Logger
	tracker   uploadTracker
}

// NewUploader creates an upload coordinator. notifier may be nil, in
// which case progress is observed from synchronous chunk acks only.
func NewUploader(transport network.Transport, notifier network.Notifier, store Store, envRepo env.Repository, logger log.Logger) *Uploader {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Uploader{
		transport: transport,
		notifier:  notifier,
		store:     store,
		envRepo:   envRepo,
		logger:    logger,
		tracker:   newUploadTracker(envRepo, logger),
	}
}

// NewDefaultUploader wires an Uploader against the REST transport and SSE
// push channel, configured from the environment.
func NewDefaultUploader(envRepo env.Repository, logger log.Logger) (*Uploader, error) {
	config, err := createConfig(envRepo)
	if err != nil {
		return nil, err
	}
	if config.APIBaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}

	client := network.NewAPIClient(retryhttp.NewClient(logger), config.APIBaseURL, string(config.APIAccessToken), logger)
	notifier := network.NewSSENotifier(nil, config.APIBaseURL, string(config.APIAccessToken), logger)
	return NewUploader(client, notifier, NewMemoryStore(), envRepo, logger), nil
}

// Session returns the registered session with the given ID.
func (u *Uploader) Session(sessionID string) (*Session, bool) {
	return u.store.Get(sessionID)
}

// Evict drops the session from the local registry.
func (u *Uploader) Evict(sessionID string) {
	u.store.Evict(sessionID)
}

// Initialize creates a new upload session for the described file. The
// server assigns the session ID and the final chunk geometry.
func (u *Uploader) Initialize(ctx context.Context, file FileDescriptor, opts Options) (*Session, error) {
	if file.Name == "" {
		return nil, fmt.Errorf("%w: file name is empty", ErrInitializationFailed)
	}
	if file.SizeBytes <= 0 {
		return nil, fmt.Errorf("%w: file size must be positive", ErrInitializationFailed)
	}

	config, err := createConfig(u.envRepo)
	if err != nil {
		return nil, err
	}
	chunkSize := config.chunkSize(opts.ChunkSizeBytes)

	result, err := u.transport.Initialize(ctx, network.InitializeRequest{
		FileName:       file.Name,
		FileSizeBytes:  file.SizeBytes,
		ContentHash:    file.ContentHash,
		ChunkSizeBytes: chunkSize,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInitializationFailed, err)
	}

	// The server has the last word on chunk geometry.
	if result.ChunkSizeBytes > 0 {
		chunkSize = result.ChunkSizeBytes
	}
	chunkCount := result.ChunkCount
	if chunkCount == 0 {
		chunkCount, _ = chunksource.Plan(file.SizeBytes, chunkSize)
	}

	session := newSession(result.SessionID, file, chunkSize, chunkCount)
	u.store.Create(session)

	u.logger.Infof("Upload session %s initialized: %s in %d chunks of %s",
		session.ID, units.HumanSizeWithPrecision(float64(file.SizeBytes), 3),
		chunkCount, units.HumanSizeWithPrecision(float64(chunkSize), 3))
	u.tracker.logSessionInitialized(chunkCount, file.SizeBytes)

	return session, nil
}

// Upload transmits every missing chunk of the session and finalizes it.
// Valid only on Initialized sessions (use Resume after interruptions);
// calling it on a completed or cancelled session fails with
// ErrInvalidState.
func (u *Uploader) Upload(ctx context.Context, sessionID string, source chunksource.Source, opts Options) error {
	session, ok := u.store.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if err := u.checkSource(session, source); err != nil {
		return err
	}
	if err := session.transitionTo(StatusUploading); err != nil {
		return err
	}

	return u.run(ctx, session, source, opts)
}

// Resume reconciles the session against server truth and uploads only the
// chunks the server reports missing. The session is reconstructed from
// the server if this process never saw it (crash, restart).
func (u *Uploader) Resume(ctx context.Context, sessionID string, source chunksource.Source, opts Options) error {
	session, ok := u.store.Get(sessionID)
	if !ok {
		// Reconstructed after a process restart: only the source geometry
		// is known locally, the file name is not recoverable from the ID.
		session = newSession(sessionID, FileDescriptor{
			SizeBytes: source.TotalSize(),
		}, source.ChunkSize(0), source.NumChunks())
		u.store.Create(session)
	}
	if err := u.checkSource(session, source); err != nil {
		return err
	}

	if session.Status() != StatusResuming {
		if err := session.transitionTo(StatusResuming); err != nil {
			return err
		}
	}

	u.logger.Infof("Reconciling session %s against server state", session.ID)
	state, err := u.reconcile(ctx, session)
	if err != nil {
		return err
	}

	missing := session.missingChunks()
	u.logger.Infof("Server reports %d of %d chunks missing", len(missing), state.ChunkCount)
	u.tracker.logSessionResumed(len(missing), state.ChunkCount)

	if len(missing) == 0 {
		return u.finalize(ctx, session)
	}

	if err := session.transitionTo(StatusUploading); err != nil {
		return err
	}
	return u.run(ctx, session, source, opts)
}

// Cancel aborts all in-flight transmissions, destroys the session
// server-side and marks it Cancelled. The session status is Cancelled
// before the server call is made; a chunk already on the wire may still
// be accepted and is garbage-collected server-side.
func (u *Uploader) Cancel(ctx context.Context, sessionID string) error {
	session, ok := u.store.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}

	if err := session.transitionTo(StatusCancelled); err != nil {
		return err
	}
	session.abort()
	u.tracker.logSessionCancelled(session.UploadedCount(), session.TotalChunkCount)

	if err := u.transport.Cancel(ctx, sessionID); err != nil {
		u.logger.Warnf("Server-side cancellation of session %s failed: %s", sessionID, err)
		return fmt.Errorf("cancel session %s server-side: %w", sessionID, err)
	}

	u.logger.Donef("Upload session %s cancelled", sessionID)
	return nil
}

// UploadFile initializes a session for the local file, uploads it and
// finalizes. The returned session carries the artifact ID on success.
func (u *Uploader) UploadFile(ctx context.Context, path string, opts Options) (*Session, error) {
	checksum, err := checksumOfFile(path)
	if err != nil {
		return nil, fmt.Errorf("checksum file: %w", err)
	}

	config, err := createConfig(u.envRepo)
	if err != nil {
		return nil, err
	}
	probe, err := chunksource.NewFileSource(path, config.chunkSize(opts.ChunkSizeBytes))
	if err != nil {
		return nil, err
	}
	size := probe.TotalSize()
	if err := probe.Close(); err != nil {
		u.logger.Warnf("failed to close file: %s", err)
	}

	session, err := u.Initialize(ctx, FileDescriptor{
		Name:        filepath.Base(path),
		SizeBytes:   size,
		ContentHash: checksum,
	}, opts)
	if err != nil {
		return nil, err
	}

	// Re-open with the server-confirmed chunk size.
	source, err := chunksource.NewFileSource(path, session.ChunkSizeBytes)
	if err != nil {
		return session, err
	}
	defer func() {
		if err := source.Close(); err != nil {
			u.logger.Warnf("failed to close file: %s", err)
		}
	}()

	if err := u.Upload(ctx, session.ID, source, opts); err != nil {
		return session, err
	}
	return session, nil
}

// UploadGlob expands doublestar patterns and uploads every matched file
// sequentially, stopping at the first failure. Returns the sessions
// created so far.
func (u *Uploader) UploadGlob(ctx context.Context, patterns []string, opts Options) ([]*Session, error) {
	files, err := ExpandPatterns(patterns, u.logger)
	if err != nil {
		return nil, fmt.Errorf("expand patterns: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files matched the provided patterns")
	}

	sessions := make([]*Session, 0, len(files))
	for _, file := range files {
		session, err := u.UploadFile(ctx, file, opts)
		if session != nil {
			sessions = append(sessions, session)
		}
		if err != nil {
			return sessions, fmt.Errorf("upload %s: %w", file, err)
		}
	}
	return sessions, nil
}

// DownloadArtifact fetches the assembled artifact of a completed session.
// Supported on transports that expose artifact downloads.
func (u *Uploader) DownloadArtifact(ctx context.Context, sessionID string, downloadPath string) error {
	session, ok := u.store.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if session.Status() != StatusCompleted {
		return fmt.Errorf("session %s is %s, not completed: %w", sessionID, session.Status(), ErrInvalidState)
	}

	switch client := u.transport.(type) {
	case *network.APIClient:
		return network.DownloadArtifact(ctx, client, network.DownloadArtifactParams{
			SessionID:    sessionID,
			DownloadPath: downloadPath,
		}, u.logger)
	case *network.S3Client:
		return client.DownloadArtifact(ctx, session.ArtifactID(), downloadPath)
	default:
		return fmt.Errorf("transport does not support artifact downloads")
	}
}

// run schedules the session's missing chunks and finalizes on success.
func (u *Uploader) run(ctx context.Context, session *Session, source chunksource.Source, opts Options) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	session.setCancel(cancel)
	defer session.setCancel(nil)

	u.subscribeNotifier(runCtx, session.ID)

	config, err := createConfig(u.envRepo)
	if err != nil {
		return err
	}
	schedulerConfig := chunkscheduler.DefaultConfig()
	if concurrency := config.concurrency(opts.Concurrency); concurrency > 0 {
		schedulerConfig.Concurrency = concurrency
	}
	if opts.MaxAttemptsPerChunk > 0 {
		schedulerConfig.MaxAttemptsPerChunk = opts.MaxAttemptsPerChunk
	}
	if opts.AttemptTimeout > 0 {
		schedulerConfig.AttemptTimeout = opts.AttemptTimeout
	}
	schedulerConfig.FailureTolerance = opts.FailureTolerance

	pending := session.missingChunks()
	u.logger.Infof("Uploading %d chunk(s) with %d worker(s)", len(pending), schedulerConfig.Concurrency)
	startTime := time.Now()

	scheduler := chunkscheduler.New(schedulerConfig, u.transport, u.logger)
	err = scheduler.Schedule(runCtx, session.ID, source, pending, func(index int) {
		uploadedCount := session.markUploaded(index)
		u.logger.Debugf("Chunk %d acked (%d/%d)", index, uploadedCount, session.TotalChunkCount)
		if opts.OnProgress != nil {
			opts.OnProgress(index, uploadedCount, session.TotalChunkCount)
		}
	})
	if err != nil {
		return u.handleScheduleError(session, err)
	}

	uploadTime := time.Since(startTime).Round(time.Second)
	u.logger.Donef("Uploaded %s in %s",
		units.HumanSizeWithPrecision(float64(scheduler.Stats().TotalBytes()), 3), uploadTime)

	return u.finalize(ctx, session)
}

// finalize requests server-side assembly. Only reachable once every chunk
// is acked; the coverage invariant is re-checked here.
func (u *Uploader) finalize(ctx context.Context, session *Session) error {
	if !session.fullCoverage() {
		return fmt.Errorf("cannot finalize session %s: %d of %d chunks uploaded: %w",
			session.ID, session.UploadedCount(), session.TotalChunkCount, ErrInvalidState)
	}
	if err := session.transitionTo(StatusFinalizing); err != nil {
		return err
	}

	u.logger.Infof("Finalizing session %s", session.ID)
	artifactID, err := u.transport.Finalize(ctx, session.ID)
	if err != nil {
		session.recordError(-1, err.Error())
		if transitionErr := session.transitionTo(StatusFailed); transitionErr != nil {
			u.logger.Warnf("%s", transitionErr)
		}
		u.tracker.logUploadFailed(len(session.Errors()))
		if errors.Is(err, network.ErrSessionExpired) {
			return fmt.Errorf("finalize session %s: %w", session.ID, ErrSessionExpired)
		}
		return fmt.Errorf("finalize session %s: %w", session.ID, err)
	}

	session.setArtifactID(artifactID)
	if err := session.transitionTo(StatusCompleted); err != nil {
		return err
	}

	u.logger.Donef("Upload session %s completed, artifact: %s", session.ID, artifactID)
	u.tracker.logUploadCompleted(time.Since(session.StartedAt), session.File.SizeBytes, session.TotalChunkCount)
	u.tracker.wait()
	return nil
}

// reconcile replaces local uploaded state with the server-authoritative
// chunk set.
func (u *Uploader) reconcile(ctx context.Context, session *Session) (network.SessionState, error) {
	state, err := u.transport.Status(ctx, session.ID)
	if err != nil {
		if errors.Is(err, network.ErrSessionExpired) {
			session.recordError(-1, "session expired on the server")
			if transitionErr := session.transitionTo(StatusFailed); transitionErr != nil {
				u.logger.Warnf("%s", transitionErr)
			}
			return network.SessionState{}, fmt.Errorf("reconcile session %s: %w", session.ID, ErrSessionExpired)
		}
		return network.SessionState{}, fmt.Errorf("reconcile session %s: %w", session.ID, err)
	}

	if state.ChunkCount != session.TotalChunkCount {
		return network.SessionState{}, fmt.Errorf("server reports %d chunks, session was initialized with %d: %w",
			state.ChunkCount, session.TotalChunkCount, ErrInvalidState)
	}

	missing := make(map[int]bool, len(state.MissingChunks))
	for _, index := range state.MissingChunks {
		missing[index] = true
	}
	accepted := make([]int, 0, state.ChunkCount-len(state.MissingChunks))
	for i := 0; i < state.ChunkCount; i++ {
		if !missing[i] {
			accepted = append(accepted, i)
		}
	}
	session.replaceUploaded(accepted)

	return state, nil
}

func (u *Uploader) handleScheduleError(session *Session, err error) error {
	// Cancel already drove the state machine.
	if session.Status() == StatusCancelled {
		return fmt.Errorf("session %s was cancelled: %w", session.ID, err)
	}

	var aggregateErr *chunkscheduler.AggregateError
	if errors.As(err, &aggregateErr) {
		for _, chunkErr := range aggregateErr.ChunkErrors {
			session.recordError(chunkErr.Index, chunkErr.Error())
		}
		if transitionErr := session.transitionTo(StatusFailed); transitionErr != nil {
			u.logger.Warnf("%s", transitionErr)
		}
		u.tracker.logUploadFailed(len(aggregateErr.ChunkErrors))
		if aggregateErr.SessionExpired() {
			return fmt.Errorf("session %s: %w", session.ID, ErrSessionExpired)
		}
		return err
	}

	// Context cancellation without an explicit Cancel call: an
	// interruption. The session stays resumable.
	session.recordError(-1, err.Error())
	if transitionErr := session.transitionTo(StatusResuming); transitionErr != nil {
		u.logger.Warnf("%s", transitionErr)
	}
	return err
}

// checkSource verifies the source geometry matches the session. A changed
// file invalidates the session; a new one must be initialized.
func (u *Uploader) checkSource(session *Session, source chunksource.Source) error {
	if source.TotalSize() != session.File.SizeBytes {
		return fmt.Errorf("source size %d does not match session file size %d: %w",
			source.TotalSize(), session.File.SizeBytes, ErrInvalidState)
	}
	if source.NumChunks() != session.TotalChunkCount {
		return fmt.Errorf("source has %d chunks, session expects %d: %w",
			source.NumChunks(), session.TotalChunkCount, ErrInvalidState)
	}
	return nil
}

// subscribeNotifier attaches the advisory push channel. Events only
// accelerate progress display; uploaded state is mutated exclusively by
// synchronous chunk acks, so a dead channel never fails the session.
func (u *Uploader) subscribeNotifier(ctx context.Context, sessionID string) {
	if u.notifier == nil {
		return
	}

	events, err := u.notifier.Subscribe(ctx, sessionID)
	if err != nil {
		u.logger.Warnf("Push channel unavailable for session %s, relying on synchronous acks: %s", sessionID, err)
		return
	}

	go func() {
		for event := range events {
			switch event.Type {
			case network.EventChunkAcked:
				u.logger.Debugf("Server acked chunk %d", event.ChunkIndex)
			case network.EventAssemblyStarted:
				u.logger.Debugf("Server-side assembly started for session %s", sessionID)
			case network.EventAssemblyCompleted:
				u.logger.Debugf("Server-side assembly completed for session %s, artifact: %s", sessionID, event.ArtifactID)
			case network.EventAssemblyFailed:
				u.logger.Warnf("Server-side assembly failed for session %s: %s", sessionID, event.Reason)
			}
		}
	}()
}
