package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeline/go-uploadkit/upload/chunksource"
	"github.com/scribeline/go-uploadkit/upload/network"
	"github.com/scribeline/go-uploadkit/upload/network/chunkscheduler"
)

type envRepository struct {
	envVars map[string]string
}

func (repo envRepository) Get(key string) string {
	return repo.envVars[key]
}

func (repo envRepository) Set(key, value string) error {
	if repo.envVars == nil {
		return nil
	}
	repo.envVars[key] = value
	return nil
}

func (repo envRepository) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo envRepository) List() []string {
	var list []string
	for key, value := range repo.envVars {
		list = append(list, fmt.Sprintf("%s=%s", key, value))
	}
	return list
}

// fakeTransport is an in-memory upload server. Chunk payloads are stored
// so tests can verify the reassembled artifact byte for byte.
type fakeTransport struct {
	mu sync.Mutex

	chunkCount int
	chunks     map[int][]byte
	finalized  bool
	cancelled  bool
	expired    bool
	lastInit   network.InitializeRequest

	// overrideChunkSize makes Initialize dictate a chunk size different
	// from the requested one.
	overrideChunkSize int64

	// missingOnStatus overrides the missing set reported by Status.
	missingOnStatus []int
	// failChunks maps chunk index to the error every attempt returns.
	failChunks map[int]error
	// transientFailures maps chunk index to a number of failing attempts
	// before the chunk is accepted.
	transientFailures map[int]int
	// blockChunks makes UploadChunk wait for ctx cancellation.
	blockChunks bool
	started     chan struct{}
	startedOnce sync.Once
}

func newFakeTransport(chunkCount int) *fakeTransport {
	return &fakeTransport{
		chunkCount:        chunkCount,
		chunks:            map[int][]byte{},
		failChunks:        map[int]error{},
		transientFailures: map[int]int{},
		started:           make(chan struct{}),
	}
}

func (t *fakeTransport) Initialize(_ context.Context, req network.InitializeRequest) (network.InitializeResult, error) {
	chunkSize := req.ChunkSizeBytes
	if t.overrideChunkSize > 0 {
		chunkSize = t.overrideChunkSize
	}
	numChunks, _ := chunksource.Plan(req.FileSizeBytes, chunkSize)
	t.mu.Lock()
	t.chunkCount = numChunks
	t.lastInit = req
	t.mu.Unlock()
	return network.InitializeResult{
		SessionID:      "fake-session",
		ChunkSizeBytes: chunkSize,
		ChunkCount:     numChunks,
	}, nil
}

func (t *fakeTransport) UploadChunk(ctx context.Context, _ string, index int, payload []byte) (network.ChunkState, error) {
	t.startedOnce.Do(func() { close(t.started) })

	if t.blockChunks {
		<-ctx.Done()
		return "", ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.expired {
		return "", fmt.Errorf("chunk %d rejected: %w", index, network.ErrSessionExpired)
	}
	if err, ok := t.failChunks[index]; ok {
		return "", err
	}
	if remaining := t.transientFailures[index]; remaining > 0 {
		t.transientFailures[index] = remaining - 1
		return "", fmt.Errorf("connection reset by peer")
	}

	if _, ok := t.chunks[index]; ok {
		return network.ChunkAlreadyAccepted, nil
	}
	t.chunks[index] = append([]byte(nil), payload...)
	return network.ChunkAccepted, nil
}

func (t *fakeTransport) Status(_ context.Context, _ string) (network.SessionState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.expired {
		return network.SessionState{}, network.ErrSessionExpired
	}

	missing := t.missingOnStatus
	if missing == nil {
		for i := 0; i < t.chunkCount; i++ {
			if _, ok := t.chunks[i]; !ok {
				missing = append(missing, i)
			}
		}
	}
	return network.SessionState{
		Status:        "open",
		ChunkCount:    t.chunkCount,
		MissingChunks: missing,
	}, nil
}

func (t *fakeTransport) Finalize(_ context.Context, _ string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.expired {
		return "", network.ErrSessionExpired
	}
	if len(t.chunks) != t.chunkCount {
		return "", fmt.Errorf("HTTP 400: %d of %d chunks received", len(t.chunks), t.chunkCount)
	}
	t.finalized = true
	return "artifact-1", nil
}

func (t *fakeTransport) Cancel(_ context.Context, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	return nil
}

func (t *fakeTransport) assembled() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var buffer bytes.Buffer
	for i := 0; i < t.chunkCount; i++ {
		buffer.Write(t.chunks[i])
	}
	return buffer.Bytes()
}

func testPayload(size int) []byte {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	return payload
}

func newTestUploader(transport network.Transport) *Uploader {
	return NewUploader(transport, nil, NewMemoryStore(), envRepository{}, log.NewLogger())
}

func TestUploadHappyPath(t *testing.T) {
	payload := testPayload(95)
	source, err := chunksource.NewByteSource(payload, 10)
	require.NoError(t, err)

	transport := newFakeTransport(0)
	uploader := newTestUploader(transport)

	var progressMu sync.Mutex
	var progressed []int
	opts := Options{
		ChunkSizeBytes: 10,
		Concurrency:    4,
		OnProgress: func(index, uploadedCount, totalCount int) {
			progressMu.Lock()
			defer progressMu.Unlock()
			progressed = append(progressed, index)
			assert.Equal(t, 10, totalCount)
		},
	}

	session, err := uploader.Initialize(context.Background(), FileDescriptor{
		Name:      "app.ipa",
		SizeBytes: int64(len(payload)),
	}, opts)
	require.NoError(t, err)
	require.Equal(t, 10, session.TotalChunkCount)
	require.Equal(t, StatusInitialized, session.Status())

	require.NoError(t, uploader.Upload(context.Background(), session.ID, source, opts))

	assert.Equal(t, StatusCompleted, session.Status())
	assert.Equal(t, "artifact-1", session.ArtifactID())
	assert.True(t, session.fullCoverage())
	assert.True(t, transport.finalized)
	assert.Equal(t, payload, transport.assembled())

	progressMu.Lock()
	defer progressMu.Unlock()
	assert.Len(t, progressed, 10)
}

func TestUploadRecoversFromTransientFailures(t *testing.T) {
	payload := testPayload(30)
	source, err := chunksource.NewByteSource(payload, 10)
	require.NoError(t, err)

	transport := newFakeTransport(0)
	transport.transientFailures[1] = 2

	uploader := newTestUploader(transport)
	opts := Options{ChunkSizeBytes: 10, MaxAttemptsPerChunk: 3}

	session, err := uploader.Initialize(context.Background(), FileDescriptor{Name: "a.bin", SizeBytes: 30}, opts)
	require.NoError(t, err)

	require.NoError(t, uploader.Upload(context.Background(), session.ID, source, opts))
	assert.Equal(t, StatusCompleted, session.Status())
	assert.Equal(t, payload, transport.assembled())
}

func TestUploadFailsPermanentlyAndDrains(t *testing.T) {
	payload := testPayload(50)
	source, err := chunksource.NewByteSource(payload, 10)
	require.NoError(t, err)

	transport := newFakeTransport(0)
	transport.failChunks[2] = &network.PermanentError{StatusCode: 413, Err: fmt.Errorf("HTTP 413: chunk too large")}

	uploader := newTestUploader(transport)
	opts := Options{ChunkSizeBytes: 10, MaxAttemptsPerChunk: 2}

	session, err := uploader.Initialize(context.Background(), FileDescriptor{Name: "a.bin", SizeBytes: 50}, opts)
	require.NoError(t, err)

	err = uploader.Upload(context.Background(), session.ID, source, opts)
	require.Error(t, err)

	var aggregateErr *chunkscheduler.AggregateError
	require.ErrorAs(t, err, &aggregateErr)
	require.Len(t, aggregateErr.ChunkErrors, 1)
	assert.Equal(t, 2, aggregateErr.ChunkErrors[0].Index)
	// Permanent server rejections are not retried.
	assert.Equal(t, 1, aggregateErr.ChunkErrors[0].Attempts)

	assert.Equal(t, StatusFailed, session.Status())
	assert.False(t, transport.finalized)
	require.NotEmpty(t, session.Errors())
	assert.Equal(t, 2, session.Errors()[0].ChunkIndex)
}

func TestUploadSessionExpired(t *testing.T) {
	payload := testPayload(20)
	source, err := chunksource.NewByteSource(payload, 10)
	require.NoError(t, err)

	transport := newFakeTransport(0)
	uploader := newTestUploader(transport)
	opts := Options{ChunkSizeBytes: 10}

	session, err := uploader.Initialize(context.Background(), FileDescriptor{Name: "a.bin", SizeBytes: 20}, opts)
	require.NoError(t, err)
	transport.expired = true

	err = uploader.Upload(context.Background(), session.ID, source, opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, StatusFailed, session.Status())
}

func TestUploadRejectsUnknownSession(t *testing.T) {
	source, err := chunksource.NewByteSource(testPayload(10), 10)
	require.NoError(t, err)

	uploader := newTestUploader(newFakeTransport(0))
	err = uploader.Upload(context.Background(), "no-such-session", source, Options{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUploadRejectsMismatchedSource(t *testing.T) {
	transport := newFakeTransport(0)
	uploader := newTestUploader(transport)
	opts := Options{ChunkSizeBytes: 10}

	session, err := uploader.Initialize(context.Background(), FileDescriptor{Name: "a.bin", SizeBytes: 50}, opts)
	require.NoError(t, err)

	// The file changed size since initialization.
	source, err := chunksource.NewByteSource(testPayload(42), 10)
	require.NoError(t, err)

	err = uploader.Upload(context.Background(), session.ID, source, opts)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StatusInitialized, session.Status())
}

func TestUploadRejectsCompletedSession(t *testing.T) {
	payload := testPayload(20)
	source, err := chunksource.NewByteSource(payload, 10)
	require.NoError(t, err)

	transport := newFakeTransport(0)
	uploader := newTestUploader(transport)
	opts := Options{ChunkSizeBytes: 10}

	session, err := uploader.Initialize(context.Background(), FileDescriptor{Name: "a.bin", SizeBytes: 20}, opts)
	require.NoError(t, err)
	require.NoError(t, uploader.Upload(context.Background(), session.ID, source, opts))
	require.Equal(t, StatusCompleted, session.Status())

	err = uploader.Upload(context.Background(), session.ID, source, opts)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestResumeUploadsOnlyMissingChunks(t *testing.T) {
	payload := testPayload(50)
	source, err := chunksource.NewByteSource(payload, 10)
	require.NoError(t, err)

	// Chunks 0, 2 and 4 survived an interrupted run server-side.
	transport := newFakeTransport(5)
	for _, index := range []int{0, 2, 4} {
		chunk, err := source.ReadChunk(index)
		require.NoError(t, err)
		transport.chunks[index] = chunk
	}

	uploader := newTestUploader(transport)
	session := newSession("fake-session", FileDescriptor{Name: "a.bin", SizeBytes: 50}, 10, 5)
	session.markUploaded(0) // stale local view, server wins
	uploader.store.Create(session)

	require.NoError(t, uploader.Resume(context.Background(), "fake-session", source, Options{ChunkSizeBytes: 10}))

	assert.Equal(t, StatusCompleted, session.Status())
	assert.Equal(t, payload, transport.assembled())
}

func TestResumeWithNothingMissingFinalizesDirectly(t *testing.T) {
	payload := testPayload(30)
	source, err := chunksource.NewByteSource(payload, 10)
	require.NoError(t, err)

	transport := newFakeTransport(3)
	for index := 0; index < 3; index++ {
		chunk, err := source.ReadChunk(index)
		require.NoError(t, err)
		transport.chunks[index] = chunk
	}

	uploader := newTestUploader(transport)
	session := newSession("fake-session", FileDescriptor{Name: "a.bin", SizeBytes: 30}, 10, 3)
	uploader.store.Create(session)

	require.NoError(t, uploader.Resume(context.Background(), "fake-session", source, Options{ChunkSizeBytes: 10}))
	assert.Equal(t, StatusCompleted, session.Status())
	assert.Equal(t, "artifact-1", session.ArtifactID())
}

func TestResumeReconstructsSessionAfterRestart(t *testing.T) {
	payload := testPayload(40)
	source, err := chunksource.NewByteSource(payload, 10)
	require.NoError(t, err)

	transport := newFakeTransport(4)
	chunk, err := source.ReadChunk(1)
	require.NoError(t, err)
	transport.chunks[1] = chunk

	// Fresh uploader: the local registry never saw this session.
	uploader := newTestUploader(transport)
	require.NoError(t, uploader.Resume(context.Background(), "fake-session", source, Options{ChunkSizeBytes: 10}))

	session, ok := uploader.Session("fake-session")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, session.Status())
	assert.Equal(t, payload, transport.assembled())

	// Session IDs are opaque: no file name can be derived from one.
	assert.Empty(t, session.File.Name)
	assert.Equal(t, int64(40), session.File.SizeBytes)
}

func TestResumeExpiredSession(t *testing.T) {
	source, err := chunksource.NewByteSource(testPayload(20), 10)
	require.NoError(t, err)

	transport := newFakeTransport(2)
	transport.expired = true

	uploader := newTestUploader(transport)
	session := newSession("fake-session", FileDescriptor{Name: "a.bin", SizeBytes: 20}, 10, 2)
	uploader.store.Create(session)

	err = uploader.Resume(context.Background(), "fake-session", source, Options{ChunkSizeBytes: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, StatusFailed, session.Status())
}

func TestResumeRejectsChunkCountMismatch(t *testing.T) {
	source, err := chunksource.NewByteSource(testPayload(30), 10)
	require.NoError(t, err)

	transport := newFakeTransport(3)
	transport.missingOnStatus = []int{0, 1}
	transport.chunkCount = 7 // server disagrees about geometry

	uploader := newTestUploader(transport)
	session := newSession("fake-session", FileDescriptor{Name: "a.bin", SizeBytes: 30}, 10, 3)
	uploader.store.Create(session)

	err = uploader.Resume(context.Background(), "fake-session", source, Options{ChunkSizeBytes: 10})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelAbortsInFlightUpload(t *testing.T) {
	payload := testPayload(100)
	source, err := chunksource.NewByteSource(payload, 10)
	require.NoError(t, err)

	transport := newFakeTransport(0)
	transport.blockChunks = true

	uploader := newTestUploader(transport)
	opts := Options{ChunkSizeBytes: 10, Concurrency: 2, MaxAttemptsPerChunk: 1}

	session, err := uploader.Initialize(context.Background(), FileDescriptor{Name: "a.bin", SizeBytes: 100}, opts)
	require.NoError(t, err)

	uploadErr := make(chan error, 1)
	go func() {
		uploadErr <- uploader.Upload(context.Background(), session.ID, source, opts)
	}()

	select {
	case <-transport.started:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}

	require.NoError(t, uploader.Cancel(context.Background(), session.ID))
	assert.Equal(t, StatusCancelled, session.Status())
	assert.True(t, transport.cancelled)

	select {
	case err := <-uploadErr:
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled) || session.Status() == StatusCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not drain after cancellation")
	}

	// A cancelled session cannot be cancelled again.
	assert.ErrorIs(t, uploader.Cancel(context.Background(), session.ID), ErrInvalidState)
}

func TestCancelUnknownSession(t *testing.T) {
	uploader := newTestUploader(newFakeTransport(0))
	assert.ErrorIs(t, uploader.Cancel(context.Background(), "no-such-session"), ErrSessionNotFound)
}

func TestInterruptionLeavesSessionResumable(t *testing.T) {
	payload := testPayload(40)
	source, err := chunksource.NewByteSource(payload, 10)
	require.NoError(t, err)

	transport := newFakeTransport(0)
	transport.blockChunks = true

	uploader := newTestUploader(transport)
	opts := Options{ChunkSizeBytes: 10, Concurrency: 2, MaxAttemptsPerChunk: 1}

	session, err := uploader.Initialize(context.Background(), FileDescriptor{Name: "a.bin", SizeBytes: 40}, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	uploadErr := make(chan error, 1)
	go func() {
		uploadErr <- uploader.Upload(ctx, session.ID, source, opts)
	}()

	select {
	case <-transport.started:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}
	cancel()

	select {
	case err := <-uploadErr:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not return after context cancellation")
	}

	// Caller interruption is not a terminal failure.
	assert.Equal(t, StatusResuming, session.Status())

	transport.blockChunks = false
	require.NoError(t, uploader.Resume(context.Background(), session.ID, source, Options{ChunkSizeBytes: 10}))
	assert.Equal(t, StatusCompleted, session.Status())
	assert.Equal(t, payload, transport.assembled())
}

func TestUploadFileFromDisk(t *testing.T) {
	content := testPayload(95)
	path := filepath.Join(t.TempDir(), "app.ipa")
	require.NoError(t, os.WriteFile(path, content, 0600))

	transport := newFakeTransport(0)
	uploader := newTestUploader(transport)

	session, err := uploader.UploadFile(context.Background(), path, Options{ChunkSizeBytes: 10})
	require.NoError(t, err)
	require.NotNil(t, session)

	assert.Equal(t, StatusCompleted, session.Status())
	assert.Equal(t, "artifact-1", session.ArtifactID())
	assert.Equal(t, 10, session.TotalChunkCount)
	assert.Equal(t, content, transport.assembled())

	hash := sha256.Sum256(content)
	assert.Equal(t, "app.ipa", transport.lastInit.FileName)
	assert.Equal(t, hex.EncodeToString(hash[:]), transport.lastInit.ContentHash)
	assert.Equal(t, int64(95), transport.lastInit.FileSizeBytes)
}

func TestUploadFileHonorsServerChunkSize(t *testing.T) {
	content := testPayload(95)
	path := filepath.Join(t.TempDir(), "app.ipa")
	require.NoError(t, os.WriteFile(path, content, 0600))

	transport := newFakeTransport(0)
	transport.overrideChunkSize = 25

	uploader := newTestUploader(transport)
	session, err := uploader.UploadFile(context.Background(), path, Options{ChunkSizeBytes: 10})
	require.NoError(t, err)

	// The file is re-read with the server-assigned geometry, not the
	// requested one.
	assert.Equal(t, int64(25), session.ChunkSizeBytes)
	assert.Equal(t, 4, session.TotalChunkCount)
	assert.Equal(t, StatusCompleted, session.Status())
	assert.Equal(t, content, transport.assembled())
}

func TestUploadFileMissingFile(t *testing.T) {
	uploader := newTestUploader(newFakeTransport(0))
	_, err := uploader.UploadFile(context.Background(), filepath.Join(t.TempDir(), "missing.bin"), Options{})
	require.Error(t, err)
}

func TestUploadGlob(t *testing.T) {
	dir := t.TempDir()
	content := testPayload(30)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), content, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("not matched"), 0600))

	transport := newFakeTransport(0)
	uploader := newTestUploader(transport)

	sessions, err := uploader.UploadGlob(context.Background(), []string{filepath.Join(dir, "*.bin")}, Options{ChunkSizeBytes: 10})
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	assert.Equal(t, StatusCompleted, sessions[0].Status())
	assert.Equal(t, "a.bin", sessions[0].File.Name)
	assert.Equal(t, content, transport.assembled())
}

func TestUploadGlobNoMatches(t *testing.T) {
	uploader := newTestUploader(newFakeTransport(0))
	_, err := uploader.UploadGlob(context.Background(), []string{filepath.Join(t.TempDir(), "*.bin")}, Options{})
	require.Error(t, err)
}

func TestInitializeValidatesInput(t *testing.T) {
	uploader := newTestUploader(newFakeTransport(0))

	_, err := uploader.Initialize(context.Background(), FileDescriptor{Name: "", SizeBytes: 10}, Options{})
	assert.ErrorIs(t, err, ErrInitializationFailed)

	_, err = uploader.Initialize(context.Background(), FileDescriptor{Name: "a.bin", SizeBytes: 0}, Options{})
	assert.ErrorIs(t, err, ErrInitializationFailed)
}

func TestChunkSizeResolutionOrder(t *testing.T) {
	transport := newFakeTransport(0)
	uploader := NewUploader(transport, nil, NewMemoryStore(), envRepository{envVars: map[string]string{
		"UPLOADKIT_CHUNK_SIZE": "1MB",
	}}, log.NewLogger())

	// Explicit option wins over the environment.
	session, err := uploader.Initialize(context.Background(), FileDescriptor{Name: "a.bin", SizeBytes: 64}, Options{ChunkSizeBytes: 32})
	require.NoError(t, err)
	assert.Equal(t, int64(32), session.ChunkSizeBytes)
	assert.Equal(t, 2, session.TotalChunkCount)

	// Environment wins over the default.
	session, err = uploader.Initialize(context.Background(), FileDescriptor{Name: "b.bin", SizeBytes: 3 * 1024 * 1024}, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1024*1024), session.ChunkSizeBytes)
	assert.Equal(t, 3, session.TotalChunkCount)
}
