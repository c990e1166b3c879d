package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type uploadTracker struct {
	tracker analytics.Tracker
	enabled bool
	logger  log.Logger
}

// newUploadTracker creates the session lifecycle event tracker. Tracking
// is enabled only when a client name is configured; otherwise every log
// call is a no-op.
func newUploadTracker(envRepo env.Repository, logger log.Logger) uploadTracker {
	clientName := envRepo.Get("UPLOADKIT_CLIENT_NAME")
	p := analytics.Properties{
		"client_name": clientName,
	}
	return uploadTracker{
		tracker: analytics.NewDefaultTracker(logger, p),
		enabled: clientName != "",
		logger:  logger,
	}
}

func (t *uploadTracker) logSessionInitialized(chunkCount int, sizeBytes int64) {
	if !t.enabled {
		return
	}
	t.tracker.Enqueue("upload_session_initialized", analytics.Properties{
		"chunk_count":     chunkCount,
		"file_size_bytes": sizeBytes,
	})
}

func (t *uploadTracker) logSessionResumed(missingCount, chunkCount int) {
	if !t.enabled {
		return
	}
	t.tracker.Enqueue("upload_session_resumed", analytics.Properties{
		"missing_chunk_count": missingCount,
		"chunk_count":         chunkCount,
	})
}

func (t *uploadTracker) logUploadCompleted(uploadTime time.Duration, sizeBytes int64, chunkCount int) {
	if !t.enabled {
		return
	}
	t.tracker.Enqueue("upload_session_completed", analytics.Properties{
		"upload_time_s":   uploadTime.Truncate(time.Second).Seconds(),
		"file_size_bytes": sizeBytes,
		"chunk_count":     chunkCount,
	})
}

func (t *uploadTracker) logUploadFailed(errorCount int) {
	if !t.enabled {
		return
	}
	t.tracker.Enqueue("upload_session_failed", analytics.Properties{
		"error_count": errorCount,
	})
}

func (t *uploadTracker) logSessionCancelled(uploadedCount, chunkCount int) {
	if !t.enabled {
		return
	}
	t.tracker.Enqueue("upload_session_cancelled", analytics.Properties{
		"uploaded_chunk_count": uploadedCount,
		"chunk_count":          chunkCount,
	})
}

func (t *uploadTracker) wait() {
	if !t.enabled {
		return
	}
	t.tracker.Wait()
}
