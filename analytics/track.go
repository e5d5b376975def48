package analytics

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

type TrackerFactory func(log.Logger, ...analytics.Properties) analytics.Tracker

const (
	RunIDEnvKey = "OBJUPLOAD_RUN_ID"
	RunID       = "run_id"
)

// UploadTracker sends upload events, every event carries the run id.
type UploadTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

// NewUploadTracker creates a tracker with the factory. The run id is read from OBJUPLOAD_RUN_ID,
// a new one is generated when it is not set.
func NewUploadTracker(repository env.Repository, logger log.Logger, trackerFactory TrackerFactory) *UploadTracker {
	runID := repository.Get(RunIDEnvKey)
	if runID == "" {
		runID = uuid.NewString()
		logger.Debugf("%s is not set, using run id %s", RunIDEnvKey, runID)
	}
	return &UploadTracker{
		tracker: trackerFactory(logger, analytics.Properties{RunID: runID}),
		logger:  logger,
	}
}

func NewDefaultUploadTracker(repository env.Repository, logger log.Logger) *UploadTracker {
	return NewUploadTracker(repository, logger, analytics.NewDefaultTracker)
}

// NewNoopUploadTracker returns a tracker that drops every event.
func NewNoopUploadTracker() *UploadTracker {
	return &UploadTracker{tracker: noopTracker{}}
}

func (t *UploadTracker) LogFileUploaded(uploadTime time.Duration, size int64, attempts uint, resumable bool) {
	t.tracker.Enqueue("object_upload_file_uploaded", analytics.Properties{
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": size,
		"attempts":          attempts,
		"resumable":         resumable,
	})
}

func (t *UploadTracker) LogUploadInterrupted(byteOffset, size int64, hasConfirmedRange bool) {
	t.tracker.Enqueue("object_upload_interrupted", analytics.Properties{
		"byte_offset":         byteOffset,
		"upload_size_bytes":   size,
		"has_confirmed_range": hasConfirmedRange,
	})
}

func (t *UploadTracker) LogUploadFailed(size int64, attempts uint) {
	t.tracker.Enqueue("object_upload_failed", analytics.Properties{
		"upload_size_bytes": size,
		"attempts":          attempts,
	})
}

// Wait blocks until the queued events are sent.
func (t *UploadTracker) Wait() {
	t.tracker.Wait()
}

type noopTracker struct{}

func (noopTracker) Enqueue(string, ...analytics.Properties) {}

func (noopTracker) Wait() {}
