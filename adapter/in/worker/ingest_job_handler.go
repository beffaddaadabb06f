// Package worker runs the stream job handler and the periodic sync scheduler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"ingest_server/adapter/out/messaging"
	"ingest_server/core/port/in"
	"ingest_server/core/port/out"
	"ingest_server/core/service/mailsync"
	"ingest_server/pkg/apperr"
)

// SyncJobHandler runs mail:sync jobs. Only infrastructure failures are
// returned, so the message stays pending and is retried; provider failures
// are already recorded on the connection and wait for the next schedule.
type SyncJobHandler struct {
	syncer in.SyncService
	log    zerolog.Logger
}

func NewSyncJobHandler(syncer in.SyncService, log zerolog.Logger) *SyncJobHandler {
	return &SyncJobHandler{
		syncer: syncer,
		log:    log.With().Str("component", "sync_job_handler").Logger(),
	}
}

var _ messaging.JobHandler = (*SyncJobHandler)(nil)

func (h *SyncJobHandler) Handle(ctx context.Context, stream string, data []byte) error {
	if stream != messaging.StreamMailSync {
		h.log.Warn().Str("stream", stream).Msg("unknown stream, skipping")
		return nil
	}

	var job out.SyncJob
	if err := json.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("decode sync job: %w", err)
	}
	if job.ConnectionID <= 0 {
		return fmt.Errorf("sync job without connection_id")
	}

	start := time.Now()
	report, err := h.syncer.Sync(ctx, job.ConnectionID)
	if err != nil {
		return h.syncFailed(&job, err)
	}

	h.log.Info().
		Int64("connection_id", job.ConnectionID).
		Str("reason", job.Reason).
		Int("fetched", report.Fetched).
		Int("created", report.Created).
		Int("duplicates", report.Duplicates).
		Int("dropped", report.Dropped).
		Int("failed", report.Failed).
		Dur("took", time.Since(start)).
		Msg("sync job done")
	return nil
}

func (h *SyncJobHandler) syncFailed(job *out.SyncJob, err error) error {
	if errors.Is(err, mailsync.ErrSyncInProgress) {
		h.log.Debug().Int64("connection_id", job.ConnectionID).Msg("sync already running, dropping job")
		return nil
	}

	// Retrying these in the consumer does not help; the scheduler picks the
	// connection up again on its next pass.
	switch code := apperr.AsAppError(err).Code; code {
	case apperr.CodeNotFound, apperr.CodeBadRequest,
		apperr.CodeProviderAuth, apperr.CodeProviderUnavailable, apperr.CodeRateLimited, apperr.CodeTimeout:
		h.log.Warn().
			Err(err).
			Int64("connection_id", job.ConnectionID).
			Str("code", code).
			Msg("sync job failed")
		return nil
	}
	return err
}
