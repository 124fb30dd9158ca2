package service

import (
	"context"
	"time"

	"judgepipe/internal/pipeline/dispatcher"
	"judgepipe/internal/pipeline/repository"
	"judgepipe/pkg/utils/logger"

	"go.uber.org/zap"
)

// outcomeRecorder writes dispatch outcomes back to the queue so failed sends stay visible
// and can be redispatched.
type outcomeRecorder struct {
	queue     repository.QueueRepository
	dbTimeout time.Duration
}

// record stores every failure on its queue entry. With clearOnSuccess, entries whose
// send succeeded get their failure counters reset. Each write runs detached from ctx
// under its own DB deadline, so the outcomes of a batch that ran out of time still land.
func (r outcomeRecorder) record(ctx context.Context, result *dispatcher.BatchResult, clearOnSuccess bool) {
	if result == nil {
		return
	}
	for _, outcome := range result.Outcomes {
		dbCtx := detach(ctx, r.dbTimeout)
		var err error
		if outcome.Failed() {
			err = r.queue.RecordFailure(dbCtx.ctx, nil, outcome.SubmissionID, outcome.Attempt, outcome.Err.Error())
		} else if clearOnSuccess {
			err = r.queue.ClearFailures(dbCtx.ctx, nil, outcome.SubmissionID, outcome.Attempt)
		}
		dbCtx.cancel()
		if err != nil {
			logger.Error(ctx, "record dispatch outcome failed",
				zap.Int64("submission_id", outcome.SubmissionID),
				zap.String("attempt", outcome.Attempt),
				zap.Error(err),
			)
		}
	}
}
