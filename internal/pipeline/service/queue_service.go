package service

import (
	"context"
	"errors"
	"fmt"

	"judgepipe/internal/common/db"
	"judgepipe/internal/pipeline/dispatcher"
	"judgepipe/internal/pipeline/metrics"
	"judgepipe/internal/pipeline/model"
	"judgepipe/internal/pipeline/repository"
	appErr "judgepipe/pkg/errors"
	"judgepipe/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultRedispatchLimit = 100

// QueueConfig holds queue service dependencies and settings.
type QueueConfig struct {
	DB              db.Database
	Repositories    Repositories
	Dispatcher      BatchDispatcher
	RedispatchLimit int
	Timeouts        TimeoutConfig
}

// QueueService exposes the processing queue to operators and schedulers.
type QueueService struct {
	db              db.Database
	repos           Repositories
	dispatcher      BatchDispatcher
	recorder        outcomeRecorder
	redispatchLimit int
	timeouts        TimeoutConfig
	newAttempt      func() string
}

// EnqueueResult describes one Enqueue call.
type EnqueueResult struct {
	Attempt       string  `json:"attempt,omitempty"`
	SubmissionIDs []int64 `json:"submission_ids"`
}

// RedispatchOptions selects the entries to send again.
type RedispatchOptions struct {
	// All includes entries without recorded failures
	All   bool
	Limit int
}

// RedispatchResult summarizes a redispatch round.
type RedispatchResult struct {
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
	// Skipped counts entries whose submission is gone or already processed
	Skipped int `json:"skipped"`
}

func NewQueueService(cfg QueueConfig) (*QueueService, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if err := cfg.Repositories.validate(); err != nil {
		return nil, err
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.RedispatchLimit <= 0 {
		cfg.RedispatchLimit = defaultRedispatchLimit
	}
	return &QueueService{
		db:              cfg.DB,
		repos:           cfg.Repositories,
		dispatcher:      cfg.Dispatcher,
		recorder:        outcomeRecorder{queue: cfg.Repositories.Queue, dbTimeout: cfg.Timeouts.DB},
		redispatchLimit: cfg.RedispatchLimit,
		timeouts:        cfg.Timeouts,
		newAttempt:      newAttempt,
	}, nil
}

// Enqueue queues ids under a fresh attempt. Queued ids keep their entry and take the new attempt.
func (s *QueueService) Enqueue(ctx context.Context, ids []int64) (*EnqueueResult, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return &EnqueueResult{SubmissionIDs: []int64{}}, nil
	}
	attempt := s.newAttempt()

	dbCtx := withTimeout(ctx, s.timeouts.DB)
	defer dbCtx.cancel()
	if err := s.repos.Queue.Enqueue(dbCtx.ctx, nil, ids, attempt); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "enqueue submissions failed")
	}
	logger.Info(ctx, "submissions enqueued", zap.String("attempt", attempt), zap.Int64s("submission_ids", ids))
	return &EnqueueResult{Attempt: attempt, SubmissionIDs: ids}, nil
}

// Remove drops the entry of submissionID. Missing entries are fine.
func (s *QueueService) Remove(ctx context.Context, submissionID int64) error {
	if submissionID <= 0 {
		return appErr.ValidationError("submission_id", "must be positive")
	}
	dbCtx := withTimeout(ctx, s.timeouts.DB)
	defer dbCtx.cancel()
	if err := s.repos.Queue.Remove(dbCtx.ctx, nil, submissionID); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "remove queue entry %d failed", submissionID)
	}
	return nil
}

// Sweep removes entries whose submissions are gone, deleted or already processed.
func (s *QueueService) Sweep(ctx context.Context) (int64, error) {
	dbCtx := withTimeout(ctx, s.timeouts.DB)
	defer dbCtx.cancel()
	removed, err := s.repos.Queue.Sweep(dbCtx.ctx, nil)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "sweep queue failed")
	}
	metrics.QueueSweptTotal.Add(float64(removed))
	if removed > 0 {
		logger.Info(ctx, "queue swept", zap.Int64("removed", removed))
	}
	return removed, nil
}

func (s *QueueService) GetEntry(ctx context.Context, submissionID int64) (*model.QueueEntry, error) {
	dbCtx := withTimeout(ctx, s.timeouts.DB)
	defer dbCtx.cancel()
	entry, err := s.repos.Queue.Get(dbCtx.ctx, nil, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrQueueEntryNotFound) {
			return nil, appErr.Newf(appErr.QueueEntryNotFound, "submission %d is not queued", submissionID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load queue entry %d failed", submissionID)
	}
	return entry, nil
}

// Redispatch sends queued submissions again under their current attempt and waits
// for the outcomes.
func (s *QueueService) Redispatch(ctx context.Context, opts RedispatchOptions) (*RedispatchResult, error) {
	limit := opts.Limit
	if limit <= 0 || limit > s.redispatchLimit {
		limit = s.redispatchLimit
	}

	dbCtx := withTimeout(ctx, s.timeouts.DB)
	defer dbCtx.cancel()
	entries, err := s.repos.Queue.ListEntries(dbCtx.ctx, nil, !opts.All, limit)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list queue entries failed")
	}
	if len(entries) == 0 {
		return &RedispatchResult{}, nil
	}

	attempts := make(map[int64]string, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		attempts[entry.SubmissionID] = entry.Attempt
		ids = append(ids, entry.SubmissionID)
	}
	loaded, err := s.repos.Submissions.ListByIDs(dbCtx.ctx, nil, ids)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load submissions failed")
	}
	submissions := make([]*model.Submission, 0, len(loaded))
	for _, sub := range loaded {
		if sub.IsDeleted || sub.Processed {
			continue
		}
		submissions = append(submissions, sub)
	}
	result := &RedispatchResult{Skipped: len(entries) - len(submissions)}
	if len(submissions) == 0 {
		return result, nil
	}

	reqs, err := buildRequests(dbCtx.ctx, s.repos.Problems, nil, submissions, func(sub *model.Submission) string {
		return attempts[sub.ID]
	})
	if err != nil {
		return nil, err
	}

	// outcomes are recorded even when the caller stops waiting
	sendCtx := detach(ctx, s.timeouts.Dispatch)
	future := s.dispatcher.Dispatch(sendCtx.ctx, reqs).Then(func(batch *dispatcher.BatchResult) {
		defer sendCtx.cancel()
		s.recorder.record(ctx, batch, true)
	})
	batch, err := future.Wait(ctx)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.Timeout, "redispatch did not finish")
	}

	result.Failed = batch.FailureCount()
	result.Dispatched = batch.Total() - result.Failed
	logger.Info(ctx, "queue redispatched",
		zap.Int("dispatched", result.Dispatched),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}
