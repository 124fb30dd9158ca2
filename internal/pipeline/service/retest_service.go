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

// RetestConfig holds retest orchestrator dependencies and settings.
type RetestConfig struct {
	DB           db.Database
	Repositories Repositories
	Dispatcher   BatchDispatcher
	Timeouts     TimeoutConfig
}

// RetestService resets the submissions of problems and sends them to workers again.
// The reset runs in one REPEATABLE READ unit of work; sending starts only after it commits.
type RetestService struct {
	db         db.Database
	repos      Repositories
	dispatcher BatchDispatcher
	recorder   outcomeRecorder
	timeouts   TimeoutConfig
	newAttempt func() string
}

// RetestResult describes a committed retest.
type RetestResult struct {
	Attempt       string  `json:"attempt"`
	ProblemIDs    []int64 `json:"problem_ids"`
	SubmissionIDs []int64 `json:"submission_ids"`
	Queued        int     `json:"queued"`
	// Dispatch completes once every request was sent and its outcome recorded; nil when nothing was queued
	Dispatch *dispatcher.Future `json:"-"`
}

func NewRetestService(cfg RetestConfig) (*RetestService, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if err := cfg.Repositories.validate(); err != nil {
		return nil, err
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	return &RetestService{
		db:         cfg.DB,
		repos:      cfg.Repositories,
		dispatcher: cfg.Dispatcher,
		recorder:   outcomeRecorder{queue: cfg.Repositories.Queue, dbTimeout: cfg.Timeouts.DB},
		timeouts:   cfg.Timeouts,
		newAttempt: newAttempt,
	}, nil
}

// RetestProblem requeues every submission of problemID.
func (s *RetestService) RetestProblem(ctx context.Context, problemID int64) (*RetestResult, error) {
	if problemID <= 0 {
		return nil, appErr.ValidationError("problem_id", "must be positive")
	}
	return s.run(ctx, func(ctx context.Context, tx db.Transaction) ([]int64, error) {
		if _, err := s.repos.Problems.GetByID(ctx, tx, problemID); err != nil {
			if errors.Is(err, repository.ErrProblemNotFound) {
				return nil, appErr.Newf(appErr.ProblemNotFound, "problem %d not found", problemID)
			}
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "load problem %d failed", problemID)
		}
		return []int64{problemID}, nil
	})
}

// RetestContest requeues the submissions of every problem in contestID under one attempt.
func (s *RetestService) RetestContest(ctx context.Context, contestID int64) (*RetestResult, error) {
	if contestID <= 0 {
		return nil, appErr.ValidationError("contest_id", "must be positive")
	}
	return s.run(ctx, func(ctx context.Context, tx db.Transaction) ([]int64, error) {
		exists, err := s.repos.Problems.ContestExists(ctx, tx, contestID)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "load contest %d failed", contestID)
		}
		if !exists {
			return nil, appErr.Newf(appErr.ContestNotFound, "contest %d not found", contestID)
		}
		problemIDs, err := s.repos.Problems.ListIDsByContest(ctx, tx, contestID)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "list problems of contest %d failed", contestID)
		}
		return problemIDs, nil
	})
}

func (s *RetestService) run(ctx context.Context, resolve func(context.Context, db.Transaction) ([]int64, error)) (*RetestResult, error) {
	result := &RetestResult{Attempt: s.newAttempt()}

	dbCtx := withTimeout(ctx, s.timeouts.DB)
	defer dbCtx.cancel()

	err := db.RunInUnitOfWork(dbCtx.ctx, s.db, &db.TxOptions{Isolation: db.IsolationRepeatableRead}, func(uow *db.UnitOfWork) error {
		tx := uow.Tx()
		problemIDs, err := resolve(dbCtx.ctx, tx)
		if err != nil {
			return err
		}
		result.ProblemIDs = problemIDs

		reqs, err := s.reset(dbCtx.ctx, tx, problemIDs, result)
		if err != nil {
			return err
		}

		uow.AfterCommit(func(context.Context) {
			if err := s.repos.Problems.InvalidateDefinitions(ctx, problemIDs); err != nil {
				logger.Warn(ctx, "invalidate problem definitions failed", zap.Error(err))
			}
			if len(reqs) > 0 {
				result.Dispatch = s.dispatch(ctx, reqs)
			}
		})
		return nil
	})
	if err != nil {
		return nil, coded(err, appErr.TransactionFailed, "retest of problems %v failed", result.ProblemIDs)
	}

	metrics.RetestSubmissionsTotal.Add(float64(result.Queued))
	logger.Info(ctx, "retest committed",
		zap.String("attempt", result.Attempt),
		zap.Int64s("problem_ids", result.ProblemIDs),
		zap.Int("queued", result.Queued),
	)
	return result, nil
}

// reset purges scores and test runs, marks submissions unprocessed, queues them and
// builds their requests, all inside tx.
func (s *RetestService) reset(ctx context.Context, tx db.Transaction, problemIDs []int64, result *RetestResult) ([]model.ExecutionRequest, error) {
	submissionIDs, err := s.repos.Submissions.ListIDsByProblems(ctx, tx, problemIDs)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list submissions failed")
	}
	result.SubmissionIDs = submissionIDs

	if _, err := s.repos.Scores.DeleteByProblems(ctx, tx, problemIDs); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "purge participant scores failed")
	}
	if len(submissionIDs) == 0 {
		return nil, nil
	}
	if _, err := s.repos.TestRuns.DeleteBySubmissions(ctx, tx, submissionIDs); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "delete test runs failed")
	}
	if _, err := s.repos.Submissions.ResetProcessed(ctx, tx, submissionIDs); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "reset submissions failed")
	}
	if err := s.repos.Queue.Enqueue(ctx, tx, submissionIDs, result.Attempt); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "enqueue submissions failed")
	}
	result.Queued = len(submissionIDs)

	submissions, err := s.repos.Submissions.ListByIDs(ctx, tx, submissionIDs)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load submissions failed")
	}
	return buildRequests(ctx, s.repos.Problems, tx, submissions, func(*model.Submission) string {
		return result.Attempt
	})
}

func (s *RetestService) dispatch(ctx context.Context, reqs []model.ExecutionRequest) *dispatcher.Future {
	sendCtx := detach(ctx, s.timeouts.Dispatch)
	return s.dispatcher.Dispatch(sendCtx.ctx, reqs).Then(func(result *dispatcher.BatchResult) {
		defer sendCtx.cancel()
		s.recorder.record(sendCtx.ctx, result, false)
		if failed := result.FailureCount(); failed > 0 {
			logger.Warn(sendCtx.ctx, "retest dispatch had failures",
				zap.Int("failed", failed),
				zap.Int("total", result.Total()),
			)
		}
	})
}
