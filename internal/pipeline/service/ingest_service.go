package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"judgepipe/internal/common/cache"
	"judgepipe/internal/common/db"
	"judgepipe/internal/pipeline/metrics"
	"judgepipe/internal/pipeline/model"
	"judgepipe/internal/pipeline/repository"
	appErr "judgepipe/pkg/errors"
	"judgepipe/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	ingestLockKeyPrefix  = "pipeline:ingest:lock:"
	defaultIngestLockTTL = 30 * time.Second
)

// IngestOutcome tells what an ingest did with a worker result.
type IngestOutcome string

const (
	// OutcomeApplied means the result was stored and the queue entry cleared.
	OutcomeApplied IngestOutcome = "applied"
	// OutcomeDuplicate means the submission was already processed and no longer queued.
	OutcomeDuplicate IngestOutcome = "duplicate"
	// OutcomeStale means the result belongs to a superseded attempt.
	OutcomeStale IngestOutcome = "stale"
	// OutcomeWorkerFailed means the worker reported an exception; it was recorded on the queue entry.
	OutcomeWorkerFailed IngestOutcome = "worker_failed"
	// OutcomeDiscarded means the submission was deleted meanwhile.
	OutcomeDiscarded IngestOutcome = "discarded"
)

// IngestResult is returned for every accepted worker result, including no-ops.
type IngestResult struct {
	SubmissionID int64         `json:"submission_id"`
	Outcome      IngestOutcome `json:"outcome"`
}

// IngestConfig holds result ingestor dependencies and settings.
type IngestConfig struct {
	DB           db.Database
	Repositories Repositories
	// Locker serializes ingests of one submission across instances; optional
	Locker   cache.LockOps
	LockTTL  time.Duration
	Timeouts TimeoutConfig
}

// IngestService stores worker results. Ingests of one submission are serialized by a
// distributed lock when configured and always by a row lock on the submission.
type IngestService struct {
	db       db.Database
	repos    Repositories
	locker   cache.LockOps
	lockTTL  time.Duration
	timeouts TimeoutConfig
}

func NewIngestService(cfg IngestConfig) (*IngestService, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if err := cfg.Repositories.validate(); err != nil {
		return nil, err
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultIngestLockTTL
	}
	return &IngestService{
		db:       cfg.DB,
		repos:    cfg.Repositories,
		locker:   cfg.Locker,
		lockTTL:  cfg.LockTTL,
		timeouts: cfg.Timeouts,
	}, nil
}

// DecodeExecutionResult parses and validates a worker result. Unknown result types and
// structurally broken payloads are rejected with InvalidResultPayload.
func DecodeExecutionResult(data []byte) (*model.SubmissionExecutionResult, error) {
	return DecodeExecutionResultFor(data, 0)
}

// DecodeExecutionResultFor is DecodeExecutionResult for a result addressed to submissionID.
// A payload without submissionId takes it; a different one is rejected.
func DecodeExecutionResultFor(data []byte, submissionID int64) (*model.SubmissionExecutionResult, error) {
	var result model.SubmissionExecutionResult
	if err := json.Unmarshal(data, &result); err != nil {
		var invalidType *model.InvalidResultTypeError
		if errors.As(err, &invalidType) {
			return nil, appErr.Wrapf(err, appErr.InvalidResultPayload, "unknown result type %q", invalidType.Value).
				WithDetail("field", "resultType")
		}
		return nil, appErr.Wrapf(err, appErr.InvalidResultPayload, "malformed execution result: %v", err)
	}
	if submissionID > 0 {
		if result.SubmissionID == 0 {
			result.SubmissionID = submissionID
		}
		if result.SubmissionID != submissionID {
			return nil, invalidPayload("submissionId", "does not match the addressed submission")
		}
	}
	if err := ValidateExecutionResult(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ValidateExecutionResult checks a decoded worker result before anything is written.
func ValidateExecutionResult(result *model.SubmissionExecutionResult) error {
	if result == nil {
		return invalidPayload("body", "required")
	}
	if result.SubmissionID <= 0 {
		return invalidPayload("submissionId", "must be positive")
	}
	if result.Exception != nil {
		if result.ExecutionResult != nil {
			return invalidPayload("exception", "must not be combined with executionResult")
		}
		return nil
	}
	exec := result.ExecutionResult
	if exec == nil {
		return invalidPayload("executionResult", "required without exception")
	}
	if !exec.IsCompiledSuccessfully {
		return nil
	}
	if exec.TaskResult == nil {
		return invalidPayload("taskResult", "required for compiled submissions")
	}
	if exec.TaskResult.Points < 0 {
		return invalidPayload("points", "must not be negative")
	}
	seen := make(map[int64]struct{}, len(exec.TaskResult.TestResults))
	for _, tr := range exec.TaskResult.TestResults {
		if tr.ID <= 0 {
			return invalidPayload("testResults.id", "must be positive")
		}
		if _, ok := seen[tr.ID]; ok {
			return invalidPayload("testResults.id", fmt.Sprintf("test %d reported twice", tr.ID))
		}
		seen[tr.ID] = struct{}{}
		if !tr.ResultType.Valid() {
			return invalidPayload("resultType", fmt.Sprintf("unknown value %d", int(tr.ResultType)))
		}
		if tr.TimeUsed < 0 || tr.MemoryUsed < 0 {
			return invalidPayload("testResults", fmt.Sprintf("negative usage for test %d", tr.ID))
		}
	}
	return nil
}

func invalidPayload(field, reason string) error {
	return appErr.Newf(appErr.InvalidResultPayload, "invalid %s: %s", field, reason).WithDetail("field", field)
}

// Ingest stores one worker result. Results for superseded attempts, processed
// submissions without a queue entry and deleted submissions change nothing.
func (s *IngestService) Ingest(ctx context.Context, result *model.SubmissionExecutionResult) (*IngestResult, error) {
	if err := ValidateExecutionResult(result); err != nil {
		return nil, err
	}
	logFields := []zap.Field{zap.Int64("submission_id", result.SubmissionID), zap.String("attempt", result.Attempt)}

	if s.locker != nil {
		lock, err := s.acquire(ctx, result.SubmissionID)
		if err != nil {
			return nil, err
		}
		// the guarded transaction may outlast lockTTL
		stopRenewal := lock.KeepAlive(ctx, s.lockTTL)
		defer func() {
			stopRenewal()
			releaseCtx := detach(ctx, s.timeouts.Cache)
			defer releaseCtx.cancel()
			if err := lock.Release(releaseCtx.ctx); err != nil {
				logger.Warn(ctx, "release ingest lock failed", append(logFields, zap.Error(err))...)
			}
		}()
	}

	var outcome IngestOutcome
	dbCtx := withTimeout(ctx, s.timeouts.DB)
	defer dbCtx.cancel()
	err := db.RunInTransaction(dbCtx.ctx, s.db, nil, func(tx db.Transaction) error {
		var err error
		outcome, err = s.ingest(dbCtx.ctx, tx, result)
		return err
	})
	if err != nil {
		return nil, coded(err, appErr.IngestFailed, "ingest of submission %d failed", result.SubmissionID)
	}

	metrics.IngestTotal.WithLabelValues(string(outcome)).Inc()
	logger.Info(ctx, "execution result ingested", append(logFields, zap.String("outcome", string(outcome)))...)
	return &IngestResult{SubmissionID: result.SubmissionID, Outcome: outcome}, nil
}

// acquire takes the per-submission lock. Lock backend failures fall back to the row lock.
func (s *IngestService) acquire(ctx context.Context, submissionID int64) (*cache.Lock, error) {
	lockCtx := withTimeout(ctx, s.timeouts.Cache)
	defer lockCtx.cancel()
	lock, err := cache.AcquireLock(lockCtx.ctx, s.locker, ingestLockKey(submissionID), s.lockTTL)
	if err == nil {
		return lock, nil
	}
	if errors.Is(err, cache.ErrLockHeld) {
		return nil, appErr.Newf(appErr.IngestInProgress, "result for submission %d is being saved", submissionID)
	}
	logger.Warn(ctx, "ingest lock unavailable, relying on row lock", zap.Int64("submission_id", submissionID), zap.Error(err))
	return nil, nil
}

func (s *IngestService) ingest(ctx context.Context, tx db.Transaction, result *model.SubmissionExecutionResult) (IngestOutcome, error) {
	sub, err := s.repos.Submissions.GetByIDForUpdate(ctx, tx, result.SubmissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return "", appErr.Newf(appErr.SubmissionNotFound, "submission %d not found", result.SubmissionID)
		}
		return "", appErr.Wrapf(err, appErr.DatabaseError, "lock submission failed")
	}

	entry, err := s.repos.Queue.GetForUpdate(ctx, tx, sub.ID)
	if err != nil && !errors.Is(err, repository.ErrQueueEntryNotFound) {
		return "", appErr.Wrapf(err, appErr.DatabaseError, "load queue entry failed")
	}

	switch {
	case sub.IsDeleted:
		if entry != nil {
			if err := s.repos.Queue.Remove(ctx, tx, sub.ID); err != nil {
				return "", appErr.Wrapf(err, appErr.DatabaseError, "remove queue entry failed")
			}
		}
		return OutcomeDiscarded, nil
	case entry == nil && sub.Processed:
		return OutcomeDuplicate, nil
	case entry != nil && result.Attempt != "" && entry.Attempt != result.Attempt:
		return OutcomeStale, nil
	}

	if result.Exception != nil {
		attempt := result.Attempt
		if entry != nil {
			attempt = entry.Attempt
		}
		if attempt == "" {
			attempt = newAttempt()
		}
		reason := "worker exception: " + result.Exception.Message
		if err := s.repos.Queue.RecordFailure(ctx, tx, sub.ID, attempt, reason); err != nil {
			return "", appErr.Wrapf(err, appErr.DatabaseError, "record worker failure failed")
		}
		return OutcomeWorkerFailed, nil
	}

	if err := s.apply(ctx, tx, sub, result.ExecutionResult); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// apply replaces the submission's test runs with the reported ones, stores the verdict,
// clears the queue entry and refreshes the participant score.
func (s *IngestService) apply(ctx context.Context, tx db.Transaction, sub *model.Submission, exec *model.ExecutionResult) error {
	saved := repository.SubmissionResult{
		IsCompiledSuccessfully: exec.IsCompiledSuccessfully,
		CompilerComment:        exec.CompilerComment,
	}

	var runs []model.TestRun
	if exec.IsCompiledSuccessfully {
		if err := s.checkReportedTests(ctx, tx, sub.ProblemID, exec.TaskResult.TestResults); err != nil {
			return err
		}
		saved.Points = exec.TaskResult.Points
		runs = toTestRuns(sub.ID, exec.TaskResult.TestResults)
	}

	if _, err := s.repos.TestRuns.DeleteBySubmissions(ctx, tx, []int64{sub.ID}); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "delete previous test runs failed")
	}
	if err := s.repos.TestRuns.InsertBatch(ctx, tx, runs); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "insert test runs failed")
	}
	if err := s.repos.Submissions.SaveResult(ctx, tx, sub.ID, saved); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "save submission result failed")
	}
	if err := s.repos.Queue.Remove(ctx, tx, sub.ID); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "remove queue entry failed")
	}
	if err := recomputeScore(ctx, s.repos, tx, sub.ParticipantID, sub.ProblemID); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "recompute participant score failed")
	}
	return nil
}

// checkReportedTests requires exactly one result per test of the problem.
func (s *IngestService) checkReportedTests(ctx context.Context, tx db.Transaction, problemID int64, reported []model.TestResult) error {
	tests, err := s.repos.Problems.ListTests(ctx, tx, problemID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "load tests of problem %d failed", problemID)
	}
	expected := make(map[int64]struct{}, len(tests))
	for _, t := range tests {
		expected[t.ID] = struct{}{}
	}
	for _, tr := range reported {
		if _, ok := expected[tr.ID]; !ok {
			return invalidPayload("testResults.id", fmt.Sprintf("test %d does not belong to problem %d", tr.ID, problemID))
		}
		delete(expected, tr.ID)
	}
	if len(expected) > 0 {
		missing := make([]int64, 0, len(expected))
		for id := range expected {
			missing = append(missing, id)
		}
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		return invalidPayload("testResults", fmt.Sprintf("missing results for tests %v", missing))
	}
	return nil
}

func toTestRuns(submissionID int64, results []model.TestResult) []model.TestRun {
	runs := make([]model.TestRun, 0, len(results))
	for _, tr := range results {
		run := model.TestRun{
			SubmissionID:     submissionID,
			TestID:           tr.ID,
			ResultType:       tr.ResultType,
			TimeUsed:         tr.TimeUsed,
			MemoryUsed:       tr.MemoryUsed,
			ExecutionComment: tr.ExecutionComment,
		}
		if tr.CheckerDetails != nil {
			run.CheckerComment = tr.CheckerDetails.Comment
			run.ExpectedOutputFragment = tr.CheckerDetails.ExpectedOutputFragment
			run.UserOutputFragment = tr.CheckerDetails.UserOutputFragment
		}
		runs = append(runs, run)
	}
	return runs
}

func ingestLockKey(submissionID int64) string {
	return ingestLockKeyPrefix + strconv.FormatInt(submissionID, 10)
}
