// Package service implements the retest, queue, ingest and archive flows of the pipeline.
package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"judgepipe/internal/pipeline/dispatcher"
	"judgepipe/internal/pipeline/model"
	"judgepipe/internal/pipeline/repository"
	appErr "judgepipe/pkg/errors"

	"github.com/google/uuid"
)

// TimeoutConfig holds timeout settings for external calls.
type TimeoutConfig struct {
	DB      time.Duration `yaml:"db"`
	Cache   time.Duration `yaml:"cache"`
	Storage time.Duration `yaml:"storage"`
	// Dispatch bounds the sends of one batch; outcome writes get their own DB deadline
	Dispatch time.Duration `yaml:"dispatch"`
}

// Repositories groups the stores shared by the pipeline services.
type Repositories struct {
	Submissions repository.SubmissionRepository
	Queue       repository.QueueRepository
	TestRuns    repository.TestRunRepository
	Scores      repository.ParticipantScoreRepository
	Problems    repository.ProblemRepository
}

func (r Repositories) validate() error {
	switch {
	case r.Submissions == nil:
		return fmt.Errorf("submission repository is required")
	case r.Queue == nil:
		return fmt.Errorf("queue repository is required")
	case r.TestRuns == nil:
		return fmt.Errorf("test run repository is required")
	case r.Scores == nil:
		return fmt.Errorf("participant score repository is required")
	case r.Problems == nil:
		return fmt.Errorf("problem repository is required")
	}
	return nil
}

// BatchDispatcher fans execution requests out to workers.
type BatchDispatcher interface {
	Dispatch(ctx context.Context, reqs []model.ExecutionRequest) *dispatcher.Future
}

type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withTimeout(ctx context.Context, timeout time.Duration) timeoutCtx {
	if timeout <= 0 {
		return timeoutCtx{ctx: ctx, cancel: func() {}}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	return timeoutCtx{ctx: ctxTimeout, cancel: cancel}
}

// detach keeps ctx values such as the trace id but drops its cancellation,
// for work that outlives the request that started it.
func detach(ctx context.Context, timeout time.Duration) timeoutCtx {
	return withTimeout(context.WithoutCancel(ctx), timeout)
}

func newAttempt() string {
	return uuid.NewString()
}

// uniqueIDs returns the positive ids sorted and without duplicates.
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// coded returns err unchanged when it already carries an error code, else wraps it with code.
func coded(err error, code appErr.ErrorCode, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if appErr.GetCode(err) != appErr.InternalServerError {
		return err
	}
	return appErr.Wrapf(err, code, format, args...)
}
