// Package dispatcher sends execution requests to remote workers.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"judgepipe/internal/pipeline/metrics"
	"judgepipe/internal/pipeline/model"
	appErr "judgepipe/pkg/errors"
	"judgepipe/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSendTimeout = 10 * time.Second
	defaultMaxInFlight = 16
)

// Sender delivers one execution request to the worker pool.
type Sender interface {
	Send(ctx context.Context, req *model.ExecutionRequest) error
}

// Config holds dispatcher dependencies and settings.
type Config struct {
	Sender      Sender
	Timeout     time.Duration
	MaxInFlight int
}

// Dispatcher sends requests independently of each other. It never retries;
// callers re-enqueue or redispatch failed submissions.
type Dispatcher struct {
	sender      Sender
	timeout     time.Duration
	maxInFlight int
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSendTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	return &Dispatcher{
		sender:      cfg.Sender,
		timeout:     cfg.Timeout,
		maxInFlight: cfg.MaxInFlight,
	}, nil
}

// Send delivers one request within the configured timeout.
func (d *Dispatcher) Send(ctx context.Context, req *model.ExecutionRequest) error {
	if req == nil {
		return appErr.ValidationError("request", "required")
	}
	metrics.DispatchInFlight.Inc()
	defer metrics.DispatchInFlight.Dec()

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := d.sender.Send(sendCtx, req)
	metrics.DispatchDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(metrics.ResultError).Inc()
		if sendCtx.Err() == context.DeadlineExceeded {
			return appErr.Wrapf(err, appErr.DispatchFailed, "dispatch of submission %d timed out after %s", req.ID, d.timeout)
		}
		return appErr.Wrapf(err, appErr.DispatchFailed, "dispatch of submission %d failed: %v", req.ID, err)
	}
	metrics.DispatchTotal.WithLabelValues(metrics.ResultOK).Inc()
	return nil
}

// Dispatch sends all requests concurrently in the background and returns at once.
// One failed send never affects the others; every request gets an Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, reqs []model.ExecutionRequest) *Future {
	if len(reqs) == 0 {
		return Resolved(&BatchResult{})
	}
	future := newFuture()
	outcomes := make([]Outcome, len(reqs))

	go func() {
		var g errgroup.Group
		g.SetLimit(d.maxInFlight)
		for i := range reqs {
			i := i
			req := &reqs[i]
			g.Go(func() error {
				start := time.Now()
				err := d.Send(ctx, req)
				outcomes[i] = Outcome{
					SubmissionID: req.ID,
					Attempt:      req.Attempt,
					Err:          err,
					Duration:     time.Since(start),
				}
				if err != nil {
					logger.Warn(ctx, "dispatch failed",
						zap.Int64("submission_id", req.ID),
						zap.String("attempt", req.Attempt),
						zap.Error(err),
					)
				}
				return nil
			})
		}
		_ = g.Wait()

		result := &BatchResult{Outcomes: outcomes}
		logger.Info(ctx, "dispatch batch completed",
			zap.Int("total", result.Total()),
			zap.Int("failed", result.FailureCount()),
		)
		future.resolve(result)
	}()
	return future
}
