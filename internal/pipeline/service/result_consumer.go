package service

import (
	"context"
	"errors"

	"judgepipe/internal/common/mq"
	"judgepipe/internal/pipeline/dispatcher"
	"judgepipe/internal/pipeline/model"
	appErr "judgepipe/pkg/errors"
	"judgepipe/pkg/utils/logger"

	"go.uber.org/zap"
)

// ResultIngester stores decoded worker results.
type ResultIngester interface {
	Ingest(ctx context.Context, result *model.SubmissionExecutionResult) (*IngestResult, error)
}

// ResultConsumer feeds worker results published on a topic into the ingestor.
type ResultConsumer struct {
	consumer mq.Consumer
	ingester ResultIngester
}

func NewResultConsumer(consumer mq.Consumer, ingester ResultIngester) *ResultConsumer {
	return &ResultConsumer{consumer: consumer, ingester: ingester}
}

// Subscribe registers the result handler and starts consuming.
func (c *ResultConsumer) Subscribe(ctx context.Context, topic, consumerGroup string, opts *mq.SubscribeOptions) error {
	if c == nil || c.consumer == nil {
		return errors.New("message queue is nil")
	}
	if c.ingester == nil {
		return errors.New("ingester is nil")
	}
	if topic == "" {
		return errors.New("results topic is required")
	}
	options := opts
	if options == nil {
		options = &mq.SubscribeOptions{}
	}
	if options.ConsumerGroup == "" {
		options.ConsumerGroup = consumerGroup
	}
	if err := c.consumer.SubscribeWithOptions(ctx, topic, c.HandleMessage, options); err != nil {
		return err
	}
	return c.consumer.Start()
}

// HandleMessage ingests one result message. Payloads that can never succeed are logged
// and acknowledged; storage failures and lock contention are returned for redelivery.
func (c *ResultConsumer) HandleMessage(ctx context.Context, message *mq.Message) error {
	result, err := DecodeExecutionResult(message.Body)
	if err != nil {
		logger.Warn(ctx, "drop invalid execution result", zap.String("message_id", message.ID), zap.Error(err))
		return nil
	}
	if result.Attempt == "" {
		if attempt, ok := message.GetHeader(dispatcher.HeaderAttempt); ok {
			result.Attempt = attempt
		}
	}

	if _, err := c.ingester.Ingest(ctx, result); err != nil {
		switch appErr.GetCode(err) {
		case appErr.SubmissionNotFound, appErr.InvalidResultPayload, appErr.ValidationFailed:
			logger.Warn(ctx, "drop unprocessable execution result",
				zap.Int64("submission_id", result.SubmissionID),
				zap.Error(err),
			)
			return nil
		}
		return err
	}
	return nil
}
