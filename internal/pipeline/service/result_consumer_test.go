package service

import (
	"context"
	"testing"

	"judgepipe/internal/common/mq"
	"judgepipe/internal/pipeline/dispatcher"
	"judgepipe/internal/pipeline/model"
	appErr "judgepipe/pkg/errors"
)

type fakeIngester struct {
	results []*model.SubmissionExecutionResult
	err     error
}

func (f *fakeIngester) Ingest(ctx context.Context, result *model.SubmissionExecutionResult) (*IngestResult, error) {
	f.results = append(f.results, result)
	if f.err != nil {
		return nil, f.err
	}
	return &IngestResult{SubmissionID: result.SubmissionID, Outcome: OutcomeApplied}, nil
}

func TestResultConsumerHandleMessage(t *testing.T) {
	valid := `{"submissionId":2,"executionResult":{"isCompiledSuccessfully":false,"compilerComment":"boom"}}`

	tests := []struct {
		name        string
		body        string
		attempt     string
		ingestErr   error
		wantErr     bool
		wantIngests int
		wantAttempt string
	}{
		{name: "attempt from header", body: valid, attempt: "a1", wantIngests: 1, wantAttempt: "a1"},
		{name: "invalid payload is dropped", body: `{"submissionId":"x"}`},
		{name: "unknown submission is dropped", body: valid, ingestErr: appErr.New(appErr.SubmissionNotFound), wantIngests: 1},
		{name: "lock contention is retried", body: valid, ingestErr: appErr.New(appErr.IngestInProgress), wantErr: true, wantIngests: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ingester := &fakeIngester{err: tt.ingestErr}
			consumer := NewResultConsumer(nil, ingester)
			msg := mq.NewMessage([]byte(tt.body))
			if tt.attempt != "" {
				msg.SetHeader(dispatcher.HeaderAttempt, tt.attempt)
			}

			err := consumer.HandleMessage(context.Background(), msg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HandleMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(ingester.results) != tt.wantIngests {
				t.Fatalf("expected %d ingests, got %d", tt.wantIngests, len(ingester.results))
			}
			if tt.wantAttempt != "" && ingester.results[0].Attempt != tt.wantAttempt {
				t.Fatalf("expected attempt %q, got %q", tt.wantAttempt, ingester.results[0].Attempt)
			}
		})
	}
}

func TestResultConsumerSubscribeRequiresTopic(t *testing.T) {
	consumer := NewResultConsumer(nil, &fakeIngester{})
	if err := consumer.Subscribe(context.Background(), "", "group", nil); err == nil {
		t.Fatalf("expected error without a queue")
	}
}
