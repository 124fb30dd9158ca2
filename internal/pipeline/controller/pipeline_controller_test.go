package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"judgepipe/internal/pipeline/model"
	"judgepipe/internal/pipeline/service"
	appErr "judgepipe/pkg/errors"

	"github.com/gin-gonic/gin"
)

type fakeRetester struct {
	problemIDs []int64
	err        error
}

func (f *fakeRetester) RetestProblem(ctx context.Context, problemID int64) (*service.RetestResult, error) {
	f.problemIDs = append(f.problemIDs, problemID)
	if f.err != nil {
		return nil, f.err
	}
	return &service.RetestResult{Attempt: "a1", ProblemIDs: []int64{problemID}, SubmissionIDs: []int64{1, 2}, Queued: 2}, nil
}

func (f *fakeRetester) RetestContest(ctx context.Context, contestID int64) (*service.RetestResult, error) {
	return &service.RetestResult{Attempt: "a2"}, f.err
}

type fakeQueue struct {
	enqueued []int64
	removed  []int64
	redisp   service.RedispatchOptions
}

func (f *fakeQueue) Enqueue(ctx context.Context, ids []int64) (*service.EnqueueResult, error) {
	f.enqueued = append(f.enqueued, ids...)
	return &service.EnqueueResult{Attempt: "a3", SubmissionIDs: ids}, nil
}

func (f *fakeQueue) Remove(ctx context.Context, submissionID int64) error {
	f.removed = append(f.removed, submissionID)
	return nil
}

func (f *fakeQueue) Sweep(ctx context.Context) (int64, error) {
	return 4, nil
}

func (f *fakeQueue) GetEntry(ctx context.Context, submissionID int64) (*model.QueueEntry, error) {
	return nil, appErr.Newf(appErr.QueueEntryNotFound, "submission %d is not queued", submissionID)
}

func (f *fakeQueue) Redispatch(ctx context.Context, opts service.RedispatchOptions) (*service.RedispatchResult, error) {
	f.redisp = opts
	return &service.RedispatchResult{Dispatched: 1}, nil
}

type fakeIngester struct {
	got *model.SubmissionExecutionResult
}

func (f *fakeIngester) Ingest(ctx context.Context, result *model.SubmissionExecutionResult) (*service.IngestResult, error) {
	f.got = result
	return &service.IngestResult{SubmissionID: result.SubmissionID, Outcome: service.OutcomeApplied}, nil
}

type envelope struct {
	Code    appErr.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    json.RawMessage  `json:"data"`
}

func newTestRouter(retester *fakeRetester, queue *fakeQueue, ingester *fakeIngester) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewPipelineController(retester, queue, ingester, nil).RegisterRoutes(router.Group("/api/v1/pipeline"))
	return router
}

func doRequest(t *testing.T, router *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response failed: %v (%s)", err, rec.Body.String())
	}
	return rec, env
}

func TestRetestProblemEndpoint(t *testing.T) {
	retester := &fakeRetester{}
	router := newTestRouter(retester, &fakeQueue{}, &fakeIngester{})

	rec, env := doRequest(t, router, http.MethodPost, "/api/v1/pipeline/problems/7/retest", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var data RetestResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data failed: %v", err)
	}
	if data.Attempt != "a1" || data.Queued != 2 || len(retester.problemIDs) != 1 || retester.problemIDs[0] != 7 {
		t.Fatalf("unexpected response %+v", data)
	}
}

func TestRetestErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		err        error
		wantStatus int
	}{
		{name: "bad id", path: "/api/v1/pipeline/problems/abc/retest", wantStatus: http.StatusBadRequest},
		{name: "not found", path: "/api/v1/pipeline/problems/9/retest", err: appErr.New(appErr.ProblemNotFound), wantStatus: http.StatusNotFound},
		{name: "storage", path: "/api/v1/pipeline/contests/9/retest", err: appErr.New(appErr.TransactionFailed), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&fakeRetester{err: tt.err}, &fakeQueue{}, &fakeIngester{})
			rec, _ := doRequest(t, router, http.MethodPost, tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestSubmitResultEndpoint(t *testing.T) {
	ingester := &fakeIngester{}
	router := newTestRouter(&fakeRetester{}, &fakeQueue{}, ingester)

	body := `{"attempt":"a1","executionResult":{"isCompiledSuccessfully":false,"compilerComment":"error"}}`
	rec, _ := doRequest(t, router, http.MethodPost, "/api/v1/pipeline/submissions/5/result", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ingester.got == nil || ingester.got.SubmissionID != 5 || ingester.got.Attempt != "a1" {
		t.Fatalf("unexpected ingested result: %+v", ingester.got)
	}
}

func TestSubmitResultRejectsInvalidPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown result type", body: `{"executionResult":{"isCompiledSuccessfully":true,"taskResult":{"points":1,"testResults":[{"id":1,"resultType":"Maybe"}]}}}`},
		{name: "mismatched id", body: `{"submissionId":6,"executionResult":{"isCompiledSuccessfully":false}}`},
		{name: "broken json", body: `{"executionResult":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ingester := &fakeIngester{}
			router := newTestRouter(&fakeRetester{}, &fakeQueue{}, ingester)
			rec, env := doRequest(t, router, http.MethodPost, "/api/v1/pipeline/submissions/5/result", tt.body)
			if rec.Code != http.StatusBadRequest || env.Code != appErr.InvalidResultPayload {
				t.Fatalf("expected 400/InvalidResultPayload, got %d/%d", rec.Code, env.Code)
			}
			if ingester.got != nil {
				t.Fatalf("invalid payload must not reach the ingestor")
			}
		})
	}
}

func TestQueueEndpoints(t *testing.T) {
	queue := &fakeQueue{}
	router := newTestRouter(&fakeRetester{}, queue, &fakeIngester{})

	if rec, _ := doRequest(t, router, http.MethodPost, "/api/v1/pipeline/queue", `{"submission_ids":[3,4]}`); rec.Code != http.StatusOK {
		t.Fatalf("enqueue returned %d", rec.Code)
	}
	if len(queue.enqueued) != 2 {
		t.Fatalf("expected ids to be forwarded, got %v", queue.enqueued)
	}

	if rec, _ := doRequest(t, router, http.MethodDelete, "/api/v1/pipeline/queue/3", ""); rec.Code != http.StatusOK {
		t.Fatalf("remove returned %d", rec.Code)
	}

	rec, env := doRequest(t, router, http.MethodPost, "/api/v1/pipeline/queue/sweep", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep returned %d", rec.Code)
	}
	var sweep SweepResponse
	if err := json.Unmarshal(env.Data, &sweep); err != nil || sweep.Removed != 4 {
		t.Fatalf("unexpected sweep response %s", string(env.Data))
	}

	if rec, _ := doRequest(t, router, http.MethodGet, "/api/v1/pipeline/queue/8", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing entry, got %d", rec.Code)
	}

	if rec, _ := doRequest(t, router, http.MethodPost, "/api/v1/pipeline/queue/redispatch", `{"all":true,"limit":5}`); rec.Code != http.StatusOK {
		t.Fatalf("redispatch returned %d", rec.Code)
	}
	if !queue.redisp.All || queue.redisp.Limit != 5 {
		t.Fatalf("unexpected redispatch options %+v", queue.redisp)
	}
}
