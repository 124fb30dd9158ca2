package controller

import (
	"context"
	"io"
	"strconv"

	"judgepipe/internal/pipeline/model"
	"judgepipe/internal/pipeline/service"
	appErr "judgepipe/pkg/errors"
	"judgepipe/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const maxResultBodyBytes = 8 << 20

// Retester starts retests of problems and contests.
type Retester interface {
	RetestProblem(ctx context.Context, problemID int64) (*service.RetestResult, error)
	RetestContest(ctx context.Context, contestID int64) (*service.RetestResult, error)
}

// QueueManager operates the processing queue.
type QueueManager interface {
	Enqueue(ctx context.Context, ids []int64) (*service.EnqueueResult, error)
	Remove(ctx context.Context, submissionID int64) error
	Sweep(ctx context.Context) (int64, error)
	GetEntry(ctx context.Context, submissionID int64) (*model.QueueEntry, error)
	Redispatch(ctx context.Context, opts service.RedispatchOptions) (*service.RedispatchResult, error)
}

// Archiver moves deleted submissions to object storage.
type Archiver interface {
	ArchiveSubmission(ctx context.Context, submissionID int64) (*service.ArchiveResult, error)
	GetArchive(ctx context.Context, submissionID int64) (*model.SubmissionArchive, error)
}

// PipelineController handles the admin and worker callback endpoints.
type PipelineController struct {
	retester Retester
	queue    QueueManager
	ingester service.ResultIngester
	archiver Archiver
}

func NewPipelineController(retester Retester, queue QueueManager, ingester service.ResultIngester, archiver Archiver) *PipelineController {
	return &PipelineController{
		retester: retester,
		queue:    queue,
		ingester: ingester,
		archiver: archiver,
	}
}

// RegisterRoutes mounts the pipeline endpoints on group. retestGuards run before
// both retest handlers.
func (h *PipelineController) RegisterRoutes(group *gin.RouterGroup, retestGuards ...gin.HandlerFunc) {
	group.POST("/problems/:id/retest", withGuards(retestGuards, h.RetestProblem)...)
	group.POST("/contests/:id/retest", withGuards(retestGuards, h.RetestContest)...)
	group.POST("/submissions/:id/result", h.SubmitResult)
	group.POST("/queue", h.Enqueue)
	group.POST("/queue/sweep", h.Sweep)
	group.POST("/queue/redispatch", h.Redispatch)
	group.GET("/queue/:id", h.GetEntry)
	group.DELETE("/queue/:id", h.Remove)
	if h.archiver != nil {
		group.POST("/submissions/:id/archive", h.Archive)
		group.GET("/submissions/:id/archive", h.GetArchive)
	}
}

func (h *PipelineController) RetestProblem(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	result, err := h.retester.RetestProblem(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, newRetestResponse(result))
}

func (h *PipelineController) RetestContest(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	result, err := h.retester.RetestContest(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, newRetestResponse(result))
}

// SubmitResult is the worker callback.
func (h *PipelineController) SubmitResult(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxResultBodyBytes+1))
	if err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	if len(body) > maxResultBodyBytes {
		response.ErrorWithCode(c, appErr.InvalidResultPayload, "result payload too large")
		return
	}
	result, err := service.DecodeExecutionResultFor(body, id)
	if err != nil {
		response.Error(c, err)
		return
	}

	outcome, err := h.ingester.Ingest(c.Request.Context(), result)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, outcome)
}

func (h *PipelineController) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	result, err := h.queue.Enqueue(c.Request.Context(), req.SubmissionIDs)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

func (h *PipelineController) Remove(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.queue.Remove(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"submission_id": id})
}

func (h *PipelineController) GetEntry(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	entry, err := h.queue.GetEntry(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, entry)
}

func (h *PipelineController) Sweep(c *gin.Context) {
	removed, err := h.queue.Sweep(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, SweepResponse{Removed: removed})
}

func (h *PipelineController) Redispatch(c *gin.Context) {
	var req RedispatchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request parameters")
			return
		}
	}
	result, err := h.queue.Redispatch(c.Request.Context(), service.RedispatchOptions{All: req.All, Limit: req.Limit})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

func (h *PipelineController) Archive(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	result, err := h.archiver.ArchiveSubmission(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

func (h *PipelineController) GetArchive(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	archive, err := h.archiver.GetArchive(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, archive)
}

func withGuards(guards []gin.HandlerFunc, handler gin.HandlerFunc) []gin.HandlerFunc {
	chain := make([]gin.HandlerFunc, 0, len(guards)+1)
	chain = append(chain, guards...)
	return append(chain, handler)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "Invalid id")
		return 0, false
	}
	return id, true
}

// EnqueueRequest defines the enqueue payload.
type EnqueueRequest struct {
	SubmissionIDs []int64 `json:"submission_ids"`
}

// RedispatchRequest defines the optional redispatch payload.
type RedispatchRequest struct {
	All   bool `json:"all"`
	Limit int  `json:"limit"`
}

// RetestResponse is returned once a retest committed.
type RetestResponse struct {
	Attempt       string  `json:"attempt"`
	ProblemIDs    []int64 `json:"problem_ids"`
	SubmissionIDs []int64 `json:"submission_ids"`
	Queued        int     `json:"queued"`
}

func newRetestResponse(result *service.RetestResult) RetestResponse {
	resp := RetestResponse{
		Attempt:       result.Attempt,
		ProblemIDs:    result.ProblemIDs,
		SubmissionIDs: result.SubmissionIDs,
		Queued:        result.Queued,
	}
	if resp.ProblemIDs == nil {
		resp.ProblemIDs = []int64{}
	}
	if resp.SubmissionIDs == nil {
		resp.SubmissionIDs = []int64{}
	}
	return resp
}

// SweepResponse reports removed queue entries.
type SweepResponse struct {
	Removed int64 `json:"removed"`
}
