package model

import "time"

// Submission is a participant's stored attempt at a problem.
type Submission struct {
	ID            int64 `json:"id"`
	ParticipantID int64 `json:"participant_id"`
	ProblemID     int64 `json:"problem_id"`
	// SubmissionType names the execution strategy, e.g. "cpp-gcc-execute-and-check"
	SubmissionType string `json:"submission_type"`
	Content        []byte `json:"content,omitempty"`
	ContentText    string `json:"content_text,omitempty"`

	Processed              bool   `json:"processed"`
	Points                 *int   `json:"points"`
	IsCompiledSuccessfully bool   `json:"is_compiled_successfully"`
	CompilerComment        string `json:"compiler_comment"`
	IsDeleted              bool   `json:"is_deleted"`

	CreatedAt time.Time `json:"created_at"`
}

// TestRun is the recorded outcome of one test for one submission. Rows are never updated.
type TestRun struct {
	ID                     int64      `json:"id"`
	SubmissionID           int64      `json:"submission_id"`
	TestID                 int64      `json:"test_id"`
	ResultType             ResultType `json:"result_type"`
	TimeUsed               int64      `json:"time_used"`
	MemoryUsed             int64      `json:"memory_used"`
	ExecutionComment       string     `json:"execution_comment"`
	CheckerComment         string     `json:"checker_comment"`
	ExpectedOutputFragment string     `json:"expected_output_fragment"`
	UserOutputFragment     string     `json:"user_output_fragment"`
}

// ParticipantScore is the best processed result of a participant on a problem.
type ParticipantScore struct {
	ParticipantID int64 `json:"participant_id"`
	ProblemID     int64 `json:"problem_id"`
	SubmissionID  int64 `json:"submission_id"`
	Points        int   `json:"points"`
}

// QueueEntry marks a submission as awaiting (re)execution.
type QueueEntry struct {
	SubmissionID int64 `json:"submission_id"`
	// Attempt identifies the enqueue that produced the entry; callbacks for other attempts are stale
	Attempt          string    `json:"attempt"`
	EnqueuedAt       time.Time `json:"enqueued_at"`
	DispatchFailures int       `json:"dispatch_failures"`
	LastError        string    `json:"last_error,omitempty"`
}

// SubmissionArchive is the object written for a submission before it is hard-deleted.
type SubmissionArchive struct {
	Submission Submission `json:"submission"`
	TestRuns   []TestRun  `json:"test_runs"`
	ArchivedAt time.Time  `json:"archived_at"`
}
