package model

// ExecutionTypeTests is the only execution type the pipeline produces.
const ExecutionTypeTests = "tests-execution"

// ExecutionRequest is the payload sent to a worker. It is rebuilt for every dispatch.
type ExecutionRequest struct {
	ID                int64  `json:"id"`
	Attempt           string `json:"attempt"`
	ExecutionType     string `json:"executionType"`
	ExecutionStrategy string `json:"executionStrategy"`
	// FileContent is base64 and set only when the submission has no text content
	FileContent      string           `json:"fileContent"`
	Code             string           `json:"code"`
	TimeLimit        int              `json:"timeLimit"`
	MemoryLimit      int              `json:"memoryLimit"`
	ExecutionDetails ExecutionDetails `json:"executionDetails"`
}

type ExecutionDetails struct {
	MaxPoints        int           `json:"maxPoints"`
	CheckerType      string        `json:"checkerType"`
	CheckerParameter string        `json:"checkerParameter"`
	SolutionSkeleton string        `json:"solutionSkeleton"`
	Tests            []TestContext `json:"tests"`
}

type TestContext struct {
	ID          int64   `json:"id"`
	Input       string  `json:"input"`
	Output      string  `json:"output"`
	IsTrialTest bool    `json:"isTrialTest"`
	OrderBy     float64 `json:"orderBy"`
}

// SubmissionExecutionResult is the worker callback.
type SubmissionExecutionResult struct {
	SubmissionID    int64            `json:"submissionId"`
	Attempt         string           `json:"attempt"`
	Exception       *WorkerException `json:"exception"`
	ExecutionResult *ExecutionResult `json:"executionResult"`
}

type WorkerException struct {
	Message    string `json:"message"`
	StackTrace string `json:"stackTrace"`
}

type ExecutionResult struct {
	IsCompiledSuccessfully bool        `json:"isCompiledSuccessfully"`
	CompilerComment        string      `json:"compilerComment"`
	TaskResult             *TaskResult `json:"taskResult"`
}

type TaskResult struct {
	Points      int          `json:"points"`
	TestResults []TestResult `json:"testResults"`
}

type TestResult struct {
	ID               int64           `json:"id"`
	ResultType       ResultType      `json:"resultType"`
	ExecutionComment string          `json:"executionComment"`
	TimeUsed         int64           `json:"timeUsed"`
	MemoryUsed       int64           `json:"memoryUsed"`
	CheckerDetails   *CheckerDetails `json:"checkerDetails"`
}

type CheckerDetails struct {
	Comment                string `json:"comment"`
	ExpectedOutputFragment string `json:"expectedOutputFragment"`
	UserOutputFragment     string `json:"userOutputFragment"`
}
