package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 12000-12999: Problem module errors
// 13000-13999: Submission pipeline errors
// 14000-14999: Contest module errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Storage errors (10400-10499)
	StorageError ErrorCode = 10400

	// Validation errors (10300-10399)
	ValidationFailed     ErrorCode = 10300
	InvalidFormat        ErrorCode = 10301
	InvalidValue         ErrorCode = 10302
	RequiredFieldEmpty   ErrorCode = 10303
	InvalidResultPayload ErrorCode = 10304

	// ========== Problem Module Errors (12000-12999) ==========

	ProblemNotFound  ErrorCode = 12000
	TestCaseNotFound ErrorCode = 12100

	// ========== Submission Pipeline Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound    ErrorCode = 13000
	SubmissionNotArchived ErrorCode = 13006
	ArchiveFailed         ErrorCode = 13007

	// Queue & dispatch (13100-13199)
	JudgeQueueFull     ErrorCode = 13100
	JudgeSystemError   ErrorCode = 13101
	QueueEntryNotFound ErrorCode = 13107
	DispatchFailed     ErrorCode = 13108
	RetestFailed       ErrorCode = 13109

	// Result ingestion (13200-13299)
	IngestFailed     ErrorCode = 13200
	IngestInProgress ErrorCode = 13201

	// ========== Contest Module Errors (14000-14999) ==========

	ContestNotFound ErrorCode = 14000
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Storage
	StorageError: "Object storage operation failed",

	// Validation
	ValidationFailed:     "Validation failed",
	InvalidFormat:        "Invalid format",
	InvalidValue:         "Invalid value",
	RequiredFieldEmpty:   "Required field is empty",
	InvalidResultPayload: "Invalid execution result payload",

	// Problem
	ProblemNotFound:  "Problem not found",
	TestCaseNotFound: "Test case not found",

	// Submission
	SubmissionNotFound:    "Submission not found",
	SubmissionNotArchived: "Submission cannot be archived",
	ArchiveFailed:         "Failed to archive submission",

	// Queue & dispatch
	JudgeQueueFull:     "Judge queue is full, please try again later",
	JudgeSystemError:   "Judge system error",
	QueueEntryNotFound: "Submission is not queued for processing",
	DispatchFailed:     "Failed to dispatch submission to worker",
	RetestFailed:       "Retest failed",

	// Ingestion
	IngestFailed:     "Failed to save execution result",
	IngestInProgress: "Execution result for this submission is being saved",

	// Contest
	ContestNotFound: "Contest not found",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == RecordNotFound, c == ProblemNotFound, c == TestCaseNotFound,
		c == SubmissionNotFound, c == ContestNotFound, c == QueueEntryNotFound:
		return 404
	case c == IngestInProgress, c == SubmissionNotArchived, c == RecordAlreadyExists:
		return 409
	case c == TooManyRequests, c == JudgeQueueFull:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c == DispatchFailed:
		return 502
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams:
		return 400
	default:
		return 500
	}
}
