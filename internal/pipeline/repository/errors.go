package repository

import "errors"

var (
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrQueueEntryNotFound = errors.New("queue entry not found")
	ErrProblemNotFound    = errors.New("problem not found")
	ErrContestNotFound    = errors.New("contest not found")
)
