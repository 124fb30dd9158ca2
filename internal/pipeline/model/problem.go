package model

// Problem holds the limits and checker settings used to judge submissions.
type Problem struct {
	ID               int64  `json:"id"`
	ContestID        int64  `json:"contest_id"`
	MaxPoints        int    `json:"max_points"`
	TimeLimit        int    `json:"time_limit"`
	MemoryLimit      int    `json:"memory_limit"`
	CheckerType      string `json:"checker_type"`
	CheckerParameter string `json:"checker_parameter"`
	SolutionSkeleton string `json:"solution_skeleton"`
}

// Test is one input/expected-output pair of a problem.
type Test struct {
	ID          int64   `json:"id"`
	ProblemID   int64   `json:"problem_id"`
	Input       string  `json:"input"`
	Output      string  `json:"output"`
	IsTrialTest bool    `json:"is_trial_test"`
	OrderBy     float64 `json:"order_by"`
}

// Checker identifies how a worker compares user output with the expected output.
type Checker struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter"`
}

// ProblemDefinition bundles everything a request needs from a problem.
type ProblemDefinition struct {
	Problem Problem `json:"problem"`
	Tests   []Test  `json:"tests"`
	Checker Checker `json:"checker"`
}

// CheckerOf returns the checker configured on p.
func CheckerOf(p Problem) Checker {
	return Checker{Type: p.CheckerType, Parameter: p.CheckerParameter}
}
