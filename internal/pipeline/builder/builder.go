// Package builder turns stored submissions into worker execution requests.
package builder

import (
	"encoding/base64"
	"sort"

	"judgepipe/internal/pipeline/model"
)

// Build projects a submission and its problem into the request a worker executes.
// It has no side effects and returns identical requests for identical inputs.
func Build(sub model.Submission, problem model.Problem, tests []model.Test, checker model.Checker, attempt string) model.ExecutionRequest {
	req := model.ExecutionRequest{
		ID:                sub.ID,
		Attempt:           attempt,
		ExecutionType:     model.ExecutionTypeTests,
		ExecutionStrategy: sub.SubmissionType,
		TimeLimit:         problem.TimeLimit,
		MemoryLimit:       problem.MemoryLimit,
		ExecutionDetails: model.ExecutionDetails{
			MaxPoints:        problem.MaxPoints,
			CheckerType:      checker.Type,
			CheckerParameter: checker.Parameter,
			SolutionSkeleton: problem.SolutionSkeleton,
			Tests:            buildTests(tests),
		},
	}

	// text and binary content are mutually exclusive on the wire
	if sub.ContentText != "" {
		req.Code = sub.ContentText
	} else if len(sub.Content) > 0 {
		req.FileContent = base64.StdEncoding.EncodeToString(sub.Content)
	}
	return req
}

// BuildFromDefinition is Build with the problem, tests and checker taken from def.
func BuildFromDefinition(sub model.Submission, def model.ProblemDefinition, attempt string) model.ExecutionRequest {
	return Build(sub, def.Problem, def.Tests, def.Checker, attempt)
}

func buildTests(tests []model.Test) []model.TestContext {
	sorted := make([]model.Test, len(tests))
	copy(sorted, tests)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].OrderBy != sorted[j].OrderBy {
			return sorted[i].OrderBy < sorted[j].OrderBy
		}
		return sorted[i].ID < sorted[j].ID
	})

	out := make([]model.TestContext, 0, len(sorted))
	for _, t := range sorted {
		out = append(out, model.TestContext{
			ID:          t.ID,
			Input:       t.Input,
			Output:      t.Output,
			IsTrialTest: t.IsTrialTest,
			OrderBy:     t.OrderBy,
		})
	}
	return out
}
