package service

import (
	"context"
	"errors"

	"judgepipe/internal/common/db"
	"judgepipe/internal/pipeline/builder"
	"judgepipe/internal/pipeline/model"
	"judgepipe/internal/pipeline/repository"
	appErr "judgepipe/pkg/errors"
)

// buildRequests loads each problem definition once and builds one request per submission.
// With a non-nil tx the definitions come from the transaction snapshot.
func buildRequests(
	ctx context.Context,
	problems repository.ProblemRepository,
	tx db.Transaction,
	submissions []*model.Submission,
	attemptOf func(*model.Submission) string,
) ([]model.ExecutionRequest, error) {
	definitions := make(map[int64]*model.ProblemDefinition)
	reqs := make([]model.ExecutionRequest, 0, len(submissions))
	for _, sub := range submissions {
		def, ok := definitions[sub.ProblemID]
		if !ok {
			var err error
			def, err = problems.GetDefinition(ctx, tx, sub.ProblemID)
			if err != nil {
				if errors.Is(err, repository.ErrProblemNotFound) {
					return nil, appErr.Newf(appErr.ProblemNotFound, "problem %d of submission %d not found", sub.ProblemID, sub.ID)
				}
				return nil, appErr.Wrapf(err, appErr.DatabaseError, "load problem %d failed", sub.ProblemID)
			}
			definitions[sub.ProblemID] = def
		}
		reqs = append(reqs, builder.BuildFromDefinition(*sub, *def, attemptOf(sub)))
	}
	return reqs, nil
}
