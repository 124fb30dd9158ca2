package service

import (
	"context"

	"judgepipe/internal/common/db"
	"judgepipe/internal/pipeline/model"
)

// recomputeScore sets the participant's score on the problem to their best processed
// submission, or drops it when none is left.
func recomputeScore(ctx context.Context, repos Repositories, tx db.Transaction, participantID, problemID int64) error {
	best, err := repos.Submissions.BestForParticipantByProblem(ctx, tx, participantID, problemID)
	if err != nil {
		return err
	}
	if best == nil {
		return repos.Scores.Delete(ctx, tx, participantID, problemID)
	}
	return repos.Scores.Upsert(ctx, tx, model.ParticipantScore{
		ParticipantID: participantID,
		ProblemID:     problemID,
		SubmissionID:  best.ID,
		Points:        pointsOf(best),
	})
}

func pointsOf(sub *model.Submission) int {
	if sub.Points == nil {
		return 0
	}
	return *sub.Points
}
