package repository

import (
	"context"

	"judgepipe/internal/common/db"
	"judgepipe/internal/pipeline/model"
)

// ParticipantScoreRepository stores the best result per participant and problem.
type ParticipantScoreRepository interface {
	DeleteByProblems(ctx context.Context, tx db.Transaction, problemIDs []int64) (int64, error)
	Upsert(ctx context.Context, tx db.Transaction, score model.ParticipantScore) error
	Delete(ctx context.Context, tx db.Transaction, participantID, problemID int64) error
}

// MySQLParticipantScoreRepository implements ParticipantScoreRepository with MySQL.
type MySQLParticipantScoreRepository struct {
	db db.Database
}

func NewParticipantScoreRepository(database db.Database) *MySQLParticipantScoreRepository {
	return &MySQLParticipantScoreRepository{db: database}
}

func (r *MySQLParticipantScoreRepository) DeleteByProblems(ctx context.Context, tx db.Transaction, problemIDs []int64) (int64, error) {
	if len(problemIDs) == 0 {
		return 0, nil
	}
	query := "DELETE FROM participant_scores WHERE problem_id IN (" + inPlaceholders(len(problemIDs)) + ")"
	result, err := db.GetQuerier(r.db, tx).Exec(ctx, query, int64Args(problemIDs)...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *MySQLParticipantScoreRepository) Upsert(ctx context.Context, tx db.Transaction, score model.ParticipantScore) error {
	query := `
		INSERT INTO participant_scores (participant_id, problem_id, submission_id, points)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE submission_id = VALUES(submission_id), points = VALUES(points)
	`
	_, err := db.GetQuerier(r.db, tx).Exec(ctx, query, score.ParticipantID, score.ProblemID, score.SubmissionID, score.Points)
	return err
}

func (r *MySQLParticipantScoreRepository) Delete(ctx context.Context, tx db.Transaction, participantID, problemID int64) error {
	query := "DELETE FROM participant_scores WHERE participant_id = ? AND problem_id = ?"
	_, err := db.GetQuerier(r.db, tx).Exec(ctx, query, participantID, problemID)
	return err
}
