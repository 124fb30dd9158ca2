package repository

import (
	"context"
	"database/sql"
	"errors"

	"judgepipe/internal/common/db"
	"judgepipe/internal/pipeline/model"
)

// SubmissionRepository defines submission persistence used by the pipeline.
type SubmissionRepository interface {
	// GetByID returns the submission including soft-deleted rows.
	GetByID(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error)
	// GetByIDForUpdate locks the row until tx ends.
	GetByIDForUpdate(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error)
	ListIDsByProblems(ctx context.Context, tx db.Transaction, problemIDs []int64) ([]int64, error)
	ListByIDs(ctx context.Context, tx db.Transaction, ids []int64) ([]*model.Submission, error)
	ResetProcessed(ctx context.Context, tx db.Transaction, ids []int64) (int64, error)
	SaveResult(ctx context.Context, tx db.Transaction, id int64, result SubmissionResult) error
	// BestForParticipantByProblem returns nil when no processed submission exists.
	BestForParticipantByProblem(ctx context.Context, tx db.Transaction, participantID, problemID int64) (*model.Submission, error)
	HardDelete(ctx context.Context, tx db.Transaction, id int64) error
}

// SubmissionResult is the judged state written by the ingestor.
type SubmissionResult struct {
	Points                 int
	IsCompiledSuccessfully bool
	CompilerComment        string
}

// MySQLSubmissionRepository implements SubmissionRepository with MySQL.
type MySQLSubmissionRepository struct {
	db db.Database
}

func NewSubmissionRepository(database db.Database) *MySQLSubmissionRepository {
	return &MySQLSubmissionRepository{db: database}
}

const submissionColumns = "id, participant_id, problem_id, submission_type, content, content_text, processed, points, is_compiled_successfully, compiler_comment, is_deleted, created_at"

func (r *MySQLSubmissionRepository) GetByID(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error) {
	query := "SELECT " + submissionColumns + " FROM submissions WHERE id = ?"
	return r.getOne(ctx, tx, query, id)
}

func (r *MySQLSubmissionRepository) GetByIDForUpdate(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error) {
	if tx == nil {
		return nil, errors.New("transaction is required for locking reads")
	}
	query := "SELECT " + submissionColumns + " FROM submissions WHERE id = ? FOR UPDATE"
	return r.getOne(ctx, tx, query, id)
}

func (r *MySQLSubmissionRepository) getOne(ctx context.Context, tx db.Transaction, query string, id int64) (*model.Submission, error) {
	row := db.GetQuerier(r.db, tx).QueryRow(ctx, query, id)
	submission, err := scanSubmission(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	return submission, nil
}

func (r *MySQLSubmissionRepository) ListIDsByProblems(ctx context.Context, tx db.Transaction, problemIDs []int64) ([]int64, error) {
	if len(problemIDs) == 0 {
		return nil, nil
	}
	query := "SELECT id FROM submissions WHERE is_deleted = 0 AND problem_id IN (" + inPlaceholders(len(problemIDs)) + ") ORDER BY id"
	rows, err := db.GetQuerier(r.db, tx).Query(ctx, query, int64Args(problemIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *MySQLSubmissionRepository) ListByIDs(ctx context.Context, tx db.Transaction, ids []int64) ([]*model.Submission, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := "SELECT " + submissionColumns + " FROM submissions WHERE id IN (" + inPlaceholders(len(ids)) + ") ORDER BY id"
	rows, err := db.GetQuerier(r.db, tx).Query(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var submissions []*model.Submission
	for rows.Next() {
		submission, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		submissions = append(submissions, submission)
	}
	return submissions, rows.Err()
}

// ResetProcessed marks submissions unprocessed. Points are kept until the new result arrives.
func (r *MySQLSubmissionRepository) ResetProcessed(ctx context.Context, tx db.Transaction, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := "UPDATE submissions SET processed = 0 WHERE id IN (" + inPlaceholders(len(ids)) + ")"
	result, err := db.GetQuerier(r.db, tx).Exec(ctx, query, int64Args(ids)...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *MySQLSubmissionRepository) SaveResult(ctx context.Context, tx db.Transaction, id int64, result SubmissionResult) error {
	query := `
		UPDATE submissions
		SET processed = 1, points = ?, is_compiled_successfully = ?, compiler_comment = ?
		WHERE id = ?
	`
	res, err := db.GetQuerier(r.db, tx).Exec(ctx, query, result.Points, result.IsCompiledSuccessfully, result.CompilerComment, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// MySQL reports 0 for unchanged rows too, so confirm the row exists
		if _, err := r.GetByID(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *MySQLSubmissionRepository) BestForParticipantByProblem(ctx context.Context, tx db.Transaction, participantID, problemID int64) (*model.Submission, error) {
	query := "SELECT " + submissionColumns + `
		FROM submissions
		WHERE participant_id = ? AND problem_id = ? AND processed = 1 AND is_deleted = 0
		ORDER BY points DESC, id DESC
		LIMIT 1`
	row := db.GetQuerier(r.db, tx).QueryRow(ctx, query, participantID, problemID)
	submission, err := scanSubmission(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return submission, nil
}

func (r *MySQLSubmissionRepository) HardDelete(ctx context.Context, tx db.Transaction, id int64) error {
	result, err := db.GetQuerier(r.db, tx).Exec(ctx, "DELETE FROM submissions WHERE id = ?", id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSubmissionNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(row rowScanner) (*model.Submission, error) {
	var (
		s           model.Submission
		contentText sql.NullString
		points      sql.NullInt64
		comment     sql.NullString
	)
	if err := row.Scan(
		&s.ID,
		&s.ParticipantID,
		&s.ProblemID,
		&s.SubmissionType,
		&s.Content,
		&contentText,
		&s.Processed,
		&points,
		&s.IsCompiledSuccessfully,
		&comment,
		&s.IsDeleted,
		&s.CreatedAt,
	); err != nil {
		return nil, err
	}
	s.ContentText = contentText.String
	s.CompilerComment = comment.String
	if points.Valid {
		p := int(points.Int64)
		s.Points = &p
	}
	return &s, nil
}
