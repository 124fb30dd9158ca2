package repository

import (
	"context"
	"strings"

	"judgepipe/internal/common/db"
	"judgepipe/internal/pipeline/model"
)

// TestRunRepository stores per-test outcomes. Runs are replaced as a whole, never updated.
type TestRunRepository interface {
	DeleteBySubmissions(ctx context.Context, tx db.Transaction, submissionIDs []int64) (int64, error)
	InsertBatch(ctx context.Context, tx db.Transaction, runs []model.TestRun) error
	ListBySubmission(ctx context.Context, tx db.Transaction, submissionID int64) ([]model.TestRun, error)
}

// MySQLTestRunRepository implements TestRunRepository with MySQL.
type MySQLTestRunRepository struct {
	db db.Database
}

func NewTestRunRepository(database db.Database) *MySQLTestRunRepository {
	return &MySQLTestRunRepository{db: database}
}

const testRunInsertColumns = "submission_id, test_id, result_type, time_used, memory_used, execution_comment, checker_comment, expected_output_fragment, user_output_fragment"

func (r *MySQLTestRunRepository) DeleteBySubmissions(ctx context.Context, tx db.Transaction, submissionIDs []int64) (int64, error) {
	if len(submissionIDs) == 0 {
		return 0, nil
	}
	query := "DELETE FROM test_runs WHERE submission_id IN (" + inPlaceholders(len(submissionIDs)) + ")"
	result, err := db.GetQuerier(r.db, tx).Exec(ctx, query, int64Args(submissionIDs)...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *MySQLTestRunRepository) InsertBatch(ctx context.Context, tx db.Transaction, runs []model.TestRun) error {
	if len(runs) == 0 {
		return nil
	}
	values := make([]string, 0, len(runs))
	args := make([]interface{}, 0, len(runs)*9)
	for _, run := range runs {
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			run.SubmissionID,
			run.TestID,
			int(run.ResultType),
			run.TimeUsed,
			run.MemoryUsed,
			run.ExecutionComment,
			run.CheckerComment,
			run.ExpectedOutputFragment,
			run.UserOutputFragment,
		)
	}
	query := "INSERT INTO test_runs (" + testRunInsertColumns + ") VALUES " + strings.Join(values, ", ")
	_, err := db.GetQuerier(r.db, tx).Exec(ctx, query, args...)
	return err
}

func (r *MySQLTestRunRepository) ListBySubmission(ctx context.Context, tx db.Transaction, submissionID int64) ([]model.TestRun, error) {
	query := "SELECT id, " + testRunInsertColumns + " FROM test_runs WHERE submission_id = ? ORDER BY id"
	rows, err := db.GetQuerier(r.db, tx).Query(ctx, query, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.TestRun
	for rows.Next() {
		var (
			run        model.TestRun
			resultType int
		)
		if err := rows.Scan(
			&run.ID,
			&run.SubmissionID,
			&run.TestID,
			&resultType,
			&run.TimeUsed,
			&run.MemoryUsed,
			&run.ExecutionComment,
			&run.CheckerComment,
			&run.ExpectedOutputFragment,
			&run.UserOutputFragment,
		); err != nil {
			return nil, err
		}
		run.ResultType = model.ResultType(resultType)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
