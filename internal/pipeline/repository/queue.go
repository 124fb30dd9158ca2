package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"judgepipe/internal/common/db"
	"judgepipe/internal/pipeline/model"
)

const maxLastErrorLen = 1024

// QueueRepository persists submissions_for_processing, keyed by submission id.
type QueueRepository interface {
	// Enqueue upserts one entry per id. Existing entries keep their identity and take the new attempt.
	Enqueue(ctx context.Context, tx db.Transaction, ids []int64, attempt string) error
	Get(ctx context.Context, tx db.Transaction, submissionID int64) (*model.QueueEntry, error)
	GetForUpdate(ctx context.Context, tx db.Transaction, submissionID int64) (*model.QueueEntry, error)
	// Remove is a no-op for missing entries.
	Remove(ctx context.Context, tx db.Transaction, submissionID int64) error
	// Sweep deletes entries whose submission is gone, soft-deleted or already processed.
	Sweep(ctx context.Context, tx db.Transaction) (int64, error)
	// RecordFailure counts a failed dispatch of attempt. A vanished entry is recreated
	// while its submission is still unprocessed; entries of newer attempts are left alone.
	RecordFailure(ctx context.Context, tx db.Transaction, submissionID int64, attempt, reason string) error
	ClearFailures(ctx context.Context, tx db.Transaction, submissionID int64, attempt string) error
	// ListEntries returns the oldest entries first, optionally only those with recorded failures.
	ListEntries(ctx context.Context, tx db.Transaction, failedOnly bool, limit int) ([]*model.QueueEntry, error)
}

// MySQLQueueRepository implements QueueRepository with MySQL.
type MySQLQueueRepository struct {
	db  db.Database
	now func() time.Time
}

func NewQueueRepository(database db.Database) *MySQLQueueRepository {
	return &MySQLQueueRepository{db: database, now: time.Now}
}

const queueColumns = "submission_id, attempt, enqueued_at, dispatch_failures, last_error"

func (r *MySQLQueueRepository) Enqueue(ctx context.Context, tx db.Transaction, ids []int64, attempt string) error {
	if len(ids) == 0 {
		return nil
	}
	if attempt == "" {
		return errors.New("attempt is required")
	}
	now := r.now().UTC()
	values := make([]string, 0, len(ids))
	args := make([]interface{}, 0, len(ids)*3)
	for _, id := range ids {
		values = append(values, "(?, ?, ?, 0, '')")
		args = append(args, id, attempt, now)
	}
	query := "INSERT INTO submissions_for_processing (" + queueColumns + ") VALUES " +
		strings.Join(values, ", ") +
		" ON DUPLICATE KEY UPDATE attempt = VALUES(attempt), enqueued_at = VALUES(enqueued_at), dispatch_failures = 0, last_error = ''"
	_, err := db.GetQuerier(r.db, tx).Exec(ctx, query, args...)
	return err
}

func (r *MySQLQueueRepository) Get(ctx context.Context, tx db.Transaction, submissionID int64) (*model.QueueEntry, error) {
	query := "SELECT " + queueColumns + " FROM submissions_for_processing WHERE submission_id = ?"
	return r.getOne(ctx, tx, query, submissionID)
}

func (r *MySQLQueueRepository) GetForUpdate(ctx context.Context, tx db.Transaction, submissionID int64) (*model.QueueEntry, error) {
	if tx == nil {
		return nil, errors.New("transaction is required for locking reads")
	}
	query := "SELECT " + queueColumns + " FROM submissions_for_processing WHERE submission_id = ? FOR UPDATE"
	return r.getOne(ctx, tx, query, submissionID)
}

func (r *MySQLQueueRepository) getOne(ctx context.Context, tx db.Transaction, query string, submissionID int64) (*model.QueueEntry, error) {
	entry, err := scanQueueEntry(db.GetQuerier(r.db, tx).QueryRow(ctx, query, submissionID))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrQueueEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (r *MySQLQueueRepository) Remove(ctx context.Context, tx db.Transaction, submissionID int64) error {
	_, err := db.GetQuerier(r.db, tx).Exec(ctx, "DELETE FROM submissions_for_processing WHERE submission_id = ?", submissionID)
	return err
}

func (r *MySQLQueueRepository) Sweep(ctx context.Context, tx db.Transaction) (int64, error) {
	query := `
		DELETE q FROM submissions_for_processing q
		LEFT JOIN submissions s ON s.id = q.submission_id
		WHERE s.id IS NULL OR s.is_deleted = 1 OR s.processed = 1
	`
	result, err := db.GetQuerier(r.db, tx).Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *MySQLQueueRepository) RecordFailure(ctx context.Context, tx db.Transaction, submissionID int64, attempt, reason string) error {
	reason = truncateUTF8(reason, maxLastErrorLen)
	query := `
		INSERT INTO submissions_for_processing (` + queueColumns + `)
		SELECT s.id, ?, ?, 1, ? FROM submissions s
		WHERE s.id = ? AND s.processed = 0 AND s.is_deleted = 0
		ON DUPLICATE KEY UPDATE
			dispatch_failures = IF(attempt = VALUES(attempt), dispatch_failures + 1, dispatch_failures),
			last_error = IF(attempt = VALUES(attempt), VALUES(last_error), last_error)
	`
	_, err := db.GetQuerier(r.db, tx).Exec(ctx, query, attempt, r.now().UTC(), reason, submissionID)
	return err
}

func (r *MySQLQueueRepository) ClearFailures(ctx context.Context, tx db.Transaction, submissionID int64, attempt string) error {
	query := "UPDATE submissions_for_processing SET dispatch_failures = 0, last_error = '' WHERE submission_id = ? AND attempt = ?"
	_, err := db.GetQuerier(r.db, tx).Exec(ctx, query, submissionID, attempt)
	return err
}

func (r *MySQLQueueRepository) ListEntries(ctx context.Context, tx db.Transaction, failedOnly bool, limit int) ([]*model.QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + queueColumns + " FROM submissions_for_processing"
	if failedOnly {
		query += " WHERE dispatch_failures > 0"
	}
	query += " ORDER BY enqueued_at, submission_id LIMIT ?"
	rows, err := db.GetQuerier(r.db, tx).Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanQueueEntry(row rowScanner) (*model.QueueEntry, error) {
	var (
		entry     model.QueueEntry
		lastError sql.NullString
	)
	if err := row.Scan(&entry.SubmissionID, &entry.Attempt, &entry.EnqueuedAt, &entry.DispatchFailures, &lastError); err != nil {
		return nil, err
	}
	entry.LastError = lastError.String
	return &entry, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
