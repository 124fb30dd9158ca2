package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"judgepipe/internal/common/db"
	"judgepipe/internal/common/storage"
	"judgepipe/internal/pipeline/model"
	"judgepipe/internal/pipeline/repository"
	appErr "judgepipe/pkg/errors"
	"judgepipe/pkg/utils/logger"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const (
	defaultArchivePrefix = "archive/submissions"
	archiveContentType   = "application/zstd"
	maxArchiveBytes      = 64 << 20
)

// ArchiveConfig holds archive service dependencies and settings.
type ArchiveConfig struct {
	DB           db.Database
	Repositories Repositories
	Storage      storage.ObjectStorage
	Bucket       string
	KeyPrefix    string
	Timeouts     TimeoutConfig
}

// ArchiveService moves soft-deleted submissions into object storage and removes them
// from the database.
type ArchiveService struct {
	db        db.Database
	repos     Repositories
	storage   storage.ObjectStorage
	bucket    string
	keyPrefix string
	timeouts  TimeoutConfig
	now       func() time.Time
}

// ArchiveResult points at the written archive object.
type ArchiveResult struct {
	SubmissionID int64  `json:"submission_id"`
	ObjectKey    string `json:"object_key"`
	SizeBytes    int64  `json:"size_bytes"`
}

func NewArchiveService(cfg ArchiveConfig) (*ArchiveService, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if err := cfg.Repositories.validate(); err != nil {
		return nil, err
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultArchivePrefix
	}
	return &ArchiveService{
		db:        cfg.DB,
		repos:     cfg.Repositories,
		storage:   cfg.Storage,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		timeouts:  cfg.Timeouts,
		now:       time.Now,
	}, nil
}

// ArchiveSubmission writes a soft-deleted submission with its test runs to storage,
// then deletes the submission, its test runs and its queue entry in one transaction.
// The object is removed again if the transaction fails, unless a concurrent archive
// of the same submission already committed it.
func (s *ArchiveService) ArchiveSubmission(ctx context.Context, submissionID int64) (*ArchiveResult, error) {
	if submissionID <= 0 {
		return nil, appErr.ValidationError("submission_id", "must be positive")
	}

	snapshot, err := s.snapshot(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	payload, err := encodeArchive(snapshot)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ArchiveFailed, "encode archive of submission %d failed", submissionID)
	}

	key := s.objectKey(submissionID)
	if err := s.upload(ctx, key, payload); err != nil {
		return nil, err
	}

	dbCtx := withTimeout(ctx, s.timeouts.DB)
	defer dbCtx.cancel()
	err = db.RunInTransaction(dbCtx.ctx, s.db, nil, func(tx db.Transaction) error {
		sub, err := s.repos.Submissions.GetByIDForUpdate(dbCtx.ctx, tx, submissionID)
		if err != nil {
			return err
		}
		if !sub.IsDeleted {
			return appErr.Newf(appErr.SubmissionNotArchived, "submission %d was restored", submissionID)
		}
		if _, err := s.repos.TestRuns.DeleteBySubmissions(dbCtx.ctx, tx, []int64{submissionID}); err != nil {
			return err
		}
		if err := s.repos.Queue.Remove(dbCtx.ctx, tx, submissionID); err != nil {
			return err
		}
		return s.repos.Submissions.HardDelete(dbCtx.ctx, tx, submissionID)
	})
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			// a concurrent archive committed first; the object under key is its copy
			return nil, appErr.Newf(appErr.SubmissionNotFound, "submission %d not found", submissionID)
		}
		s.compensate(ctx, key)
		return nil, coded(err, appErr.ArchiveFailed, "delete archived submission %d failed", submissionID)
	}

	logger.Info(ctx, "submission archived",
		zap.Int64("submission_id", submissionID),
		zap.String("object_key", key),
		zap.Int("size_bytes", len(payload)),
	)
	return &ArchiveResult{SubmissionID: submissionID, ObjectKey: key, SizeBytes: int64(len(payload))}, nil
}

// GetArchive reads an archived submission back from storage.
func (s *ArchiveService) GetArchive(ctx context.Context, submissionID int64) (*model.SubmissionArchive, error) {
	storageCtx := withTimeout(ctx, s.timeouts.Storage)
	defer storageCtx.cancel()

	reader, err := s.storage.GetObject(storageCtx.ctx, s.bucket, s.objectKey(submissionID))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, appErr.Newf(appErr.SubmissionNotFound, "no archive for submission %d", submissionID)
		}
		return nil, appErr.Wrapf(err, appErr.StorageError, "read archive of submission %d failed", submissionID)
	}
	defer reader.Close()

	archive, err := decodeArchive(reader)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "decode archive of submission %d failed", submissionID)
	}
	return archive, nil
}

func (s *ArchiveService) snapshot(ctx context.Context, submissionID int64) (*model.SubmissionArchive, error) {
	dbCtx := withTimeout(ctx, s.timeouts.DB)
	defer dbCtx.cancel()

	sub, err := s.repos.Submissions.GetByID(dbCtx.ctx, nil, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return nil, appErr.Newf(appErr.SubmissionNotFound, "submission %d not found", submissionID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load submission %d failed", submissionID)
	}
	if !sub.IsDeleted {
		return nil, appErr.Newf(appErr.SubmissionNotArchived, "submission %d is not deleted", submissionID)
	}
	runs, err := s.repos.TestRuns.ListBySubmission(dbCtx.ctx, nil, submissionID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load test runs of submission %d failed", submissionID)
	}
	if runs == nil {
		runs = []model.TestRun{}
	}
	return &model.SubmissionArchive{Submission: *sub, TestRuns: runs, ArchivedAt: s.now().UTC()}, nil
}

// upload writes payload and checks the stored size before anything is deleted.
func (s *ArchiveService) upload(ctx context.Context, key string, payload []byte) error {
	storageCtx := withTimeout(ctx, s.timeouts.Storage)
	defer storageCtx.cancel()

	if err := s.storage.PutObject(storageCtx.ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), archiveContentType); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "upload archive %s failed", key)
	}
	stat, err := s.storage.StatObject(storageCtx.ctx, s.bucket, key)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "stat archive %s failed", key)
	}
	if stat.SizeBytes != int64(len(payload)) {
		s.compensate(ctx, key)
		return appErr.Newf(appErr.ArchiveFailed, "archive %s stored %d of %d bytes", key, stat.SizeBytes, len(payload))
	}
	return nil
}

func (s *ArchiveService) compensate(ctx context.Context, key string) {
	storageCtx := detach(ctx, s.timeouts.Storage)
	defer storageCtx.cancel()
	if err := s.storage.RemoveObject(storageCtx.ctx, s.bucket, key); err != nil {
		logger.Error(ctx, "remove orphaned archive failed", zap.String("object_key", key), zap.Error(err))
	}
}

func (s *ArchiveService) objectKey(submissionID int64) string {
	return fmt.Sprintf("%s/%d.json.zst", s.keyPrefix, submissionID)
}

func encodeArchive(archive *model.SubmissionArchive) ([]byte, error) {
	raw, err := json.Marshal(archive)
	if err != nil {
		return nil, err
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func decodeArchive(r io.Reader) (*model.SubmissionArchive, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	raw, err := io.ReadAll(io.LimitReader(decoder, maxArchiveBytes))
	if err != nil {
		return nil, err
	}
	var archive model.SubmissionArchive
	if err := json.Unmarshal(raw, &archive); err != nil {
		return nil, err
	}
	return &archive, nil
}
