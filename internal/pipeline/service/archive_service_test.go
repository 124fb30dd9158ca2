package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"judgepipe/internal/common/storage"
	"judgepipe/internal/pipeline/model"
	appErr "judgepipe/pkg/errors"
)

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	removed []string
	// beforePut runs once ahead of the next PutObject
	beforePut func()
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (s *memObjects) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	s.mu.Lock()
	hook := s.beforePut
	s.beforePut = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+objectKey] = data
	return nil
}

func (s *memObjects) GetObject(ctx context.Context, bucket, objectKey string) (storage.ObjectReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+objectKey]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memObjects) StatObject(ctx context.Context, bucket, objectKey string) (storage.ObjectStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+objectKey]
	if !ok {
		return storage.ObjectStat{}, storage.ErrObjectNotFound
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func (s *memObjects) RemoveObject(ctx context.Context, bucket, objectKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, bucket+"/"+objectKey)
	s.removed = append(s.removed, objectKey)
	return nil
}

func (s *memObjects) has(bucket, objectKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[bucket+"/"+objectKey]
	return ok
}

func newArchiveService(t *testing.T, store *memStore, objects *memObjects) *ArchiveService {
	t.Helper()
	svc, err := NewArchiveService(ArchiveConfig{
		DB:           store,
		Repositories: store.repositories(),
		Storage:      objects,
		Bucket:       "judgepipe",
		Timeouts:     TimeoutConfig{DB: time.Second, Storage: time.Second},
	})
	if err != nil {
		t.Fatalf("new archive service failed: %v", err)
	}
	return svc
}

func softDelete(store *memStore, id int64) {
	sub := store.submission(id)
	sub.IsDeleted = true
	store.addSubmission(sub)
}

func TestArchiveSubmissionRoundTrip(t *testing.T) {
	store := newMemStore()
	seedScenario(store)
	softDelete(store, 1)
	store.addQueueEntry(model.QueueEntry{SubmissionID: 1, Attempt: "a"})
	objects := newMemObjects()
	svc := newArchiveService(t, store, objects)
	ctx := context.Background()

	result, err := svc.ArchiveSubmission(ctx, 1)
	if err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	if result.ObjectKey != "archive/submissions/1.json.zst" || result.SizeBytes == 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !objects.has("judgepipe", result.ObjectKey) {
		t.Fatalf("expected archive object to be stored")
	}
	if _, err := store.repositories().Submissions.GetByID(ctx, nil, 1); err == nil {
		t.Fatalf("expected submission to be hard-deleted")
	}
	if len(store.runsOf(1)) != 0 {
		t.Fatalf("expected test runs to be deleted")
	}
	if _, ok := store.queueEntry(1); ok {
		t.Fatalf("expected queue entry to be deleted")
	}

	archive, err := svc.GetArchive(ctx, 1)
	if err != nil {
		t.Fatalf("read archive failed: %v", err)
	}
	if archive.Submission.ID != 1 || archive.Submission.ContentText != "int main(){}" || len(archive.TestRuns) != 3 {
		t.Fatalf("unexpected archive: %+v", archive)
	}
}

func TestArchiveRequiresSoftDelete(t *testing.T) {
	store := newMemStore()
	seedScenario(store)
	objects := newMemObjects()
	svc := newArchiveService(t, store, objects)

	if _, err := svc.ArchiveSubmission(context.Background(), 1); !appErr.Is(err, appErr.SubmissionNotArchived) {
		t.Fatalf("expected SubmissionNotArchived, got %v", err)
	}
	if _, err := svc.ArchiveSubmission(context.Background(), 404); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected SubmissionNotFound, got %v", err)
	}
	if _, err := svc.GetArchive(context.Background(), 1); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected missing archive to be not found, got %v", err)
	}
}

func TestArchiveRemovesObjectWhenDeleteFails(t *testing.T) {
	store := newMemStore()
	seedScenario(store)
	softDelete(store, 1)
	store.commitErr = errors.New("lock wait timeout")
	objects := newMemObjects()
	svc := newArchiveService(t, store, objects)

	_, err := svc.ArchiveSubmission(context.Background(), 1)
	if !appErr.Is(err, appErr.ArchiveFailed) {
		t.Fatalf("expected ArchiveFailed, got %v", err)
	}
	if objects.has("judgepipe", "archive/submissions/1.json.zst") {
		t.Fatalf("expected orphaned archive to be removed")
	}
	if _, err := store.repositories().Submissions.GetByID(context.Background(), nil, 1); err != nil {
		t.Fatalf("submission must survive a failed archive: %v", err)
	}
}

func TestConcurrentArchiveKeepsWinnersObject(t *testing.T) {
	store := newMemStore()
	seedScenario(store)
	softDelete(store, 1)
	objects := newMemObjects()
	svc := newArchiveService(t, store, objects)
	ctx := context.Background()

	// the competing archive runs to completion between our snapshot and our upload
	var winnerErr error
	objects.beforePut = func() {
		_, winnerErr = svc.ArchiveSubmission(ctx, 1)
	}

	_, err := svc.ArchiveSubmission(ctx, 1)
	if winnerErr != nil {
		t.Fatalf("competing archive failed: %v", winnerErr)
	}
	if !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected the losing archive to see SubmissionNotFound, got %v", err)
	}
	if !objects.has("judgepipe", "archive/submissions/1.json.zst") {
		t.Fatalf("the committed archive object must survive the losing call")
	}
	archive, err := svc.GetArchive(ctx, 1)
	if err != nil || archive.Submission.ID != 1 || len(archive.TestRuns) != 3 {
		t.Fatalf("unexpected archive after race: %+v, %v", archive, err)
	}
}
