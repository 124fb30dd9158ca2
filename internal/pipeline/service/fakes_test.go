package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"judgepipe/internal/common/db"
	"judgepipe/internal/pipeline/dispatcher"
	"judgepipe/internal/pipeline/model"
	"judgepipe/internal/pipeline/repository"
)

var errNotSupported = errors.New("raw sql is not supported by the in-memory store")

type scoreKey struct {
	participantID int64
	problemID     int64
}

type memState struct {
	submissions map[int64]model.Submission
	queue       map[int64]model.QueueEntry
	testRuns    []model.TestRun
	scores      map[scoreKey]model.ParticipantScore
	problems    map[int64]model.Problem
	tests       map[int64][]model.Test
	contests    map[int64]bool
	nextRunID   int64
}

func (s *memState) clone() *memState {
	c := &memState{
		submissions: make(map[int64]model.Submission, len(s.submissions)),
		queue:       make(map[int64]model.QueueEntry, len(s.queue)),
		testRuns:    append([]model.TestRun(nil), s.testRuns...),
		scores:      make(map[scoreKey]model.ParticipantScore, len(s.scores)),
		problems:    s.problems,
		tests:       s.tests,
		contests:    s.contests,
		nextRunID:   s.nextRunID,
	}
	for k, v := range s.submissions {
		if v.Points != nil {
			p := *v.Points
			v.Points = &p
		}
		c.submissions[k] = v
	}
	for k, v := range s.queue {
		c.queue[k] = v
	}
	for k, v := range s.scores {
		c.scores[k] = v
	}
	return c
}

// memStore is an in-memory stand-in for MySQL. Transactions are serialized and
// rolled back by restoring the snapshot taken at BeginTx.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	state *memState

	txOptions  []*db.TxOptions
	commitErr  error
	failExecOn string
}

func newMemStore() *memStore {
	return &memStore{state: &memState{
		submissions: make(map[int64]model.Submission),
		queue:       make(map[int64]model.QueueEntry),
		scores:      make(map[scoreKey]model.ParticipantScore),
		problems:    make(map[int64]model.Problem),
		tests:       make(map[int64][]model.Test),
		contests:    make(map[int64]bool),
		nextRunID:   1,
	}}
}

func (m *memStore) repositories() Repositories {
	return Repositories{
		Submissions: memSubmissions{m},
		Queue:       memQueue{m},
		TestRuns:    memTestRuns{m},
		Scores:      memScores{m},
		Problems:    memProblems{m},
	}
}

func (m *memStore) fail(op string) error {
	if m.failExecOn == op {
		return errors.New("injected failure on " + op)
	}
	return nil
}

// seeding and inspection helpers

func (m *memStore) addProblem(p model.Problem, tests ...model.Test) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.problems[p.ID] = p
	m.state.tests[p.ID] = tests
	if p.ContestID > 0 {
		m.state.contests[p.ContestID] = true
	}
}

func (m *memStore) addSubmission(s model.Submission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.submissions[s.ID] = s
}

func (m *memStore) addTestRuns(runs ...model.TestRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range runs {
		run.ID = m.state.nextRunID
		m.state.nextRunID++
		m.state.testRuns = append(m.state.testRuns, run)
	}
}

func (m *memStore) addScore(score model.ParticipantScore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.scores[scoreKey{score.ParticipantID, score.ProblemID}] = score
}

func (m *memStore) addQueueEntry(entry model.QueueEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.queue[entry.SubmissionID] = entry
}

func (m *memStore) submission(id int64) model.Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.submissions[id]
}

func (m *memStore) queueEntry(id int64) (model.QueueEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.state.queue[id]
	return entry, ok
}

func (m *memStore) queueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.queue)
}

func (m *memStore) runsOf(submissionID int64) []model.TestRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	var runs []model.TestRun
	for _, run := range m.state.testRuns {
		if run.SubmissionID == submissionID {
			runs = append(runs, run)
		}
	}
	return runs
}

func (m *memStore) score(participantID, problemID int64) (model.ParticipantScore, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	score, ok := m.state.scores[scoreKey{participantID, problemID}]
	return score, ok
}

// db.Database

func (m *memStore) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, errNotSupported
}

func (m *memStore) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return errRow{}
}

func (m *memStore) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	return nil, errNotSupported
}

func (m *memStore) BeginTx(ctx context.Context, opts *db.TxOptions) (db.Transaction, error) {
	m.txMu.Lock()
	m.mu.Lock()
	m.txOptions = append(m.txOptions, opts)
	snapshot := m.state.clone()
	m.mu.Unlock()
	return &memTx{store: m, snapshot: snapshot}, nil
}

func (m *memStore) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	return db.RunInTransaction(ctx, m, nil, fn)
}

func (m *memStore) Ping(ctx context.Context) error { return nil }
func (m *memStore) Close() error                   { return nil }

func (m *memStore) lastTxOptions() *db.TxOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.txOptions) == 0 {
		return nil
	}
	return m.txOptions[len(m.txOptions)-1]
}

type errRow struct{}

func (errRow) Scan(dest ...interface{}) error { return errNotSupported }

type memTx struct {
	store    *memStore
	snapshot *memState
	done     bool
}

func (t *memTx) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, errNotSupported
}

func (t *memTx) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return errRow{}
}

func (t *memTx) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	return nil, errNotSupported
}

func (t *memTx) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	defer t.store.txMu.Unlock()
	if err := t.store.commitErr; err != nil {
		t.restore()
		return err
	}
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.txMu.Unlock()
	t.restore()
	return nil
}

func (t *memTx) restore() {
	t.store.mu.Lock()
	t.store.state = t.snapshot
	t.store.mu.Unlock()
}

// repositories

type memSubmissions struct{ m *memStore }

func (r memSubmissions) GetByID(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.state.submissions[id]
	if !ok {
		return nil, repository.ErrSubmissionNotFound
	}
	return &s, nil
}

func (r memSubmissions) GetByIDForUpdate(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error) {
	if tx == nil {
		return nil, errors.New("transaction is required for locking reads")
	}
	return r.GetByID(ctx, tx, id)
}

func (r memSubmissions) ListIDsByProblems(ctx context.Context, tx db.Transaction, problemIDs []int64) ([]int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	wanted := make(map[int64]bool, len(problemIDs))
	for _, id := range problemIDs {
		wanted[id] = true
	}
	var ids []int64
	for _, s := range r.m.state.submissions {
		if wanted[s.ProblemID] && !s.IsDeleted {
			ids = append(ids, s.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r memSubmissions) ListByIDs(ctx context.Context, tx db.Transaction, ids []int64) ([]*model.Submission, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*model.Submission
	for _, id := range ids {
		if s, ok := r.m.state.submissions[id]; ok {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memSubmissions) ResetProcessed(ctx context.Context, tx db.Transaction, ids []int64) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("ResetProcessed"); err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		if s, ok := r.m.state.submissions[id]; ok {
			s.Processed = false
			r.m.state.submissions[id] = s
			n++
		}
	}
	return n, nil
}

func (r memSubmissions) SaveResult(ctx context.Context, tx db.Transaction, id int64, result repository.SubmissionResult) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.state.submissions[id]
	if !ok {
		return repository.ErrSubmissionNotFound
	}
	points := result.Points
	s.Processed = true
	s.Points = &points
	s.IsCompiledSuccessfully = result.IsCompiledSuccessfully
	s.CompilerComment = result.CompilerComment
	r.m.state.submissions[id] = s
	return nil
}

func (r memSubmissions) BestForParticipantByProblem(ctx context.Context, tx db.Transaction, participantID, problemID int64) (*model.Submission, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var best *model.Submission
	for _, s := range r.m.state.submissions {
		if s.ParticipantID != participantID || s.ProblemID != problemID || !s.Processed || s.IsDeleted {
			continue
		}
		s := s
		if best == nil || pointsOf(&s) > pointsOf(best) || (pointsOf(&s) == pointsOf(best) && s.ID > best.ID) {
			best = &s
		}
	}
	return best, nil
}

func (r memSubmissions) HardDelete(ctx context.Context, tx db.Transaction, id int64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.state.submissions[id]; !ok {
		return repository.ErrSubmissionNotFound
	}
	delete(r.m.state.submissions, id)
	return nil
}

type memQueue struct{ m *memStore }

func (r memQueue) Enqueue(ctx context.Context, tx db.Transaction, ids []int64, attempt string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("Enqueue"); err != nil {
		return err
	}
	for _, id := range ids {
		r.m.state.queue[id] = model.QueueEntry{SubmissionID: id, Attempt: attempt, EnqueuedAt: time.Now()}
	}
	return nil
}

func (r memQueue) Get(ctx context.Context, tx db.Transaction, submissionID int64) (*model.QueueEntry, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	entry, ok := r.m.state.queue[submissionID]
	if !ok {
		return nil, repository.ErrQueueEntryNotFound
	}
	return &entry, nil
}

func (r memQueue) GetForUpdate(ctx context.Context, tx db.Transaction, submissionID int64) (*model.QueueEntry, error) {
	if tx == nil {
		return nil, errors.New("transaction is required for locking reads")
	}
	return r.Get(ctx, tx, submissionID)
}

func (r memQueue) Remove(ctx context.Context, tx db.Transaction, submissionID int64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.state.queue, submissionID)
	return nil
}

func (r memQueue) Sweep(ctx context.Context, tx db.Transaction) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var removed int64
	for id := range r.m.state.queue {
		s, ok := r.m.state.submissions[id]
		if !ok || s.IsDeleted || s.Processed {
			delete(r.m.state.queue, id)
			removed++
		}
	}
	return removed, nil
}

func (r memQueue) RecordFailure(ctx context.Context, tx db.Transaction, submissionID int64, attempt, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	entry, ok := r.m.state.queue[submissionID]
	if !ok {
		s, exists := r.m.state.submissions[submissionID]
		if !exists || s.Processed || s.IsDeleted {
			return nil
		}
		r.m.state.queue[submissionID] = model.QueueEntry{
			SubmissionID:     submissionID,
			Attempt:          attempt,
			EnqueuedAt:       time.Now(),
			DispatchFailures: 1,
			LastError:        reason,
		}
		return nil
	}
	if entry.Attempt == attempt {
		entry.DispatchFailures++
		entry.LastError = reason
		r.m.state.queue[submissionID] = entry
	}
	return nil
}

func (r memQueue) ClearFailures(ctx context.Context, tx db.Transaction, submissionID int64, attempt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if entry, ok := r.m.state.queue[submissionID]; ok && entry.Attempt == attempt {
		entry.DispatchFailures = 0
		entry.LastError = ""
		r.m.state.queue[submissionID] = entry
	}
	return nil
}

func (r memQueue) ListEntries(ctx context.Context, tx db.Transaction, failedOnly bool, limit int) ([]*model.QueueEntry, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*model.QueueEntry
	for _, entry := range r.m.state.queue {
		if failedOnly && entry.DispatchFailures == 0 {
			continue
		}
		entry := entry
		out = append(out, &entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmissionID < out[j].SubmissionID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memTestRuns struct{ m *memStore }

func (r memTestRuns) DeleteBySubmissions(ctx context.Context, tx db.Transaction, submissionIDs []int64) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	drop := make(map[int64]bool, len(submissionIDs))
	for _, id := range submissionIDs {
		drop[id] = true
	}
	kept := r.m.state.testRuns[:0:0]
	var removed int64
	for _, run := range r.m.state.testRuns {
		if drop[run.SubmissionID] {
			removed++
			continue
		}
		kept = append(kept, run)
	}
	r.m.state.testRuns = kept
	return removed, nil
}

func (r memTestRuns) InsertBatch(ctx context.Context, tx db.Transaction, runs []model.TestRun) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("InsertBatch"); err != nil {
		return err
	}
	for _, run := range runs {
		run.ID = r.m.state.nextRunID
		r.m.state.nextRunID++
		r.m.state.testRuns = append(r.m.state.testRuns, run)
	}
	return nil
}

func (r memTestRuns) ListBySubmission(ctx context.Context, tx db.Transaction, submissionID int64) ([]model.TestRun, error) {
	return r.m.runsOf(submissionID), nil
}

type memScores struct{ m *memStore }

func (r memScores) DeleteByProblems(ctx context.Context, tx db.Transaction, problemIDs []int64) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var removed int64
	for key := range r.m.state.scores {
		for _, id := range problemIDs {
			if key.problemID == id {
				delete(r.m.state.scores, key)
				removed++
				break
			}
		}
	}
	return removed, nil
}

func (r memScores) Upsert(ctx context.Context, tx db.Transaction, score model.ParticipantScore) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.state.scores[scoreKey{score.ParticipantID, score.ProblemID}] = score
	return nil
}

func (r memScores) Delete(ctx context.Context, tx db.Transaction, participantID, problemID int64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.state.scores, scoreKey{participantID, problemID})
	return nil
}

type memProblems struct{ m *memStore }

func (r memProblems) GetByID(ctx context.Context, tx db.Transaction, problemID int64) (*model.Problem, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.state.problems[problemID]
	if !ok {
		return nil, repository.ErrProblemNotFound
	}
	return &p, nil
}

func (r memProblems) ListTests(ctx context.Context, tx db.Transaction, problemID int64) ([]model.Test, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return append([]model.Test(nil), r.m.state.tests[problemID]...), nil
}

func (r memProblems) ListIDsByContest(ctx context.Context, tx db.Transaction, contestID int64) ([]int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var ids []int64
	for _, p := range r.m.state.problems {
		if p.ContestID == contestID {
			ids = append(ids, p.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r memProblems) ContestExists(ctx context.Context, tx db.Transaction, contestID int64) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.m.state.contests[contestID], nil
}

func (r memProblems) GetDefinition(ctx context.Context, tx db.Transaction, problemID int64) (*model.ProblemDefinition, error) {
	p, err := r.GetByID(ctx, tx, problemID)
	if err != nil {
		return nil, err
	}
	tests, _ := r.ListTests(ctx, tx, problemID)
	return &model.ProblemDefinition{Problem: *p, Tests: tests, Checker: model.CheckerOf(*p)}, nil
}

func (r memProblems) InvalidateDefinitions(ctx context.Context, problemIDs []int64) error {
	return nil
}

// fakeDispatcher records requests and fails the configured submissions.
type fakeDispatcher struct {
	mu       sync.Mutex
	requests []model.ExecutionRequest
	failIDs  map[int64]bool
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, reqs []model.ExecutionRequest) *dispatcher.Future {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, reqs...)
	outcomes := make([]dispatcher.Outcome, 0, len(reqs))
	for _, req := range reqs {
		outcome := dispatcher.Outcome{SubmissionID: req.ID, Attempt: req.Attempt}
		if d.failIDs[req.ID] {
			outcome.Err = errors.New("worker unreachable")
		}
		outcomes = append(outcomes, outcome)
	}
	return dispatcher.Resolved(&dispatcher.BatchResult{Outcomes: outcomes})
}

// gatedDispatcher fails every send but resolves only once gate is closed.
type gatedDispatcher struct {
	gate chan struct{}
}

func (d gatedDispatcher) Dispatch(ctx context.Context, reqs []model.ExecutionRequest) *dispatcher.Future {
	outcomes := make([]dispatcher.Outcome, 0, len(reqs))
	for _, req := range reqs {
		outcomes = append(outcomes, dispatcher.Outcome{
			SubmissionID: req.ID,
			Attempt:      req.Attempt,
			Err:          errors.New("worker unreachable"),
		})
	}
	return dispatcher.Resolved(&dispatcher.BatchResult{Outcomes: outcomes}).Then(func(*dispatcher.BatchResult) {
		<-d.gate
	})
}

// hangingSender never answers; sends end only when their context does.
type hangingSender struct{}

func (hangingSender) Send(ctx context.Context, req *model.ExecutionRequest) error {
	<-ctx.Done()
	return ctx.Err()
}

func newHangingDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	d, err := dispatcher.New(dispatcher.Config{Sender: hangingSender{}, Timeout: time.Minute})
	if err != nil {
		t.Fatalf("new dispatcher failed: %v", err)
	}
	return d
}

func (d *fakeDispatcher) sent() []model.ExecutionRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.ExecutionRequest(nil), d.requests...)
}

func intPtr(v int) *int {
	return &v
}

// seedScenario stores problem 1 with three tests, submission 1 (scored 80 with three
// runs) and submission 2 (never processed).
func seedScenario(store *memStore) {
	store.addProblem(
		model.Problem{ID: 1, ContestID: 7, MaxPoints: 100, TimeLimit: 1000, MemoryLimit: 256, CheckerType: "exact"},
		model.Test{ID: 10, ProblemID: 1, Input: "1 2", Output: "3", IsTrialTest: true, OrderBy: 1},
		model.Test{ID: 11, ProblemID: 1, Input: "2 2", Output: "4", OrderBy: 2},
		model.Test{ID: 12, ProblemID: 1, Input: "5 5", Output: "10", OrderBy: 3},
	)
	store.addSubmission(model.Submission{
		ID: 1, ParticipantID: 100, ProblemID: 1, SubmissionType: "cpp-gcc",
		ContentText: "int main(){}", Processed: true, Points: intPtr(80), IsCompiledSuccessfully: true,
	})
	store.addSubmission(model.Submission{
		ID: 2, ParticipantID: 200, ProblemID: 1, SubmissionType: "java",
		Content: []byte{0x50, 0x4b},
	})
	store.addTestRuns(
		model.TestRun{SubmissionID: 1, TestID: 10, ResultType: model.CorrectAnswer},
		model.TestRun{SubmissionID: 1, TestID: 11, ResultType: model.CorrectAnswer},
		model.TestRun{SubmissionID: 1, TestID: 12, ResultType: model.WrongAnswer},
	)
	store.addScore(model.ParticipantScore{ParticipantID: 100, ProblemID: 1, SubmissionID: 1, Points: 80})
}
