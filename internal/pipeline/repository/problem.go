package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"judgepipe/internal/common/cache"
	"judgepipe/internal/common/db"
	"judgepipe/internal/pipeline/model"
)

const (
	defaultDefinitionTTL      = 10 * time.Minute
	defaultDefinitionEmptyTTL = time.Minute
	definitionKeyPrefix       = "pipeline:problem:def:"
)

// ProblemRepository reads problems, their tests and contests.
type ProblemRepository interface {
	GetByID(ctx context.Context, tx db.Transaction, problemID int64) (*model.Problem, error)
	ListTests(ctx context.Context, tx db.Transaction, problemID int64) ([]model.Test, error)
	ListIDsByContest(ctx context.Context, tx db.Transaction, contestID int64) ([]int64, error)
	ContestExists(ctx context.Context, tx db.Transaction, contestID int64) (bool, error)
	// GetDefinition returns the problem with its tests and checker. Reads outside a
	// transaction go through the cache.
	GetDefinition(ctx context.Context, tx db.Transaction, problemID int64) (*model.ProblemDefinition, error)
	InvalidateDefinitions(ctx context.Context, problemIDs []int64) error
}

// MySQLProblemRepository implements ProblemRepository with MySQL and an optional cache.
type MySQLProblemRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

func NewProblemRepository(database db.Database, cacheClient cache.Cache) *MySQLProblemRepository {
	return NewProblemRepositoryWithTTL(database, cacheClient, defaultDefinitionTTL, defaultDefinitionEmptyTTL)
}

func NewProblemRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *MySQLProblemRepository {
	if ttl <= 0 {
		ttl = defaultDefinitionTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultDefinitionEmptyTTL
	}
	return &MySQLProblemRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

func (r *MySQLProblemRepository) GetByID(ctx context.Context, tx db.Transaction, problemID int64) (*model.Problem, error) {
	query := `
		SELECT id, contest_id, max_points, time_limit, memory_limit, checker_type, checker_parameter, solution_skeleton
		FROM problems WHERE id = ?
	`
	var p model.Problem
	err := db.GetQuerier(r.db, tx).QueryRow(ctx, query, problemID).Scan(
		&p.ID,
		&p.ContestID,
		&p.MaxPoints,
		&p.TimeLimit,
		&p.MemoryLimit,
		&p.CheckerType,
		&p.CheckerParameter,
		&p.SolutionSkeleton,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrProblemNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *MySQLProblemRepository) ListTests(ctx context.Context, tx db.Transaction, problemID int64) ([]model.Test, error) {
	query := "SELECT id, problem_id, input, output, is_trial_test, order_by FROM tests WHERE problem_id = ? ORDER BY order_by, id"
	rows, err := db.GetQuerier(r.db, tx).Query(ctx, query, problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tests []model.Test
	for rows.Next() {
		var t model.Test
		if err := rows.Scan(&t.ID, &t.ProblemID, &t.Input, &t.Output, &t.IsTrialTest, &t.OrderBy); err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

func (r *MySQLProblemRepository) ListIDsByContest(ctx context.Context, tx db.Transaction, contestID int64) ([]int64, error) {
	rows, err := db.GetQuerier(r.db, tx).Query(ctx, "SELECT id FROM problems WHERE contest_id = ? ORDER BY id", contestID)
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

func (r *MySQLProblemRepository) ContestExists(ctx context.Context, tx db.Transaction, contestID int64) (bool, error) {
	var id int64
	err := db.GetQuerier(r.db, tx).QueryRow(ctx, "SELECT id FROM contests WHERE id = ?", contestID).Scan(&id)
	if err != nil {
		if db.IsNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *MySQLProblemRepository) GetDefinition(ctx context.Context, tx db.Transaction, problemID int64) (*model.ProblemDefinition, error) {
	if r.cache == nil || tx != nil {
		return r.getDefinitionFromDB(ctx, tx, problemID)
	}
	def, err := cache.GetWithCached[*model.ProblemDefinition](
		ctx,
		r.cache,
		definitionKey(problemID),
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(def *model.ProblemDefinition) bool { return def == nil },
		marshalDefinition,
		unmarshalDefinition,
		func(ctx context.Context) (*model.ProblemDefinition, error) {
			def, err := r.getDefinitionFromDB(ctx, nil, problemID)
			if errors.Is(err, ErrProblemNotFound) {
				return nil, nil
			}
			return def, err
		},
	)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, ErrProblemNotFound
	}
	return def, nil
}

func (r *MySQLProblemRepository) InvalidateDefinitions(ctx context.Context, problemIDs []int64) error {
	if r.cache == nil || len(problemIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(problemIDs))
	for _, id := range problemIDs {
		keys = append(keys, definitionKey(id))
	}
	return r.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		return pipe.Del(keys...)
	})
}

func (r *MySQLProblemRepository) getDefinitionFromDB(ctx context.Context, tx db.Transaction, problemID int64) (*model.ProblemDefinition, error) {
	problem, err := r.GetByID(ctx, tx, problemID)
	if err != nil {
		return nil, err
	}
	tests, err := r.ListTests(ctx, tx, problemID)
	if err != nil {
		return nil, err
	}
	return &model.ProblemDefinition{
		Problem: *problem,
		Tests:   tests,
		Checker: model.CheckerOf(*problem),
	}, nil
}

func definitionKey(problemID int64) string {
	return definitionKeyPrefix + strconv.FormatInt(problemID, 10)
}

func marshalDefinition(def *model.ProblemDefinition) string {
	data, err := json.Marshal(def)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalDefinition(data string) (*model.ProblemDefinition, error) {
	var def model.ProblemDefinition
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		return nil, err
	}
	return &def, nil
}
