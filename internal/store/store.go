package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/skritek/pagepilot/api/schemas"
)

// DBPool abstracts pgxpool.Pool so the store can be tested against pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Close()
}

// schemaDDL creates the episode log. Steps and their actions are append
// only; the episode header is written once at creation and sealed once at
// the end.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS episodes (
        id TEXT PRIMARY KEY,
        task TEXT NOT NULL,
        status TEXT NOT NULL,
        success BOOLEAN NOT NULL DEFAULT FALSE,
        partial_success BOOLEAN NOT NULL DEFAULT FALSE,
        steps INTEGER NOT NULL DEFAULT 0,
        tokens_used INTEGER NOT NULL DEFAULT 0,
        final_url TEXT NOT NULL DEFAULT '',
        summary TEXT NOT NULL DEFAULT '',
        started_at TIMESTAMPTZ NOT NULL,
        finished_at TIMESTAMPTZ
    );`,
	`CREATE TABLE IF NOT EXISTS steps (
        episode_id TEXT NOT NULL REFERENCES episodes(id),
        step_index INTEGER NOT NULL,
        url TEXT NOT NULL,
        title TEXT NOT NULL DEFAULT '',
        view_size INTEGER NOT NULL DEFAULT 0,
        decision JSONB NOT NULL DEFAULT '{}',
        new_elements INTEGER NOT NULL DEFAULT 0,
        gone_elements INTEGER NOT NULL DEFAULT 0,
        started_at TIMESTAMPTZ NOT NULL,
        finished_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (episode_id, step_index)
    );`,
	`CREATE TABLE IF NOT EXISTS step_actions (
        episode_id TEXT NOT NULL,
        step_index INTEGER NOT NULL,
        action_index INTEGER NOT NULL,
        name TEXT NOT NULL,
        params JSONB NOT NULL DEFAULT '{}',
        target_signature TEXT NOT NULL DEFAULT '',
        ok BOOLEAN NOT NULL DEFAULT FALSE,
        error TEXT NOT NULL DEFAULT '',
        extracted TEXT NOT NULL DEFAULT '',
        skipped BOOLEAN NOT NULL DEFAULT FALSE,
        duration_ms BIGINT NOT NULL DEFAULT 0,
        include_in_memory BOOLEAN NOT NULL DEFAULT FALSE,
        PRIMARY KEY (episode_id, step_index, action_index)
    );`,
}

// Store is the PostgreSQL episode log behind schemas.EpisodeStore.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.EpisodeStore = (*Store)(nil)

// New verifies the connection and makes sure the schema exists.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	for _, ddl := range schemaDDL {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return nil, fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Open connects to the DSN and builds a store on the resulting pool.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

const sqlInsertEpisode = `
    INSERT INTO episodes (id, task, status, started_at)
    VALUES ($1, $2, $3, $4);
`

// CreateEpisode writes the episode header at the start of a run.
func (s *Store) CreateEpisode(ctx context.Context, ep *schemas.EpisodeRecord) error {
	_, err := s.pool.Exec(ctx, sqlInsertEpisode,
		ep.ID, ep.Task, string(ep.Status), ep.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert episode %s: %w", ep.ID, err)
	}
	return nil
}

const sqlInsertStep = `
    INSERT INTO steps (episode_id, step_index, url, title, view_size, decision, new_elements, gone_elements, started_at, finished_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`

var stepActionColumns = []string{
	"episode_id", "step_index", "action_index", "name", "params",
	"target_signature", "ok", "error", "extracted", "skipped",
	"duration_ms", "include_in_memory",
}

// AppendStep writes one step and its action records in a single
// transaction. Rows are never updated afterwards.
func (s *Store) AppendStep(ctx context.Context, step *schemas.StepRecord) error {
	decision, err := jsonbValue(step.Decision)
	if err != nil {
		return fmt.Errorf("failed to encode decision for step %d: %w", step.StepIndex, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.Exec(ctx, sqlInsertStep,
		step.EpisodeID, step.StepIndex, step.URL, step.Title, step.ViewSize,
		decision, step.NewElements, step.GoneElements,
		step.StartedAt.UTC(), step.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert step %d: %w", step.StepIndex, err)
	}

	if len(step.Actions) > 0 {
		rows := make([][]interface{}, len(step.Actions))
		for i, a := range step.Actions {
			params, perr := jsonbValue(a.Params)
			if perr != nil {
				return fmt.Errorf("failed to encode params for action %d: %w", i, perr)
			}
			rows[i] = []interface{}{
				step.EpisodeID, step.StepIndex, i, a.Name, params,
				a.TargetSignature, a.OK, a.Error, a.Extracted, a.Skipped,
				a.DurationMS, a.IncludeInMemory,
			}
		}

		copyCount, err := tx.CopyFrom(ctx,
			pgx.Identifier{"step_actions"}, stepActionColumns,
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy action records: %w", err)
		}
		if int(copyCount) != len(step.Actions) {
			return fmt.Errorf("mismatch in copied action count: expected %d, got %d", len(step.Actions), copyCount)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const sqlSealEpisode = `
    UPDATE episodes SET
        status = $2,
        success = $3,
        partial_success = $4,
        steps = $5,
        tokens_used = $6,
        final_url = $7,
        summary = $8,
        finished_at = $9
    WHERE id = $1;
`

// FinishEpisode seals the header with the episode's terminal totals.
func (s *Store) FinishEpisode(ctx context.Context, ep *schemas.EpisodeRecord) error {
	_, err := s.pool.Exec(ctx, sqlSealEpisode,
		ep.ID, string(ep.Status), ep.Success, ep.PartialSuccess,
		ep.Steps, ep.TokensUsed, ep.FinalURL, ep.Summary,
		ep.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to seal episode %s: %w", ep.ID, err)
	}
	return nil
}

const episodeColumns = `id, task, status, success, partial_success, steps, tokens_used, final_url, summary, started_at, finished_at`

const sqlSelectEpisode = `
    SELECT ` + episodeColumns + `
    FROM episodes
    WHERE id = $1;
`

const sqlSelectSteps = `
    SELECT step_index, url, title, view_size, decision, new_elements, gone_elements, started_at, finished_at
    FROM steps
    WHERE episode_id = $1
    ORDER BY step_index ASC;
`

const sqlSelectActions = `
    SELECT step_index, action_index, name, params, target_signature, ok, error, extracted, skipped, duration_ms, include_in_memory
    FROM step_actions
    WHERE episode_id = $1
    ORDER BY step_index ASC, action_index ASC;
`

// LoadEpisode reads one episode with its full step trace, actions folded
// back into their steps in recorded order.
func (s *Store) LoadEpisode(ctx context.Context, id string) (*schemas.EpisodeRecord, []schemas.StepRecord, error) {
	ep, err := s.loadHeader(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	steps, byIndex, err := s.loadSteps(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := s.loadActions(ctx, id, byIndex); err != nil {
		return nil, nil, err
	}
	return ep, steps, nil
}

func (s *Store) loadHeader(ctx context.Context, id string) (*schemas.EpisodeRecord, error) {
	rows, err := s.pool.Query(ctx, sqlSelectEpisode, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query episode %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error during row iteration: %w", err)
		}
		return nil, fmt.Errorf("episode %s: %w", id, pgx.ErrNoRows)
	}
	ep, err := scanEpisode(rows)
	if err != nil {
		return nil, err
	}
	return ep, rows.Err()
}

func (s *Store) loadSteps(ctx context.Context, id string) ([]schemas.StepRecord, map[int]*schemas.StepRecord, error) {
	rows, err := s.pool.Query(ctx, sqlSelectSteps, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []schemas.StepRecord
	for rows.Next() {
		var (
			step     schemas.StepRecord
			decision []byte
		)
		err := rows.Scan(&step.StepIndex, &step.URL, &step.Title, &step.ViewSize,
			&decision, &step.NewElements, &step.GoneElements,
			&step.StartedAt, &step.FinishedAt)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		if len(decision) > 0 {
			if err := json.Unmarshal(decision, &step.Decision); err != nil {
				return nil, nil, fmt.Errorf("failed to decode decision for step %d: %w", step.StepIndex, err)
			}
		}
		step.EpisodeID = id
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error during row iteration: %w", err)
	}

	byIndex := make(map[int]*schemas.StepRecord, len(steps))
	for i := range steps {
		byIndex[steps[i].StepIndex] = &steps[i]
	}
	return steps, byIndex, nil
}

func (s *Store) loadActions(ctx context.Context, id string, byIndex map[int]*schemas.StepRecord) error {
	rows, err := s.pool.Query(ctx, sqlSelectActions, id)
	if err != nil {
		return fmt.Errorf("failed to query action records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			stepIndex   int
			actionIndex int
			rec         schemas.ActionRecord
			params      []byte
		)
		err := rows.Scan(&stepIndex, &actionIndex, &rec.Name, &params,
			&rec.TargetSignature, &rec.OK, &rec.Error, &rec.Extracted,
			&rec.Skipped, &rec.DurationMS, &rec.IncludeInMemory)
		if err != nil {
			return fmt.Errorf("failed to scan action row: %w", err)
		}
		if len(params) > 0 && string(params) != "{}" {
			if err := json.Unmarshal(params, &rec.Params); err != nil {
				return fmt.Errorf("failed to decode params for action %d of step %d: %w", actionIndex, stepIndex, err)
			}
		}
		step, ok := byIndex[stepIndex]
		if !ok {
			return fmt.Errorf("action row references missing step %d", stepIndex)
		}
		step.Actions = append(step.Actions, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error during row iteration: %w", err)
	}
	return nil
}

const sqlListEpisodes = `
    SELECT ` + episodeColumns + `
    FROM episodes
    ORDER BY started_at DESC
    LIMIT $1;
`

const defaultListLimit = 50

// ListEpisodes returns episode headers, newest first.
func (s *Store) ListEpisodes(ctx context.Context, limit int) ([]schemas.EpisodeRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx, sqlListEpisodes, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodes: %w", err)
	}
	defer rows.Close()

	var episodes []schemas.EpisodeRecord
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, *ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return episodes, nil
}

func scanEpisode(rows pgx.Rows) (*schemas.EpisodeRecord, error) {
	var (
		ep         schemas.EpisodeRecord
		status     string
		finishedAt *time.Time
	)
	err := rows.Scan(&ep.ID, &ep.Task, &status, &ep.Success, &ep.PartialSuccess,
		&ep.Steps, &ep.TokensUsed, &ep.FinalURL, &ep.Summary,
		&ep.StartedAt, &finishedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan episode row: %w", err)
	}
	ep.Status = schemas.EpisodeStatus(status)
	if finishedAt != nil {
		ep.FinishedAt = *finishedAt
	}
	return &ep, nil
}

// jsonbValue renders a value for a JSONB column. Nil and JSON null both
// become an empty object so the column never holds a null payload.
func jsonbValue(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 || string(b) == "null" {
		b = json.RawMessage("{}")
	}
	return b, nil
}
