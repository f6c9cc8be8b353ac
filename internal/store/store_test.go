package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/skritek/pagepilot/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// anyTime accepts any value, for timestamps we cannot predict exactly.
var anyTime = ArgumentMatcherFunc(func(v interface{}) bool {
	return true
})

// utcTime accepts only a time.Time already normalized to UTC.
var utcTime = ArgumentMatcherFunc(func(v interface{}) bool {
	tm, ok := v.(time.Time)
	return ok && tm.Location() == time.UTC
})

// newTestStore builds a store against a fresh mock pool, consuming the
// ping and schema bootstrap expectations.
func newTestStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)

	mockPool.ExpectPing().WillReturnError(nil)
	for _, ddl := range schemaDDL {
		mockPool.ExpectExec(flexibleSQLMatcher(ddl)).
			WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	}
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return error if schema bootstrap fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		ddlErr := errors.New("permission denied")
		mockPool.ExpectPing().WillReturnError(nil)
		mockPool.ExpectExec(flexibleSQLMatcher(schemaDDL[0])).WillReturnError(ddlErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, ddlErr)
		assert.Contains(t, err.Error(), "failed to ensure schema")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestCreateEpisode(t *testing.T) {
	ctx := context.Background()

	t.Run("should insert the header with a UTC timestamp", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		defer mockPool.Close()

		loc, err := time.LoadLocation("America/New_York")
		require.NoError(t, err)

		ep := &schemas.EpisodeRecord{
			ID:        "ep-1",
			Task:      "book a table for two",
			Status:    schemas.EpisodeRunning,
			StartedAt: time.Date(2025, 11, 20, 10, 0, 0, 0, loc),
		}

		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertEpisode)).
			WithArgs("ep-1", "book a table for two", "running", utcTime).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.CreateEpisode(ctx, ep))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should propagate insert failures", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		defer mockPool.Close()

		insertErr := errors.New("duplicate key")
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertEpisode)).
			WithArgs("ep-dup", "task", "running", utcTime).
			WillReturnError(insertErr)

		err := s.CreateEpisode(ctx, &schemas.EpisodeRecord{
			ID: "ep-dup", Task: "task", Status: schemas.EpisodeRunning, StartedAt: time.Now(),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, insertErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestAppendStep(t *testing.T) {
	ctx := context.Background()

	step := &schemas.StepRecord{
		EpisodeID: "ep-1",
		StepIndex: 0,
		URL:       "https://example.com/form",
		Title:     "Example Form",
		ViewSize:  12,
		Decision: schemas.Decision{
			NextGoal: "fill the form",
			Actions:  []schemas.ActionRequest{{Name: "click", Params: map[string]any{"index": 1}}},
		},
		Actions: []schemas.ActionRecord{
			{Name: "click", Params: map[string]any{"index": 1}, TargetSignature: "sig-a", OK: true, DurationMS: 40},
			{Name: "type_text", OK: false, Error: "element 2 is not editable"},
		},
		NewElements:  3,
		GoneElements: 1,
		StartedAt:    time.Now(),
		FinishedAt:   time.Now(),
	}

	t.Run("should persist the step and its actions without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newTestStore(t, zap.New(observedZapCore))
		defer mockPool.Close()

		decisionJSON, err := json.Marshal(step.Decision)
		require.NoError(t, err)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertStep)).
			WithArgs("ep-1", 0, "https://example.com/form", "Example Form", 12,
				json.RawMessage(decisionJSON), 3, 1, utcTime, utcTime).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"step_actions"}, stepActionColumns).
			WillReturnResult(2)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.AppendStep(ctx, step))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should skip the copy when the step has no actions", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		defer mockPool.Close()

		empty := &schemas.StepRecord{
			EpisodeID:  "ep-1",
			StepIndex:  1,
			URL:        "https://example.com",
			StartedAt:  time.Now(),
			FinishedAt: time.Now(),
		}

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertStep)).
			WithArgs("ep-1", 1, "https://example.com", "", 0,
				json.RawMessage(`{"actions":null}`), 0, 0, utcTime, utcTime).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.AppendStep(ctx, empty))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should fail on a copy count mismatch", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		defer mockPool.Close()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertStep)).
			WithArgs("ep-1", 0, "https://example.com/form", "Example Form", 12,
				anyTime, 3, 1, utcTime, utcTime).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"step_actions"}, stepActionColumns).
			WillReturnResult(1)
		mockPool.ExpectRollback()

		err := s.AppendStep(ctx, step)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mismatch in copied action count")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback when the step insert fails", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		defer mockPool.Close()

		insertErr := errors.New("constraint violation")
		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertStep)).
			WithArgs("ep-1", 0, "https://example.com/form", "Example Form", 12,
				anyTime, 3, 1, utcTime, utcTime).
			WillReturnError(insertErr)
		mockPool.ExpectRollback()

		err := s.AppendStep(ctx, step)
		require.Error(t, err)
		assert.ErrorIs(t, err, insertErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should handle transaction begin failure", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		defer mockPool.Close()

		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := s.AppendStep(ctx, step)
		require.Error(t, err)
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestFinishEpisode(t *testing.T) {
	t.Run("should seal the header with terminal totals", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		defer mockPool.Close()

		ep := &schemas.EpisodeRecord{
			ID:         "ep-1",
			Status:     schemas.EpisodeDone,
			Success:    true,
			Steps:      4,
			TokensUsed: 1234,
			FinalURL:   "https://example.com/receipt",
			Summary:    "table booked",
			FinishedAt: time.Now(),
		}

		mockPool.ExpectExec(flexibleSQLMatcher(sqlSealEpisode)).
			WithArgs("ep-1", "done", true, false, 4, 1234,
				"https://example.com/receipt", "table booked", utcTime).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.FinishEpisode(context.Background(), ep))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestLoadEpisode(t *testing.T) {
	ctx := context.Background()

	t.Run("should stitch steps and actions back together", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		defer mockPool.Close()

		started := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
		finished := started.Add(90 * time.Second)

		episodeRows := pgxmock.NewRows([]string{
			"id", "task", "status", "success", "partial_success", "steps",
			"tokens_used", "final_url", "summary", "started_at", "finished_at",
		}).AddRow("ep-1", "book a table", "done", true, false, 2,
			900, "https://example.com/receipt", "booked", started, &finished)
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectEpisode)).
			WithArgs("ep-1").
			WillReturnRows(episodeRows)

		stepRows := pgxmock.NewRows([]string{
			"step_index", "url", "title", "view_size", "decision",
			"new_elements", "gone_elements", "started_at", "finished_at",
		}).
			AddRow(0, "https://example.com", "Home", 8,
				[]byte(`{"next_goal":"open the booking form","actions":[{"name":"click","params":{"index":2}}]}`),
				0, 0, started, started.Add(5*time.Second)).
			AddRow(1, "https://example.com/book", "Book", 14,
				[]byte(`{"actions":[{"name":"done","params":{"success":true}}]}`),
				6, 2, started.Add(6*time.Second), finished)
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectSteps)).
			WithArgs("ep-1").
			WillReturnRows(stepRows)

		actionRows := pgxmock.NewRows([]string{
			"step_index", "action_index", "name", "params", "target_signature",
			"ok", "error", "extracted", "skipped", "duration_ms", "include_in_memory",
		}).
			AddRow(0, 0, "click", []byte(`{"index":2}`), "sig-book", true, "", "", false, int64(120), false).
			AddRow(1, 0, "done", []byte(`{"success":true}`), "", true, "", "", false, int64(3), false)
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectActions)).
			WithArgs("ep-1").
			WillReturnRows(actionRows)

		ep, steps, err := s.LoadEpisode(ctx, "ep-1")
		require.NoError(t, err)

		assert.Equal(t, "ep-1", ep.ID)
		assert.Equal(t, schemas.EpisodeDone, ep.Status)
		assert.True(t, ep.Success)
		assert.True(t, ep.FinishedAt.Equal(finished))

		require.Len(t, steps, 2)
		assert.Equal(t, "ep-1", steps[0].EpisodeID)
		assert.Equal(t, "open the booking form", steps[0].Decision.NextGoal)
		require.Len(t, steps[0].Actions, 1)
		assert.Equal(t, "click", steps[0].Actions[0].Name)
		assert.Equal(t, "sig-book", steps[0].Actions[0].TargetSignature)
		assert.Equal(t, float64(2), steps[0].Actions[0].Params["index"], "JSON numbers decode as float64")

		require.Len(t, steps[1].Actions, 1)
		assert.Equal(t, "done", steps[1].Actions[0].Name)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should report a missing episode", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		defer mockPool.Close()

		empty := pgxmock.NewRows([]string{
			"id", "task", "status", "success", "partial_success", "steps",
			"tokens_used", "final_url", "summary", "started_at", "finished_at",
		})
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectEpisode)).
			WithArgs("ep-missing").
			WillReturnRows(empty)

		_, _, err := s.LoadEpisode(ctx, "ep-missing")
		require.Error(t, err)
		assert.ErrorIs(t, err, pgx.ErrNoRows)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestListEpisodes(t *testing.T) {
	ctx := context.Background()

	t.Run("should list headers newest first", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		defer mockPool.Close()

		now := time.Now().UTC()
		rows := pgxmock.NewRows([]string{
			"id", "task", "status", "success", "partial_success", "steps",
			"tokens_used", "final_url", "summary", "started_at", "finished_at",
		}).
			AddRow("ep-2", "newer task", "running", false, false, 1, 10, "", "", now, (*time.Time)(nil)).
			AddRow("ep-1", "older task", "done", true, false, 3, 500, "https://example.com", "ok", now.Add(-time.Hour), &now)
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlListEpisodes)).
			WithArgs(10).
			WillReturnRows(rows)

		episodes, err := s.ListEpisodes(ctx, 10)
		require.NoError(t, err)
		require.Len(t, episodes, 2)
		assert.Equal(t, "ep-2", episodes[0].ID)
		assert.True(t, episodes[0].FinishedAt.IsZero(), "a running episode has no finish time")
		assert.Equal(t, schemas.EpisodeDone, episodes[1].Status)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should apply the default limit", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		defer mockPool.Close()

		rows := pgxmock.NewRows([]string{
			"id", "task", "status", "success", "partial_success", "steps",
			"tokens_used", "final_url", "summary", "started_at", "finished_at",
		})
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlListEpisodes)).
			WithArgs(defaultListLimit).
			WillReturnRows(rows)

		episodes, err := s.ListEpisodes(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, episodes)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
