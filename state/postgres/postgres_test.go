package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/state"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlmock"), Options{}), mock
}

func TestRememberStepUpserts(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO plan_step_entries`).
		WithArgs("plan-00000001", "s1", "plan-00000001:s1", "queued", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	step := plan.Step{ID: "s1", Tool: "t", Capability: "c", TimeoutSeconds: 1}
	err := s.RememberStep(context.Background(), "plan-00000001", step, "trace-1", state.RememberOptions{})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStateIllegalTransition(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE plan_step_entries SET`).
		WithArgs("plan-00000001", "s1", "completed", nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT state FROM plan_step_entries`).
		WithArgs("plan-00000001", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("queued"))

	err := s.SetState(context.Background(), "plan-00000001", "s1", plan.StateCompleted, state.SetStateOptions{})
	require.ErrorIs(t, err, state.ErrIllegalTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStateMissingEntry(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE plan_step_entries SET`).
		WithArgs("plan-00000001", "s1", "running", nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT state FROM plan_step_entries`).
		WithArgs("plan-00000001", "s1").
		WillReturnError(sql.ErrNoRows)

	err := s.SetState(context.Background(), "plan-00000001", "s1", plan.StateRunning, state.SetStateOptions{})
	require.ErrorIs(t, err, state.ErrNotFound)
}

func TestEntryDecodesDocument(t *testing.T) {
	s, mock := newMockStore(t)
	entry := plan.PersistedStepEntry{
		PlanID:         "plan-00000001",
		Step:           plan.Step{ID: "s1", Tool: "t", Capability: "c", TimeoutSeconds: 1},
		State:          plan.StateRunning,
		Attempt:        1,
		TraceID:        "trace-1",
		IdempotencyKey: "plan-00000001:s1",
	}
	doc, err := json.Marshal(entry)
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT doc FROM plan_step_entries`).
		WithArgs("plan-00000001", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(doc))

	got, err := s.Entry(context.Background(), "plan-00000001", "s1")
	require.NoError(t, err)
	require.Equal(t, plan.StateRunning, got.State)
	require.Equal(t, "plan-00000001:s1", got.IdempotencyKey)
}

func TestEnsureApprovalsMissingEntryYieldsEmpty(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COALESCE`).
		WithArgs("plan-00000001", "s1").
		WillReturnError(sql.ErrNoRows)

	approvals, err := s.EnsureApprovals(context.Background(), "plan-00000001", "s1")
	require.NoError(t, err)
	require.Empty(t, approvals)
}

func TestDeadlockClassifiedTransient(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM plan_metadata`).
		WithArgs("plan-00000001").
		WillReturnError(&pgconn.PgError{Code: "40P01"})

	err := s.ForgetPlanMetadata(context.Background(), "plan-00000001")
	require.ErrorIs(t, err, state.ErrTransient)
}

func TestSweepTerminalCountsBothTables(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM plan_step_entries`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE FROM retained_subjects`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	removed, err := s.SweepTerminal(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 5, removed)
}
