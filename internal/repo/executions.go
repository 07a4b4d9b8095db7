package repo

import (
	"context"
	"database/sql"
	"strings"

	"fiscalgate/internal/domain"
)

const executionColumns = `id,project_id,phase_number,agent_id,status,error,started_at,completed_at`

func scanExecutionRow(scan func(dest ...any) error) (domain.PhaseExecution, error) {
	var ex domain.PhaseExecution
	var execErr, completedAt sql.NullString
	err := scan(&ex.ID, &ex.ProjectID, &ex.PhaseNumber, &ex.AgentID, &ex.Status, &execErr, &ex.StartedAt, &completedAt)
	if err != nil {
		return ex, err
	}
	if execErr.Valid {
		ex.Error = execErr.String
	}
	if completedAt.Valid {
		ex.CompletedAt = &completedAt.String
	}
	return ex, nil
}

// IsRunningConflict reports whether an insert failed on the partial unique
// index guarding one running execution per (project, phase).
func IsRunningConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") &&
		strings.Contains(err.Error(), "phase_executions")
}

func (r Repo) InsertExecutionTx(ctx context.Context, tx *sql.Tx, ex domain.PhaseExecution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phase_executions(`+executionColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		ex.ID, ex.ProjectID, ex.PhaseNumber, ex.AgentID, ex.Status, nullable(ex.Error), ex.StartedAt, nullableStringPtr(ex.CompletedAt))
	return err
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.PhaseExecution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM phase_executions WHERE id=?`, id)
	ex, err := scanExecutionRow(row.Scan)
	if err == sql.ErrNoRows {
		return ex, ErrNotFound
	}
	return ex, err
}

// CompleteExecutionTx transitions a running execution to a terminal status.
// The status guard in the WHERE clause rejects double completion.
func (r Repo) CompleteExecutionTx(ctx context.Context, tx *sql.Tx, id, status, execErr, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE phase_executions SET status=?, error=?, completed_at=? WHERE id=? AND status=?`,
		status, nullable(execErr), completedAt, id, domain.ExecutionRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListExecutions returns all attempts for a phase, most recent first.
func (r Repo) ListExecutions(ctx context.Context, projectID string, phaseNumber int) ([]domain.PhaseExecution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+executionColumns+` FROM phase_executions
WHERE project_id=? AND phase_number=? ORDER BY started_at DESC, rowid DESC`, projectID, phaseNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseExecution
	for rows.Next() {
		ex, err := scanExecutionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ex)
	}
	return res, rows.Err()
}

// StaleExecutions lists running executions started before the cutoff. The
// core never reaps them; reconciliation belongs to the caller.
func (r Repo) StaleExecutions(ctx context.Context, before string) ([]domain.PhaseExecution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+executionColumns+` FROM phase_executions
WHERE status=? AND started_at < ? ORDER BY started_at ASC`, domain.ExecutionRunning, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseExecution
	for rows.Next() {
		ex, err := scanExecutionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ex)
	}
	return res, rows.Err()
}
