package repo

import (
	"context"
	"database/sql"

	"fiscalgate/internal/domain"
)

const phaseColumns = `id,project_id,phase_number,name,status,agent_id,approved_by,approved_at,created_at,updated_at`

func scanPhaseRow(scan func(dest ...any) error) (domain.ProjectPhase, error) {
	var ph domain.ProjectPhase
	var agentID, approvedBy, approvedAt sql.NullString
	err := scan(&ph.ID, &ph.ProjectID, &ph.PhaseNumber, &ph.Name, &ph.Status,
		&agentID, &approvedBy, &approvedAt, &ph.CreatedAt, &ph.UpdatedAt)
	if err != nil {
		return ph, err
	}
	if agentID.Valid {
		ph.AgentID = &agentID.String
	}
	if approvedBy.Valid {
		ph.ApprovedBy = &approvedBy.String
	}
	if approvedAt.Valid {
		ph.ApprovedAt = &approvedAt.String
	}
	return ph, nil
}

func (r Repo) InsertPhaseTx(ctx context.Context, tx *sql.Tx, ph domain.ProjectPhase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_phases(`+phaseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ph.ID, ph.ProjectID, ph.PhaseNumber, ph.Name, ph.Status,
		nullableStringPtr(ph.AgentID), nullableStringPtr(ph.ApprovedBy), nullableStringPtr(ph.ApprovedAt),
		ph.CreatedAt, ph.UpdatedAt)
	return err
}

func (r Repo) GetPhase(ctx context.Context, projectID string, phaseNumber int) (domain.ProjectPhase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM project_phases WHERE project_id=? AND phase_number=?`, projectID, phaseNumber)
	ph, err := scanPhaseRow(row.Scan)
	if err == sql.ErrNoRows {
		return ph, ErrNotFound
	}
	return ph, err
}

func (r Repo) GetPhaseTx(ctx context.Context, tx *sql.Tx, projectID string, phaseNumber int) (domain.ProjectPhase, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM project_phases WHERE project_id=? AND phase_number=?`, projectID, phaseNumber)
	ph, err := scanPhaseRow(row.Scan)
	if err == sql.ErrNoRows {
		return ph, ErrNotFound
	}
	return ph, err
}

// ListPhases returns a project's phases in pipeline order.
func (r Repo) ListPhases(ctx context.Context, projectID string) ([]domain.ProjectPhase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+phaseColumns+` FROM project_phases WHERE project_id=? ORDER BY phase_number ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectPhase
	for rows.Next() {
		ph, err := scanPhaseRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ph)
	}
	return res, rows.Err()
}

// ListAllPhases returns every phase row, ordered by project then phase number.
// Used by the analytics aggregator, which groups in memory.
func (r Repo) ListAllPhases(ctx context.Context) ([]domain.ProjectPhase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+phaseColumns+` FROM project_phases ORDER BY project_id ASC, phase_number ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectPhase
	for rows.Next() {
		ph, err := scanPhaseRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ph)
	}
	return res, rows.Err()
}

func (r Repo) CountPhases(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM project_phases WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

// ApprovePhaseTx conditionally approves a phase. It only matches rows whose
// current status permits approval, so the returned match count doubles as the
// compare-and-swap check against concurrent edits.
func (r Repo) ApprovePhaseTx(ctx context.Context, tx *sql.Tx, projectID string, phaseNumber int, approvedBy, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE project_phases SET status=?, approved_by=?, approved_at=?, updated_at=?
WHERE project_id=? AND phase_number=? AND status IN (?,?)`,
		domain.PhaseApproved, approvedBy, now, now,
		projectID, phaseNumber, domain.PhaseInProgress, domain.PhaseReview)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) SetPhaseStatusTx(ctx context.Context, tx *sql.Tx, projectID string, phaseNumber int, status, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE project_phases SET status=?, updated_at=? WHERE project_id=? AND phase_number=?`,
		status, now, projectID, phaseNumber)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) SetPhaseAgentTx(ctx context.Context, tx *sql.Tx, projectID string, phaseNumber int, agentID *string, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE project_phases SET agent_id=?, updated_at=? WHERE project_id=? AND phase_number=?`,
		nullableStringPtr(agentID), now, projectID, phaseNumber)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
