package repo

import (
	"context"
	"database/sql"

	"fiscalgate/internal/domain"
)

const outputColumns = `id,project_id,phase_number,version,content,created_by,created_at`

func scanOutputRow(scan func(dest ...any) error) (domain.PhaseOutput, error) {
	var o domain.PhaseOutput
	err := scan(&o.ID, &o.ProjectID, &o.PhaseNumber, &o.Version, &o.Content, &o.CreatedBy, &o.CreatedAt)
	return o, err
}

func (r Repo) InsertOutputTx(ctx context.Context, tx *sql.Tx, o domain.PhaseOutput) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phase_outputs(`+outputColumns+`) VALUES (?,?,?,?,?,?,?)`,
		o.ID, o.ProjectID, o.PhaseNumber, o.Version, o.Content, o.CreatedBy, o.CreatedAt)
	return err
}

// LatestOutput returns the newest snapshot for one version type, or
// ErrNotFound when the phase has none of that version. Timestamps have second
// granularity, so rowid breaks same-second ties by insertion order.
func (r Repo) LatestOutput(ctx context.Context, projectID string, phaseNumber int, version string) (domain.PhaseOutput, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+outputColumns+` FROM phase_outputs
WHERE project_id=? AND phase_number=? AND version=? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		projectID, phaseNumber, version)
	o, err := scanOutputRow(row.Scan)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

// ListOutputs returns the full snapshot history for a phase, newest first.
func (r Repo) ListOutputs(ctx context.Context, projectID string, phaseNumber int) ([]domain.PhaseOutput, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+outputColumns+` FROM phase_outputs
WHERE project_id=? AND phase_number=? ORDER BY created_at DESC, rowid DESC`, projectID, phaseNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseOutput
	for rows.Next() {
		o, err := scanOutputRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}
