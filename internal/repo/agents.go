package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"fiscalgate/internal/domain"
)

const agentColumns = `id,name,persona,instructions,temperature,model,status,created_at,updated_at`

func scanAgentRow(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var persona, instructions, model sql.NullString
	err := scan(&a.ID, &a.Name, &persona, &instructions, &a.Temperature, &model, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	if persona.Valid {
		a.Persona = persona.String
	}
	if instructions.Valid {
		a.Instructions = instructions.String
	}
	if model.Valid {
		a.Model = model.String
	}
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, nullable(a.Persona), nullable(a.Instructions), a.Temperature, nullable(a.Model), a.Status, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	a, err := scanAgentRow(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAgents(ctx context.Context, status string) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgentRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AgentUpdate carries optional fields for a PATCH. Nil leaves unchanged.
type AgentUpdate struct {
	Name         *string
	Persona      *string
	Instructions *string
	Temperature  *float64
	Model        *string
	Status       *string
	UpdatedAt    string
}

func (r Repo) UpdateAgent(ctx context.Context, id string, u AgentUpdate) error {
	var fields []string
	var args []any
	if u.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *u.Name)
	}
	if u.Persona != nil {
		fields = append(fields, "persona=?")
		args = append(args, nullable(*u.Persona))
	}
	if u.Instructions != nil {
		fields = append(fields, "instructions=?")
		args = append(args, nullable(*u.Instructions))
	}
	if u.Temperature != nil {
		fields = append(fields, "temperature=?")
		args = append(args, *u.Temperature)
	}
	if u.Model != nil {
		fields = append(fields, "model=?")
		args = append(args, nullable(*u.Model))
	}
	if u.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *u.Status)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, u.UpdatedAt, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE agents SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
