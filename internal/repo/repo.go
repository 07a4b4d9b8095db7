package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fiscalgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func (r Repo) InsertCompany(ctx context.Context, c domain.Company) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO companies(id,name,cnpj,created_at) VALUES (?,?,?,?)`,
		c.ID, c.Name, nullable(c.CNPJ), c.CreatedAt)
	return err
}

func (r Repo) GetCompany(ctx context.Context, id string) (domain.Company, error) {
	var c domain.Company
	var cnpj sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,cnpj,created_at FROM companies WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &cnpj, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if cnpj.Valid {
		c.CNPJ = cnpj.String
	}
	return c, err
}

func (r Repo) ListCompanies(ctx context.Context) ([]domain.Company, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,cnpj,created_at FROM companies ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Company
	for rows.Next() {
		var c domain.Company
		var cnpj sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &cnpj, &c.CreatedAt); err != nil {
			return nil, err
		}
		if cnpj.Valid {
			c.CNPJ = cnpj.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

const projectColumns = `id,name,company_id,status,deal_value,probability,last_contacted_date,next_action_date,next_activity_date,created_at,updated_at`

func scanProjectRow(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var lastContacted, nextAction, nextActivity sql.NullString
	err := scan(&p.ID, &p.Name, &p.CompanyID, &p.Status, &p.DealValue, &p.Probability,
		&lastContacted, &nextAction, &nextActivity, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if lastContacted.Valid {
		p.LastContactedDate = &lastContacted.String
	}
	if nextAction.Valid {
		p.NextActionDate = &nextAction.String
	}
	if nextActivity.Valid {
		p.NextActivityDate = &nextActivity.String
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.CompanyID, p.Status, p.DealValue, p.Probability,
		nullableStringPtr(p.LastContactedDate), nullableStringPtr(p.NextActionDate), nullableStringPtr(p.NextActivityDate),
		p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	p, err := scanProjectRow(row.Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

type ProjectFilters struct {
	Status    string
	CompanyID string
	// ActiveOnly keeps only the five live funnel stages.
	ActiveOnly bool
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CompanyID != "" {
		clauses = append(clauses, "company_id=?")
		args = append(args, f.CompanyID)
	}
	if f.ActiveOnly {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(domain.FunnelStages)), ",")
		clauses = append(clauses, "status IN ("+placeholders+")")
		for _, s := range domain.FunnelStages {
			args = append(args, s)
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ProjectUpdate carries the optional CRM fields a PATCH may set. Nil means
// leave unchanged; for the date fields an empty string clears the value.
type ProjectUpdate struct {
	Name              *string
	Status            *string
	DealValue         *float64
	Probability       *int
	LastContactedDate *string
	NextActionDate    *string
	NextActivityDate  *string
	UpdatedAt         string
}

func (r Repo) UpdateProject(ctx context.Context, id string, u ProjectUpdate) error {
	var fields []string
	var args []any
	if u.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *u.Name)
	}
	if u.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *u.Status)
	}
	if u.DealValue != nil {
		fields = append(fields, "deal_value=?")
		args = append(args, *u.DealValue)
	}
	if u.Probability != nil {
		fields = append(fields, "probability=?")
		args = append(args, *u.Probability)
	}
	if u.LastContactedDate != nil {
		fields = append(fields, "last_contacted_date=?")
		args = append(args, nullable(*u.LastContactedDate))
	}
	if u.NextActionDate != nil {
		fields = append(fields, "next_action_date=?")
		args = append(args, nullable(*u.NextActionDate))
	}
	if u.NextActivityDate != nil {
		fields = append(fields, "next_activity_date=?")
		args = append(args, nullable(*u.NextActivityDate))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, u.UpdatedAt, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
