package repo

import (
	"context"
	"database/sql"
)

func (r Repo) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = r.DB.ExecContext(ctx, query, args...)
	}
	return err
}

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	return r.exec(ctx, tx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	return r.exec(ctx, tx, `INSERT OR IGNORE INTO roles(id, description) VALUES (?,?)`, id, desc)
}

func (r Repo) InsertPermission(ctx context.Context, tx *sql.Tx, id, desc string) error {
	return r.exec(ctx, tx, `INSERT OR IGNORE INTO permissions(id, description) VALUES (?,?)`, id, desc)
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	return r.exec(ctx, tx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	return r.exec(ctx, tx, `INSERT OR IGNORE INTO actor_roles(actor_id, role_id) VALUES (?,?)`, actorID, roleID)
}

func (r Repo) RevokeRole(ctx context.Context, actorID, roleID string) error {
	return r.exec(ctx, nil, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
}

func (r Repo) RoleExists(ctx context.Context, roleID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM roles WHERE id=?`, roleID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ActorHasPermission(ctx context.Context, actorID, perm string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		actorID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	return r.stringColumn(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
}

func (r Repo) ActorPermissions(ctx context.Context, actorID string) ([]string, error) {
	return r.stringColumn(ctx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=?
ORDER BY rp.permission_id`, actorID)
}

func (r Repo) stringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
