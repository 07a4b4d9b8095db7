package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fiscalgate/internal/config"
	"fiscalgate/internal/repo"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service provides RBAC decisions on top of the repo's role tables. Roles are
// workspace-global; an actor's roles apply to every project in the pipeline.
type Service struct {
	DB   *sql.DB
	Repo repo.Repo
}

func (s Service) EnsureActor(ctx context.Context, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	return s.Repo.EnsureActor(ctx, nil, actorID, now)
}

func (s Service) ActorHasPermission(ctx context.Context, actorID, perm string) (bool, error) {
	return s.Repo.ActorHasPermission(ctx, actorID, perm)
}

func (s Service) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	return s.Repo.ActorRoles(ctx, actorID)
}

func (s Service) ActorPermissions(ctx context.Context, actorID string) ([]string, error) {
	return s.Repo.ActorPermissions(ctx, actorID)
}

// Seed upserts the configured roles and their permission grants. Runs at
// startup; INSERT OR IGNORE makes it safe to repeat.
func (s Service) Seed(ctx context.Context, cfg *config.Config) error {
	if cfg == nil || len(cfg.RBAC.Roles) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for roleID, role := range cfg.RBAC.Roles {
		if err := s.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := s.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := s.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// AssignRole grants a role to an actor, creating the actor row if needed.
func (s Service) AssignRole(ctx context.Context, actorID, roleID string) error {
	if err := s.EnsureActor(ctx, actorID); err != nil {
		return err
	}
	ok, err := s.Repo.RoleExists(ctx, roleID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unknown role %s", roleID)
	}
	return s.Repo.AssignRole(ctx, nil, actorID, roleID)
}

// RevokeRole removes a role from an actor.
func (s Service) RevokeRole(ctx context.Context, actorID, roleID string) error {
	return s.Repo.RevokeRole(ctx, actorID, roleID)
}
