package auth_test

import (
	"context"
	"strings"
	"testing"

	"fiscalgate/internal/config"
	"fiscalgate/internal/db"
	"fiscalgate/internal/engine/auth"
	"fiscalgate/internal/migrate"
	"fiscalgate/internal/repo"
)

func newService(t *testing.T) (auth.Service, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return auth.Service{DB: conn, Repo: repo.Repo{DB: conn}}, context.Background()
}

func TestSeedAndGrants(t *testing.T) {
	svc, ctx := newService(t)
	cfg := config.Default()
	if err := svc.Seed(ctx, cfg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Seeding again is a no-op, not an error.
	if err := svc.Seed(ctx, cfg); err != nil {
		t.Fatalf("reseed: %v", err)
	}

	if err := svc.AssignRole(ctx, "maria", "revisor"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	ok, err := svc.ActorHasPermission(ctx, "maria", "phase.approve")
	if err != nil || !ok {
		t.Fatalf("phase.approve = %v (%v), want granted", ok, err)
	}
	ok, err = svc.ActorHasPermission(ctx, "maria", "agent.manage")
	if err != nil || ok {
		t.Fatalf("agent.manage = %v (%v), want denied", ok, err)
	}

	roles, err := svc.ActorRoles(ctx, "maria")
	if err != nil {
		t.Fatal(err)
	}
	if len(roles) != 1 || roles[0] != "revisor" {
		t.Fatalf("roles = %v", roles)
	}
	perms, err := svc.ActorPermissions(ctx, "maria")
	if err != nil {
		t.Fatal(err)
	}
	if len(perms) == 0 {
		t.Fatal("expected revisor permissions")
	}

	if err := svc.RevokeRole(ctx, "maria", "revisor"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	ok, err = svc.ActorHasPermission(ctx, "maria", "phase.approve")
	if err != nil || ok {
		t.Fatalf("after revoke phase.approve = %v (%v), want denied", ok, err)
	}
}

func TestAssignUnknownRole(t *testing.T) {
	svc, ctx := newService(t)
	if err := svc.Seed(ctx, config.Default()); err != nil {
		t.Fatal(err)
	}
	err := svc.AssignRole(ctx, "maria", "diretor")
	if err == nil || !strings.Contains(err.Error(), "unknown role") {
		t.Fatalf("err = %v, want unknown role", err)
	}
	// Actors with no roles simply have no permissions.
	ok, err := svc.ActorHasPermission(ctx, "maria", "pipeline.read")
	if err != nil || ok {
		t.Fatalf("granted = %v (%v), want denied", ok, err)
	}
}
