package reconcile_test

import (
	"context"
	"testing"
	"time"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/migrate"
	"careline/internal/reconcile"
)

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(config.DefaultOrg))
	ctx := context.Background()
	for _, s := range []domain.Staff{
		{ID: "sup-1", DisplayName: "Supervisor One", Role: domain.RoleSupervisor, Active: true, CreatedAt: "2026-01-01T00:00:00Z"},
		{ID: "rn-1", DisplayName: "Nurse One", Role: domain.RoleRN, Active: true, CreatedAt: "2026-01-01T00:00:00Z"},
	} {
		if err := eng.Repo.InsertStaff(ctx, s); err != nil {
			t.Fatalf("seed staff: %v", err)
		}
	}
	return eng
}

func seedDriftedCase(t *testing.T, eng engine.Engine, id string) {
	t.Helper()
	ctx := context.Background()
	c, err := eng.CreateCase(ctx, engine.CaseCreateOptions{ID: id, Title: "Legacy " + id})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	rnID, display := "rn-1", "Nurse One"
	if err := eng.Repo.SetAssignmentPointer(ctx, c.ID, &rnID, &display, "2026-03-04T09:00:00Z"); err != nil {
		t.Fatalf("seed pointer: %v", err)
	}
}

func TestRunOnceRepairsDrift(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	seedDriftedCase(t, eng, "case-a")
	seedDriftedCase(t, eng, "case-b")

	s := reconcile.New(eng, "@every 1h")
	repaired, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if repaired != 2 {
		t.Fatalf("expected 2 repairs, got %d", repaired)
	}

	// Converged: a second sweep finds nothing.
	repaired, err = s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if repaired != 0 {
		t.Fatalf("expected no further repairs, got %d", repaired)
	}
}

func TestStartStop(t *testing.T) {
	eng := newEngine(t)
	s := reconcile.New(eng, "@every 1h")
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Idempotent start.
	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	eng := newEngine(t)
	s := reconcile.New(eng, "not a schedule")
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected schedule parse error")
	}
}
