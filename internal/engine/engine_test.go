package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/lifecycle"
	"careline/internal/migrate"
	"careline/internal/sla"
)

type testEnv struct {
	Engine engine.Engine
	Conn   *sql.DB
	Ctx    context.Context
	Now    *time.Time
}

func (env testEnv) advance(d time.Duration) {
	*env.Now = env.Now.Add(d)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(config.DefaultOrg)
	eng := engine.New(conn, cfg)
	// Wednesday morning in the org zone so default SLA math stays inside
	// business hours unless a test moves the clock.
	now := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	ctx := context.Background()
	for _, s := range []domain.Staff{
		{ID: "sup-1", DisplayName: "Supervisor One", Role: domain.RoleSupervisor, Active: true, CreatedAt: "2026-01-01T00:00:00Z"},
		{ID: "rn-1", DisplayName: "Nurse One", Role: domain.RoleRN, Active: true, CreatedAt: "2026-01-01T00:00:00Z"},
		{ID: "rn-2", DisplayName: "Nurse Two", Role: domain.RoleRN, Active: true, CreatedAt: "2026-01-01T00:00:00Z"},
		{ID: "rn-gone", DisplayName: "Nurse Gone", Role: domain.RoleRN, Active: false, CreatedAt: "2026-01-01T00:00:00Z"},
	} {
		if err := eng.Repo.InsertStaff(ctx, s); err != nil {
			t.Fatalf("seed staff %s: %v", s.ID, err)
		}
	}
	return testEnv{Engine: eng, Conn: conn, Ctx: ctx, Now: &now}
}

func mustCreateCase(t *testing.T, env testEnv, title string) domain.Case {
	t.Helper()
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{Title: title})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

func mustAssign(t *testing.T, env testEnv, caseID, rnID string) engine.ActionResult {
	t.Helper()
	res, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{CaseID: caseID, RNID: rnID, ActorID: "sup-1"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.Warning != nil {
		t.Fatalf("unexpected assign warning: %s", res.Warning.Warning())
	}
	return res
}

func TestAssignEligibility(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCase(t, env, "Post-discharge follow up")

	_, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{CaseID: c.ID, RNID: "sup-1", ActorID: "sup-1"})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("assigning a supervisor should fail validation, got %v", err)
	}

	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{CaseID: c.ID, RNID: "rn-gone", ActorID: "sup-1"})
	var nfe engine.NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("assigning an inactive RN should be not found, got %v", err)
	}

	mustAssign(t, env, c.ID, "rn-1")
	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{CaseID: c.ID, RNID: "rn-2", ActorID: "sup-1"})
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("double assign should conflict, got %v", err)
	}
}

func TestReassignResetsAcceptanceClock(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCase(t, env, "Medication review")
	assigned := mustAssign(t, env, c.ID, "rn-1")
	firstEpoch := assigned.Projection.Epoch.ID

	env.advance(9 * time.Hour)
	view, err := env.Engine.CaseView(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("case view: %v", err)
	}
	if view.SLA.Acceptance.Status != sla.StatusBreached {
		t.Fatalf("expected acceptance breached at +9h, got %s", view.SLA.Acceptance.Status)
	}

	res, err := env.Engine.Reassign(env.Ctx, engine.ReassignOptions{
		CaseID: c.ID, NewRNID: "rn-2", ReasonCode: "workload", ActorID: "sup-1",
	})
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if res.Projection.Epoch == nil || res.Projection.Epoch.ID == firstEpoch {
		t.Fatalf("reassign must open a fresh epoch")
	}
	if res.Projection.State != lifecycle.StatePendingAcceptance {
		t.Fatalf("expected pending_acceptance after reassign, got %s", res.Projection.State)
	}

	view, err = env.Engine.CaseView(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("case view: %v", err)
	}
	if view.SLA.Acceptance.Status != sla.StatusDue {
		t.Fatalf("acceptance clock should reset on reassign, got %s", view.SLA.Acceptance.Status)
	}
	wantDeadline := env.Now.Add(8 * time.Hour)
	if view.SLA.Acceptance.Deadline == nil || !view.SLA.Acceptance.Deadline.Equal(wantDeadline) {
		t.Fatalf("expected fresh deadline %v, got %v", wantDeadline, view.SLA.Acceptance.Deadline)
	}
}

func TestAcceptThenAckClears(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCase(t, env, "Wound care check")
	assigned := mustAssign(t, env, c.ID, "rn-1")
	epochID := assigned.Projection.Epoch.ID

	env.advance(time.Hour)
	res, err := env.Engine.Accept(env.Ctx, engine.ResolveOptions{CaseID: c.ID, EpochID: epochID, ActorID: "rn-1"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Projection.State != lifecycle.StateAcceptedAwaiting {
		t.Fatalf("expected accepted_awaiting_notification, got %s", res.Projection.State)
	}

	env.advance(30 * time.Minute)
	res, err = env.Engine.RecordAckSent(env.Ctx, engine.AckOptions{CaseID: c.ID, Channels: []string{"sms"}, ActorID: "sup-1"})
	if err != nil {
		t.Fatalf("record ack: %v", err)
	}
	if res.Projection.State != lifecycle.StateCleared {
		t.Fatalf("expected cleared, got %s", res.Projection.State)
	}

	pending, err := env.Engine.Queue(env.Ctx, engine.QueueFilters{States: []lifecycle.State{lifecycle.StatePendingAcceptance}})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	for _, v := range pending {
		if v.Case.ID == c.ID {
			t.Fatalf("cleared case must drop out of the pending queue")
		}
	}

	view, err := env.Engine.CaseView(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("case view: %v", err)
	}
	if view.SLA.Acceptance.Status != sla.StatusMet || view.SLA.Notification.Status != sla.StatusMet {
		t.Fatalf("expected both clocks met, got %s/%s", view.SLA.Acceptance.Status, view.SLA.Notification.Status)
	}
}

func TestStaleResolveIgnored(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCase(t, env, "Care plan intake")
	assigned := mustAssign(t, env, c.ID, "rn-1")
	staleEpoch := assigned.Projection.Epoch.ID

	if _, err := env.Engine.Reassign(env.Ctx, engine.ReassignOptions{
		CaseID: c.ID, NewRNID: "rn-2", ReasonCode: "availability", ActorID: "sup-1",
	}); err != nil {
		t.Fatalf("reassign: %v", err)
	}

	_, err := env.Engine.Decline(env.Ctx, engine.ResolveOptions{
		CaseID: c.ID, EpochID: staleEpoch, ActorID: "rn-1", ReasonCode: "other",
	})
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("stale decline should conflict, got %v", err)
	}

	proj, err := env.Engine.CaseView(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("case view: %v", err)
	}
	if proj.Projection.State != lifecycle.StatePendingAcceptance {
		t.Fatalf("stale decline must not change state, got %s", proj.Projection.State)
	}
	if proj.Projection.Epoch.RNID != "rn-2" {
		t.Fatalf("open epoch should belong to rn-2, got %s", proj.Projection.Epoch.RNID)
	}
}

func TestResolveAlreadyResolved(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCase(t, env, "Nutrition consult")
	assigned := mustAssign(t, env, c.ID, "rn-1")
	epochID := assigned.Projection.Epoch.ID

	if _, err := env.Engine.Accept(env.Ctx, engine.ResolveOptions{CaseID: c.ID, EpochID: epochID, ActorID: "rn-1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err := env.Engine.Decline(env.Ctx, engine.ResolveOptions{CaseID: c.ID, EpochID: epochID, ActorID: "rn-1", ReasonCode: "other"})
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("decline after accept should conflict, got %v", err)
	}
}

func TestNudgeMessageBounds(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCase(t, env, "Home visit scheduling")
	mustAssign(t, env, c.ID, "rn-1")

	_, err := env.Engine.Nudge(env.Ctx, engine.NudgeOptions{CaseID: c.ID, Type: "reminder", Message: "too short", ActorID: "sup-1"})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("short nudge message should fail validation, got %v", err)
	}

	res, err := env.Engine.Nudge(env.Ctx, engine.NudgeOptions{
		CaseID: c.ID, Type: "reminder",
		Message: "Please review and accept this assignment today.",
		ActorID: "sup-1",
	})
	if err != nil {
		t.Fatalf("nudge: %v", err)
	}
	if res.Projection.LastNudge == nil || res.Projection.LastNudge.Type != "reminder" {
		t.Fatalf("expected last nudge recorded, got %+v", res.Projection.LastNudge)
	}
}

func TestRepairSynthesizesEpoch(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCase(t, env, "Legacy case")
	// Pointer set with no governance history: the shape legacy rows have.
	rnID, display := "rn-1", "Nurse One"
	if err := env.Engine.Repo.SetAssignmentPointer(env.Ctx, c.ID, &rnID, &display, "2026-03-04T09:00:00Z"); err != nil {
		t.Fatalf("seed pointer: %v", err)
	}

	res, err := env.Engine.Repair(env.Ctx, engine.RepairOptions{CaseID: c.ID, ActorID: "sup-1"})
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if !res.Repaired {
		t.Fatalf("expected repair to write")
	}
	if res.Projection.State != lifecycle.StatePendingAcceptance {
		t.Fatalf("expected pending_acceptance after repair, got %s", res.Projection.State)
	}
	if res.Projection.Epoch == nil || res.Projection.Epoch.RNID != "rn-1" {
		t.Fatalf("synthesized epoch must carry the pointer RN")
	}

	evts, err := env.Engine.Log.ListForCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) != 1 || !evts[0].Metadata.LegacyRepair {
		t.Fatalf("expected one legacy_repair event, got %+v", evts)
	}

	again, err := env.Engine.Repair(env.Ctx, engine.RepairOptions{CaseID: c.ID, ActorID: "sup-1"})
	if err != nil {
		t.Fatalf("second repair: %v", err)
	}
	if again.Repaired {
		t.Fatalf("second repair must be a no-op")
	}
}

func TestRepairOnRNMismatch(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCase(t, env, "Transferred case")
	mustAssign(t, env, c.ID, "rn-1")
	// Row flipped out of band; the open epoch still names rn-1.
	rnID, display := "rn-2", "Nurse Two"
	if err := env.Engine.Repo.SetAssignmentPointer(env.Ctx, c.ID, &rnID, &display, "2026-03-04T10:00:00Z"); err != nil {
		t.Fatalf("flip pointer: %v", err)
	}

	res, err := env.Engine.Repair(env.Ctx, engine.RepairOptions{CaseID: c.ID, ActorID: "sup-1"})
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if !res.Repaired {
		t.Fatalf("mismatched RN should trigger repair")
	}
	if res.Projection.Epoch == nil || res.Projection.Epoch.RNID != "rn-2" {
		t.Fatalf("repair must re-anchor the epoch on the pointer RN")
	}
}

func TestPartialFailureSurfacesWarning(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCase(t, env, "Audit-less assign")
	if _, err := env.Conn.Exec(`DROP TABLE governance_events`); err != nil {
		t.Fatalf("drop events table: %v", err)
	}

	res, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{CaseID: c.ID, RNID: "rn-1", ActorID: "sup-1"})
	if err != nil {
		t.Fatalf("assign should still succeed on the row: %v", err)
	}
	if res.Warning == nil {
		t.Fatalf("expected partial failure warning when the append fails")
	}
	if res.Case.AssignedRNID == nil || *res.Case.AssignedRNID != "rn-1" {
		t.Fatalf("row update must stand despite the append failure")
	}
}

func TestOutreachRecorded(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCase(t, env, "Outreach case")
	assigned := mustAssign(t, env, c.ID, "rn-1")
	if _, err := env.Engine.Accept(env.Ctx, engine.ResolveOptions{CaseID: c.ID, EpochID: assigned.Projection.Epoch.ID, ActorID: "rn-1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	env.advance(time.Hour)
	attempt, err := env.Engine.RecordOutreach(env.Ctx, engine.OutreachOptions{CaseID: c.ID, Channel: "phone", ActorID: "rn-1"})
	if err != nil {
		t.Fatalf("record outreach: %v", err)
	}
	if attempt.CaseID != c.ID || attempt.Channel != "phone" {
		t.Fatalf("unexpected attempt: %+v", attempt)
	}

	view, err := env.Engine.CaseView(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("case view: %v", err)
	}
	if view.SLA.Outreach.Status != sla.StatusMet {
		t.Fatalf("attempt within window should meet the outreach clock, got %s", view.SLA.Outreach.Status)
	}

	// Met never reverts, even long past the deadline.
	env.advance(72 * time.Hour)
	view, err = env.Engine.CaseView(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("case view: %v", err)
	}
	if view.SLA.Outreach.Status != sla.StatusMet {
		t.Fatalf("outreach met must not revert, got %s", view.SLA.Outreach.Status)
	}
}

func TestEventTimestampsFollowClock(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCase(t, env, "Medication reconciliation")
	mustAssign(t, env, c.ID, "rn-1")

	evts, err := env.Engine.Log.ListForCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one event, got %d", len(evts))
	}
	stamped, err := time.Parse(time.RFC3339Nano, evts[0].CreatedAt)
	if err != nil {
		t.Fatalf("parse event timestamp: %v", err)
	}
	if !stamped.Equal(*env.Now) {
		t.Fatalf("event stamped %s, engine clock at %s", stamped, *env.Now)
	}
}

func TestDeclineWithoutReasonText(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCase(t, env, "Lab result callback")
	assigned := mustAssign(t, env, c.ID, "rn-1")

	res, err := env.Engine.Decline(env.Ctx, engine.ResolveOptions{
		CaseID: c.ID, EpochID: assigned.Projection.Epoch.ID, ActorID: "rn-1", ReasonCode: "other",
	})
	if err != nil {
		t.Fatalf("decline without reason text: %v", err)
	}
	if res.Projection.State != lifecycle.StateDeclined {
		t.Fatalf("expected declined, got %s", res.Projection.State)
	}
}

func TestQueueOmitsClearedByDefault(t *testing.T) {
	env := newTestEnv(t)
	cleared := mustCreateCase(t, env, "Discharge teach-back")
	open := mustCreateCase(t, env, "Insulin titration check")
	assigned := mustAssign(t, env, cleared.ID, "rn-1")

	if _, err := env.Engine.Accept(env.Ctx, engine.ResolveOptions{
		CaseID: cleared.ID, EpochID: assigned.Projection.Epoch.ID, ActorID: "rn-1",
	}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Engine.RecordAckSent(env.Ctx, engine.AckOptions{
		CaseID: cleared.ID, Channels: []string{"sms"}, ActorID: "sup-1",
	}); err != nil {
		t.Fatalf("record ack: %v", err)
	}

	views, err := env.Engine.Queue(env.Ctx, engine.QueueFilters{})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	for _, v := range views {
		if v.Case.ID == cleared.ID {
			t.Fatalf("cleared case must not appear in the default queue")
		}
	}
	found := false
	for _, v := range views {
		found = found || v.Case.ID == open.ID
	}
	if !found {
		t.Fatalf("unassigned open case missing from the default queue")
	}

	views, err = env.Engine.Queue(env.Ctx, engine.QueueFilters{States: []lifecycle.State{lifecycle.StateCleared}})
	if err != nil {
		t.Fatalf("queue cleared: %v", err)
	}
	if len(views) != 1 || views[0].Case.ID != cleared.ID {
		t.Fatalf("asking for cleared explicitly must return the cleared case")
	}
}

func TestOutreachClockIgnoresStaleAttempts(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreateCase(t, env, "Fall risk outreach")
	mustAssign(t, env, c.ID, "rn-1")

	env.advance(time.Hour)
	if _, err := env.Engine.RecordOutreach(env.Ctx, engine.OutreachOptions{CaseID: c.ID, Channel: "phone", ActorID: "rn-1"}); err != nil {
		t.Fatalf("record outreach: %v", err)
	}

	env.advance(time.Hour)
	if _, err := env.Engine.Reassign(env.Ctx, engine.ReassignOptions{
		CaseID: c.ID, NewRNID: "rn-2", ReasonCode: "availability", ActorID: "sup-1",
	}); err != nil {
		t.Fatalf("reassign: %v", err)
	}

	view, err := env.Engine.CaseView(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("case view: %v", err)
	}
	if view.SLA.Outreach.Status != sla.StatusDue {
		t.Fatalf("attempt under the old epoch must not satisfy the new clock, got %s", view.SLA.Outreach.Status)
	}

	env.advance(time.Minute)
	if _, err := env.Engine.RecordOutreach(env.Ctx, engine.OutreachOptions{CaseID: c.ID, Channel: "phone", ActorID: "rn-2"}); err != nil {
		t.Fatalf("record outreach: %v", err)
	}
	view, err = env.Engine.CaseView(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("case view: %v", err)
	}
	if view.SLA.Outreach.Status != sla.StatusMet {
		t.Fatalf("fresh attempt should meet the new clock, got %s", view.SLA.Outreach.Status)
	}
}
