// Package engine is the supervisor action gateway: the only writer of the
// per-case assignment pointer. Every operation validates eligibility, then
// performs one bounded update-then-log round trip. No long-lived locks are
// taken; same-case races resolve via last-write-wins on the pointer plus
// epoch filtering during reconstruction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"careline/internal/config"
	"careline/internal/domain"
	"careline/internal/epoch"
	"careline/internal/events"
	"careline/internal/lifecycle"
	"careline/internal/repo"
	"careline/internal/sla"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Log    events.Log
	Config *config.Config
	Now    func() time.Time
	Logger *log.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Log:    events.Log{DB: db},
		Config: cfg,
		Now:    time.Now,
		Logger: log.Default(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

// log returns the event log stamped from the engine's clock. Event
// timestamps anchor the SLA clocks, so they must come from the same Now the
// deadline math uses.
func (e Engine) log() events.Log {
	l := e.Log
	l.Now = e.now
	return l
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// SLA returns the calculator for the engine's governance config.
func (e Engine) SLA() sla.Calculator {
	return sla.New(e.Config)
}

// ActionResult is the outcome of one gateway operation. Warning is non-nil
// when the row update stood but the audit append failed.
type ActionResult struct {
	Case       domain.Case
	Projection lifecycle.Projection
	Warning    *PartialFailure
}

// --- eligibility ---

func (e Engine) requireOpenCase(ctx context.Context, caseID string) (domain.Case, error) {
	c, err := e.Repo.GetCase(ctx, caseID)
	if errors.Is(err, repo.ErrNotFound) {
		return c, NotFoundError{Kind: "case", ID: caseID}
	}
	if err != nil {
		return c, storeErr(err)
	}
	if c.Status != "open" {
		return c, ConflictError{CaseID: caseID, Reason: "case is closed"}
	}
	return c, nil
}

func (e Engine) requireEligibleRN(ctx context.Context, rnID string) (domain.Staff, error) {
	s, err := e.Repo.GetStaff(ctx, rnID)
	if errors.Is(err, repo.ErrNotFound) {
		return s, NotFoundError{Kind: "rn", ID: rnID}
	}
	if err != nil {
		return s, storeErr(err)
	}
	if s.Role == domain.RoleSupervisor {
		return s, ValidationError{Field: "rn_id", Reason: "supervisors cannot hold case assignments"}
	}
	if !s.Active {
		return s, NotFoundError{Kind: "rn", ID: rnID}
	}
	return s, nil
}

func (e Engine) requireActor(ctx context.Context, actorID, role string) (domain.Staff, error) {
	if actorID == "" {
		return domain.Staff{}, ValidationError{Field: "actor_id", Reason: "required"}
	}
	s, err := e.Repo.GetStaff(ctx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return s, NotFoundError{Kind: "actor", ID: actorID}
	}
	if err != nil {
		return s, storeErr(err)
	}
	if !s.Active {
		return s, NotFoundError{Kind: "actor", ID: actorID}
	}
	if role != "" && s.Role != role {
		return s, ValidationError{Field: "actor_id", Reason: "requires role " + role}
	}
	return s, nil
}

func (e Engine) validateReason(code, text string) error {
	if code == "" {
		return ValidationError{Field: "reason_code", Reason: "required"}
	}
	known := false
	for _, c := range e.Config.Unassign.ReasonCodes {
		if c == code {
			known = true
			break
		}
	}
	if !known {
		return ValidationError{Field: "reason_code", Reason: "unknown code " + code}
	}
	if code == "other" && text == "" {
		return ValidationError{Field: "reason_text", Reason: "required for reason_code other"}
	}
	if len(text) > e.Config.Unassign.MaxReasonLen {
		return ValidationError{Field: "reason_text", Reason: "too long"}
	}
	return nil
}

// reconstruct replays a case's governance events. Errors are retrieval
// failures; the caller decides between refusing the write and surfacing an
// indeterminate projection.
func (e Engine) reconstruct(ctx context.Context, caseID string) (lifecycle.Projection, error) {
	evts, err := e.Log.ListForCase(ctx, caseID)
	if err != nil {
		return lifecycle.Indeterminate(), storeErr(err)
	}
	return lifecycle.Reconstruct(evts), nil
}

// ensureOpenEpoch returns the case's open epoch, repairing first when the
// row shows an assigned RN the event log does not know about.
func (e Engine) ensureOpenEpoch(ctx context.Context, c domain.Case, actorID string) (*domain.Epoch, lifecycle.Projection, error) {
	proj, err := e.reconstruct(ctx, c.ID)
	if err != nil {
		return nil, proj, err
	}
	open := proj.OpenEpoch()
	if open != nil && (c.AssignedRNID == nil || open.RNID == *c.AssignedRNID) {
		return open, proj, nil
	}
	if c.AssignedRNID == nil {
		return nil, proj, ConflictError{CaseID: c.ID, Reason: "no open assignment epoch"}
	}
	res, err := e.Repair(ctx, RepairOptions{CaseID: c.ID, ActorID: actorID})
	if err != nil {
		return nil, proj, err
	}
	return res.Projection.OpenEpoch(), res.Projection, nil
}

// --- operations ---

type AssignOptions struct {
	CaseID  string
	RNID    string
	ActorID string
}

// Assign binds a case to an RN: update the pointer, verify by re-read, then
// append ASSIGNED with a fresh epoch. A failed append after a verified row
// update leaves the assignment standing with a surfaced warning.
func (e Engine) Assign(ctx context.Context, opts AssignOptions) (ActionResult, error) {
	c, err := e.requireOpenCase(ctx, opts.CaseID)
	if err != nil {
		return ActionResult{}, err
	}
	if _, err := e.requireActor(ctx, opts.ActorID, domain.RoleSupervisor); err != nil {
		return ActionResult{}, err
	}
	rn, err := e.requireEligibleRN(ctx, opts.RNID)
	if err != nil {
		return ActionResult{}, err
	}
	if c.AssignedRNID != nil {
		return ActionResult{}, ConflictError{CaseID: c.ID, Reason: "case already assigned; use reassign"}
	}

	if err := e.Repo.SetAssignmentPointer(ctx, c.ID, &rn.ID, &rn.DisplayName, e.nowStr()); err != nil {
		return ActionResult{}, storeErr(err)
	}
	verified, err := e.verifyPointer(ctx, c.ID, &rn.ID)
	if err != nil {
		return ActionResult{}, err
	}

	epochID := epoch.NewID()
	res := ActionResult{Case: verified}
	_, appendErr := e.log().Append(ctx, c.ID, domain.ActionAssigned, opts.ActorID, domain.RoleSupervisor, domain.EventMetadata{
		EpochID:   epochID,
		RNID:      rn.ID,
		RNDisplay: rn.DisplayName,
	})
	if appendErr != nil {
		res.Warning = &PartialFailure{CaseID: c.ID, Action: domain.ActionAssigned, Err: appendErr}
		e.logger().Printf("warn: %s", res.Warning.Warning())
	}
	res.Projection, _ = e.reconstruct(ctx, c.ID)
	return res, nil
}

type UnassignOptions struct {
	CaseID     string
	ReasonCode string
	ReasonText string
	ActorID    string
}

// Unassign clears the pointer and closes the open epoch. Requires an open
// epoch, repaired first if the row disagrees with the log.
func (e Engine) Unassign(ctx context.Context, opts UnassignOptions) (ActionResult, error) {
	c, err := e.requireOpenCase(ctx, opts.CaseID)
	if err != nil {
		return ActionResult{}, err
	}
	if _, err := e.requireActor(ctx, opts.ActorID, domain.RoleSupervisor); err != nil {
		return ActionResult{}, err
	}
	if err := e.validateReason(opts.ReasonCode, opts.ReasonText); err != nil {
		return ActionResult{}, err
	}
	open, _, err := e.ensureOpenEpoch(ctx, c, opts.ActorID)
	if err != nil {
		return ActionResult{}, err
	}
	if open == nil {
		return ActionResult{}, ConflictError{CaseID: c.ID, Reason: "no open assignment epoch"}
	}

	if err := e.Repo.SetAssignmentPointer(ctx, c.ID, nil, nil, e.nowStr()); err != nil {
		return ActionResult{}, storeErr(err)
	}
	verified, err := e.verifyPointer(ctx, c.ID, nil)
	if err != nil {
		return ActionResult{}, err
	}

	res := ActionResult{Case: verified}
	_, appendErr := e.log().Append(ctx, c.ID, domain.ActionUnassigned, opts.ActorID, domain.RoleSupervisor, domain.EventMetadata{
		EpochID:    open.ID,
		RNID:       open.RNID,
		ReasonCode: opts.ReasonCode,
		ReasonText: opts.ReasonText,
	})
	if appendErr != nil {
		res.Warning = &PartialFailure{CaseID: c.ID, Action: domain.ActionUnassigned, Err: appendErr}
		e.logger().Printf("warn: %s", res.Warning.Warning())
	}
	res.Projection, _ = e.reconstruct(ctx, c.ID)
	return res, nil
}

type ReassignOptions struct {
	CaseID     string
	NewRNID    string
	ReasonCode string
	ReasonText string
	ActorID    string
}

// Reassign closes the current epoch and opens a fresh one for the new RN.
// Both REASSIGNED and ASSIGNED appends are required for the new epoch to be
// recognized as open; either failing is surfaced and repaired later.
func (e Engine) Reassign(ctx context.Context, opts ReassignOptions) (ActionResult, error) {
	c, err := e.requireOpenCase(ctx, opts.CaseID)
	if err != nil {
		return ActionResult{}, err
	}
	if _, err := e.requireActor(ctx, opts.ActorID, domain.RoleSupervisor); err != nil {
		return ActionResult{}, err
	}
	rn, err := e.requireEligibleRN(ctx, opts.NewRNID)
	if err != nil {
		return ActionResult{}, err
	}
	if err := e.validateReason(opts.ReasonCode, opts.ReasonText); err != nil {
		return ActionResult{}, err
	}
	open, _, err := e.ensureOpenEpoch(ctx, c, opts.ActorID)
	if err != nil {
		return ActionResult{}, err
	}
	if open == nil {
		return ActionResult{}, ConflictError{CaseID: c.ID, Reason: "case not assigned; use assign"}
	}

	newEpochID := epoch.NewID()
	if err := e.Repo.SetAssignmentPointer(ctx, c.ID, &rn.ID, &rn.DisplayName, e.nowStr()); err != nil {
		return ActionResult{}, storeErr(err)
	}
	verified, err := e.verifyPointer(ctx, c.ID, &rn.ID)
	if err != nil {
		return ActionResult{}, err
	}

	res := ActionResult{Case: verified}
	_, appendErr := e.log().Append(ctx, c.ID, domain.ActionReassigned, opts.ActorID, domain.RoleSupervisor, domain.EventMetadata{
		EpochID:    open.ID,
		FromRNID:   open.RNID,
		ToRNID:     rn.ID,
		ReasonCode: opts.ReasonCode,
		ReasonText: opts.ReasonText,
	})
	if appendErr == nil {
		_, appendErr = e.log().Append(ctx, c.ID, domain.ActionAssigned, opts.ActorID, domain.RoleSupervisor, domain.EventMetadata{
			EpochID:   newEpochID,
			RNID:      rn.ID,
			RNDisplay: rn.DisplayName,
		})
	}
	if appendErr != nil {
		res.Warning = &PartialFailure{CaseID: c.ID, Action: domain.ActionReassigned, Err: appendErr}
		e.logger().Printf("warn: %s", res.Warning.Warning())
	}
	res.Projection, _ = e.reconstruct(ctx, c.ID)
	return res, nil
}

type NudgeOptions struct {
	CaseID  string
	Type    string
	Message string
	ActorID string
}

// Nudge appends an advisory NUDGED event. No state transition; only the
// projection's last-nudge marker moves.
func (e Engine) Nudge(ctx context.Context, opts NudgeOptions) (ActionResult, error) {
	c, err := e.requireOpenCase(ctx, opts.CaseID)
	if err != nil {
		return ActionResult{}, err
	}
	if _, err := e.requireActor(ctx, opts.ActorID, domain.RoleSupervisor); err != nil {
		return ActionResult{}, err
	}
	if opts.Type == "" {
		return ActionResult{}, ValidationError{Field: "type", Reason: "required"}
	}
	if n := len(opts.Message); n < e.Config.Nudge.MinMessageLen || n > e.Config.Nudge.MaxMessageLen {
		return ActionResult{}, ValidationError{Field: "message", Reason: "length out of bounds"}
	}
	open, _, err := e.ensureOpenEpoch(ctx, c, opts.ActorID)
	if err != nil {
		return ActionResult{}, err
	}
	if open == nil {
		return ActionResult{}, ConflictError{CaseID: c.ID, Reason: "no open assignment epoch"}
	}

	if _, err := e.log().Append(ctx, c.ID, domain.ActionNudged, opts.ActorID, domain.RoleSupervisor, domain.EventMetadata{
		EpochID:   open.ID,
		RNID:      open.RNID,
		NudgeType: opts.Type,
		Message:   opts.Message,
	}); err != nil {
		return ActionResult{}, storeErr(err)
	}
	res := ActionResult{Case: c}
	res.Projection, _ = e.reconstruct(ctx, c.ID)
	return res, nil
}

type AckOptions struct {
	CaseID   string
	Channels []string
	ActorID  string
}

// RecordAckSent records that the patient notification went out. Requires the
// accepted_awaiting_notification state; transitions the projection to
// cleared. Only "a notification was sent" is recorded, never delivery.
func (e Engine) RecordAckSent(ctx context.Context, opts AckOptions) (ActionResult, error) {
	c, err := e.requireOpenCase(ctx, opts.CaseID)
	if err != nil {
		return ActionResult{}, err
	}
	actor, err := e.requireActor(ctx, opts.ActorID, "")
	if err != nil {
		return ActionResult{}, err
	}
	if len(opts.Channels) == 0 {
		return ActionResult{}, ValidationError{Field: "channels", Reason: "at least one channel required"}
	}
	proj, err := e.reconstruct(ctx, c.ID)
	if err != nil {
		return ActionResult{}, err
	}
	if proj.State != lifecycle.StateAcceptedAwaiting {
		return ActionResult{}, ConflictError{CaseID: c.ID, Reason: "notification requires an accepted assignment awaiting it"}
	}

	if _, err := e.log().Append(ctx, c.ID, domain.ActionAckSent, opts.ActorID, actor.Role, domain.EventMetadata{
		EpochID:  proj.Epoch.ID,
		Channels: opts.Channels,
	}); err != nil {
		return ActionResult{}, storeErr(err)
	}
	res := ActionResult{Case: c}
	res.Projection, _ = e.reconstruct(ctx, c.ID)
	return res, nil
}

type ResolveOptions struct {
	CaseID     string
	EpochID    string
	ActorID    string
	ReasonCode string
	ReasonText string
}

// Accept records the RN's acceptance of the epoch they were shown. The
// append is conditional on no prior resolution for that epoch, so duplicate
// or stale accepts conflict at write time instead of relying on read-side
// first-wins alone.
func (e Engine) Accept(ctx context.Context, opts ResolveOptions) (ActionResult, error) {
	return e.resolve(ctx, opts, domain.ActionAccepted)
}

// Decline records the RN's decline. Declined epochs are terminal except via
// unassign or reassign. Reason code and text are optional here; only
// unassign enforces the reason rules.
func (e Engine) Decline(ctx context.Context, opts ResolveOptions) (ActionResult, error) {
	return e.resolve(ctx, opts, domain.ActionDeclined)
}

func (e Engine) resolve(ctx context.Context, opts ResolveOptions, action string) (ActionResult, error) {
	c, err := e.requireOpenCase(ctx, opts.CaseID)
	if err != nil {
		return ActionResult{}, err
	}
	actor, err := e.requireActor(ctx, opts.ActorID, domain.RoleRN)
	if err != nil {
		return ActionResult{}, err
	}
	if opts.EpochID == "" {
		return ActionResult{}, ValidationError{Field: "epoch_id", Reason: "required"}
	}
	proj, err := e.reconstruct(ctx, c.ID)
	if err != nil {
		return ActionResult{}, err
	}
	open := proj.OpenEpoch()
	if open == nil || open.ID != opts.EpochID {
		return ActionResult{}, ConflictError{CaseID: c.ID, EpochID: opts.EpochID, Reason: "assignment no longer active"}
	}
	if proj.AcceptedAt != "" || proj.DeclinedAt != "" {
		return ActionResult{}, ConflictError{CaseID: c.ID, EpochID: opts.EpochID, Reason: "assignment already resolved"}
	}

	if _, err := e.log().Append(ctx, c.ID, action, opts.ActorID, actor.Role, domain.EventMetadata{
		EpochID:    open.ID,
		RNID:       open.RNID,
		ReasonCode: opts.ReasonCode,
		ReasonText: opts.ReasonText,
	}); err != nil {
		return ActionResult{}, storeErr(err)
	}
	res := ActionResult{Case: c}
	res.Projection, _ = e.reconstruct(ctx, c.ID)
	return res, nil
}

type OutreachOptions struct {
	CaseID  string
	Channel string
	Note    string
	ActorID string
}

// RecordOutreach logs a contact attempt for the outreach clock. Attempts are
// their own record, not governance events; the SLA tracker reads them
// directly.
func (e Engine) RecordOutreach(ctx context.Context, opts OutreachOptions) (domain.OutreachAttempt, error) {
	c, err := e.requireOpenCase(ctx, opts.CaseID)
	if err != nil {
		return domain.OutreachAttempt{}, err
	}
	if _, err := e.requireActor(ctx, opts.ActorID, ""); err != nil {
		return domain.OutreachAttempt{}, err
	}
	if opts.Channel == "" {
		return domain.OutreachAttempt{}, ValidationError{Field: "channel", Reason: "required"}
	}
	if c.AssignedRNID == nil {
		return domain.OutreachAttempt{}, ConflictError{CaseID: c.ID, Reason: "case has no assigned rn"}
	}
	attempt := domain.OutreachAttempt{
		ID:          uuid.New().String(),
		CaseID:      c.ID,
		RNID:        *c.AssignedRNID,
		Channel:     opts.Channel,
		AttemptedAt: e.nowStr(),
		Note:        opts.Note,
	}
	if err := e.Repo.InsertOutreachAttempt(ctx, attempt); err != nil {
		return domain.OutreachAttempt{}, storeErr(err)
	}
	return attempt, nil
}

// verifyPointer re-reads the case and checks the pointer took. A mismatch
// means a concurrent writer won; the caller must refresh.
func (e Engine) verifyPointer(ctx context.Context, caseID string, want *string) (domain.Case, error) {
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return c, storeErr(err)
	}
	switch {
	case want == nil && c.AssignedRNID != nil:
		return c, ConflictError{CaseID: caseID, Reason: "pointer changed under us; refresh and retry"}
	case want != nil && (c.AssignedRNID == nil || *c.AssignedRNID != *want):
		return c, ConflictError{CaseID: caseID, Reason: "pointer changed under us; refresh and retry"}
	}
	return c, nil
}
