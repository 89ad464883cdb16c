package engine

import (
	"context"

	"careline/internal/domain"
	"careline/internal/epoch"
	"careline/internal/lifecycle"
)

type RepairOptions struct {
	CaseID  string
	ActorID string
}

// RepairResult reports what repair found and whether it wrote anything.
type RepairResult struct {
	Case       domain.Case
	Projection lifecycle.Projection
	Repaired   bool
}

// Repair reconciles a case whose row shows an assigned RN the event log has
// no matching open epoch for — legacy data predating event sourcing, or the
// un-audited half of a partial failure. It synthesizes one ASSIGNED event
// stamped now, tagged legacy_repair, for the currently-assigned RN.
// Idempotent in effect: concurrent repairs may both write, but replay always
// selects the most recent ASSIGNED, so duplicates are harmless.
func (e Engine) Repair(ctx context.Context, opts RepairOptions) (RepairResult, error) {
	c, err := e.requireOpenCase(ctx, opts.CaseID)
	if err != nil {
		return RepairResult{}, err
	}
	proj, err := e.reconstruct(ctx, c.ID)
	if err != nil {
		return RepairResult{}, err
	}
	if !needsRepair(c, proj) {
		return RepairResult{Case: c, Projection: proj}, nil
	}

	display := ""
	if c.AssignedRName != nil {
		display = *c.AssignedRName
	}
	if _, err := e.log().Append(ctx, c.ID, domain.ActionAssigned, opts.ActorID, domain.RoleSupervisor, domain.EventMetadata{
		EpochID:      epoch.NewID(),
		RNID:         *c.AssignedRNID,
		RNDisplay:    display,
		LegacyRepair: true,
	}); err != nil {
		return RepairResult{}, storeErr(err)
	}
	proj, err = e.reconstruct(ctx, c.ID)
	if err != nil {
		return RepairResult{}, err
	}
	return RepairResult{Case: c, Projection: proj, Repaired: true}, nil
}

// needsRepair reports pointer/epoch drift: the row claims an RN but no open
// epoch agrees.
func needsRepair(c domain.Case, proj lifecycle.Projection) bool {
	if c.AssignedRNID == nil || proj.Indeterminate {
		return false
	}
	open := proj.OpenEpoch()
	return open == nil || open.RNID != *c.AssignedRNID
}
