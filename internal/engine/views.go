package engine

import (
	"context"
	"errors"
	"time"

	"careline/internal/domain"
	"careline/internal/lifecycle"
	"careline/internal/repo"
	"careline/internal/sla"
)

// SLASet is the three obligation clocks for one case.
type SLASet struct {
	Acceptance   sla.Obligation `json:"acceptance"`
	Notification sla.Obligation `json:"notification"`
	Outreach     sla.Obligation `json:"outreach"`
}

// CaseView is what the supervisor dashboard consumes: the row, the replayed
// lifecycle projection and the SLA badges.
type CaseView struct {
	Case       domain.Case          `json:"case"`
	Projection lifecycle.Projection `json:"projection"`
	SLA        SLASet               `json:"sla"`
}

// CaseView reconstructs one case. Reads are lock-free replays; when the row
// and the log have drifted apart the explicit repair operation runs first,
// so gaps heal on the next read of an affected case. An event-retrieval
// failure yields an indeterminate projection rather than a guessed state.
func (e Engine) CaseView(ctx context.Context, caseID string) (CaseView, error) {
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return CaseView{}, NotFoundError{Kind: "case", ID: caseID}
		}
		return CaseView{}, storeErr(err)
	}
	proj, err := e.reconstruct(ctx, caseID)
	if err != nil {
		return CaseView{Case: c, Projection: lifecycle.Indeterminate()}, nil
	}
	if needsRepair(c, proj) {
		res, repairErr := e.Repair(ctx, RepairOptions{CaseID: caseID, ActorID: "system-repair"})
		if repairErr == nil {
			proj = res.Projection
		} else {
			e.logger().Printf("warn: case %s repair on read failed: %v", caseID, repairErr)
		}
	}
	return e.buildView(ctx, c, proj), nil
}

// QueueFilters narrows the dashboard listing.
type QueueFilters struct {
	States       []lifecycle.State
	AssignedRNID string
	Limit        int
}

// Queue lists open cases with their projections and SLA badges, newest
// first. Cleared cases drop out unless explicitly asked for.
func (e Engine) Queue(ctx context.Context, f QueueFilters) ([]CaseView, error) {
	cases, err := e.Repo.ListCases(ctx, repo.CaseFilters{Status: "open", AssignedRNID: f.AssignedRNID, Limit: f.Limit})
	if err != nil {
		return nil, storeErr(err)
	}
	var views []CaseView
	for _, c := range cases {
		proj, err := e.reconstruct(ctx, c.ID)
		if err != nil {
			views = append(views, CaseView{Case: c, Projection: lifecycle.Indeterminate()})
			continue
		}
		v := e.buildView(ctx, c, proj)
		if len(f.States) > 0 {
			if !stateIn(v.Projection.State, f.States) {
				continue
			}
		} else if v.Projection.State == lifecycle.StateCleared {
			continue
		}
		views = append(views, v)
	}
	return views, nil
}

// DriftedCases returns ids of open cases whose pointer has no matching open
// epoch. Indeterminate cases are excluded from automated action.
func (e Engine) DriftedCases(ctx context.Context) ([]string, error) {
	cases, err := e.Repo.ListCases(ctx, repo.CaseFilters{Status: "open", AssignedOnly: true})
	if err != nil {
		return nil, storeErr(err)
	}
	var drifted []string
	for _, c := range cases {
		proj, err := e.reconstruct(ctx, c.ID)
		if err != nil {
			continue
		}
		if needsRepair(c, proj) {
			drifted = append(drifted, c.ID)
		}
	}
	return drifted, nil
}

func (e Engine) buildView(ctx context.Context, c domain.Case, proj lifecycle.Projection) CaseView {
	v := CaseView{Case: c, Projection: proj}
	if proj.Indeterminate {
		// No clock runs against a state we cannot determine.
		v.SLA = SLASet{
			Acceptance:   sla.Obligation{Status: sla.StatusNotApplicable},
			Notification: sla.Obligation{Status: sla.StatusNotApplicable},
			Outreach:     sla.Obligation{Status: sla.StatusNotApplicable},
		}
		return v
	}
	calc := e.SLA()
	now := e.now()

	var assignedAt, acceptedAt, ackAt *time.Time
	if open := proj.OpenEpoch(); open != nil {
		assignedAt = parseTime(open.AssignedAt)
	}
	acceptedAt = parseTime(proj.AcceptedAt)
	ackAt = parseTime(proj.AckSentAt)

	v.SLA.Acceptance = calc.Acceptance(assignedAt, acceptedAt, now)
	v.SLA.Notification = calc.Notification(acceptedAt, ackAt, now)

	outreachAnchor := acceptedAt
	if outreachAnchor == nil {
		outreachAnchor = assignedAt
	}
	var attemptAt *time.Time
	if outreachAnchor != nil {
		// Attempts logged under a superseded epoch never satisfy the
		// current clock; only the first attempt at or after the anchor
		// counts.
		if attempts, err := e.Repo.ListOutreachAttempts(ctx, c.ID); err == nil {
			for _, a := range attempts {
				at := parseTime(a.AttemptedAt)
				if at == nil || at.Before(*outreachAnchor) {
					continue
				}
				attemptAt = at
				break
			}
		}
	}
	v.SLA.Outreach = calc.Outreach(outreachAnchor, attemptAt, now)
	return v
}

func stateIn(s lifecycle.State, states []lifecycle.State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
