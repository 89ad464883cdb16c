// Package lifecycle reconstructs a case's current assignment state purely by
// replaying its governance events. Mutable flags on the case row are never
// trusted; the event log is ground truth.
package lifecycle

import (
	"sort"

	"careline/internal/domain"
	"careline/internal/epoch"
)

type State string

const (
	StateUnassigned        State = "unassigned"
	StatePendingAcceptance State = "pending_acceptance"
	StateDeclined          State = "declined"
	StateAcceptedAwaiting  State = "accepted_awaiting_notification"
	StateCleared           State = "cleared"
)

// Nudge is the most recent advisory nudge within the current epoch.
type Nudge struct {
	At      string `json:"at" format:"date-time"`
	Type    string `json:"type"`
	Message string `json:"message"`
	ActorID string `json:"actor_id"`
}

// Projection is the derived current state of one case. Epoch is nil when no
// assignment generation is open.
type Projection struct {
	State             State         `json:"state" enum:"unassigned,pending_acceptance,declined,accepted_awaiting_notification,cleared"`
	Epoch             *domain.Epoch `json:"epoch,omitempty"`
	AcceptedAt        string        `json:"accepted_at,omitempty" format:"date-time"`
	DeclinedAt        string        `json:"declined_at,omitempty" format:"date-time"`
	DeclineReasonCode string        `json:"decline_reason_code,omitempty"`
	DeclineReasonText string        `json:"decline_reason_text,omitempty"`
	AckSentAt         string        `json:"ack_sent_at,omitempty" format:"date-time"`
	AckChannels       []string      `json:"ack_channels,omitempty"`
	LastNudge         *Nudge        `json:"last_nudge,omitempty"`
	Indeterminate     bool          `json:"indeterminate,omitempty"`
}

// Indeterminate marks a case whose events could not be retrieved. Callers
// exclude indeterminate cases from automated SLA actions; the state is never
// defaulted.
func Indeterminate() Projection {
	return Projection{State: StateUnassigned, Indeterminate: true}
}

// Reconstruct replays governance events into a projection. It is pure and
// replay-idempotent: identical input always yields identical output, in any
// input order. Only events carrying the latest ASSIGNED epoch id count; a
// stale ACCEPTED or DECLINED referencing a superseded epoch is ignored
// entirely.
func Reconstruct(evts []domain.GovernanceEvent) Projection {
	ordered := make([]domain.GovernanceEvent, len(evts))
	copy(ordered, evts)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt != ordered[j].CreatedAt {
			return ordered[i].CreatedAt < ordered[j].CreatedAt
		}
		if ordered[i].ID != ordered[j].ID {
			return ordered[i].ID < ordered[j].ID
		}
		return epoch.Newer(ordered[j].Metadata.EpochID, ordered[i].Metadata.EpochID)
	})

	var assigned *domain.GovernanceEvent
	for i := range ordered {
		if ordered[i].Action == domain.ActionAssigned {
			assigned = &ordered[i]
		}
	}
	if assigned == nil {
		return Projection{State: StateUnassigned}
	}

	ep := &domain.Epoch{
		ID:         assigned.Metadata.EpochID,
		CaseID:     assigned.CaseID,
		AssignedAt: assigned.CreatedAt,
		RNID:       assigned.Metadata.RNID,
		RNDisplay:  assigned.Metadata.RNDisplay,
	}
	p := Projection{State: StatePendingAcceptance, Epoch: ep}

	for _, e := range ordered {
		if e.Metadata.EpochID != ep.ID || e.Action == domain.ActionAssigned {
			continue
		}
		switch e.Action {
		case domain.ActionAccepted:
			// First resolution wins; an accepted epoch never reverts.
			if p.AcceptedAt == "" && p.DeclinedAt == "" {
				p.AcceptedAt = e.CreatedAt
			}
		case domain.ActionDeclined:
			if p.AcceptedAt == "" && p.DeclinedAt == "" {
				p.DeclinedAt = e.CreatedAt
				p.DeclineReasonCode = e.Metadata.ReasonCode
				p.DeclineReasonText = e.Metadata.ReasonText
			}
		case domain.ActionAckSent:
			if p.AckSentAt == "" {
				p.AckSentAt = e.CreatedAt
				p.AckChannels = e.Metadata.Channels
			}
		case domain.ActionNudged:
			p.LastNudge = &Nudge{
				At:      e.CreatedAt,
				Type:    e.Metadata.NudgeType,
				Message: e.Metadata.Message,
				ActorID: e.ActorID,
			}
		case domain.ActionUnassigned:
			// The epoch is closed; nothing after this reopens it short of a
			// fresh ASSIGNED, which would have superseded it above.
			return Projection{State: StateUnassigned, LastNudge: p.LastNudge}
		}
	}

	switch {
	case p.DeclinedAt != "":
		p.State = StateDeclined
	case p.AcceptedAt != "" && p.AckSentAt != "":
		p.State = StateCleared
	case p.AcceptedAt != "":
		p.State = StateAcceptedAwaiting
	}
	if p.AcceptedAt == "" {
		// An ACK_SENT with no acceptance in this epoch is meaningless.
		p.AckSentAt = ""
		p.AckChannels = nil
	}
	return p
}

// OpenEpoch returns the projection's epoch when it is still open, nil
// otherwise. Declined epochs stay open for supervisor intervention
// (unassign/reassign) but are terminal for the RN.
func (p Projection) OpenEpoch() *domain.Epoch {
	if p.State == StateUnassigned || p.Indeterminate {
		return nil
	}
	return p.Epoch
}
