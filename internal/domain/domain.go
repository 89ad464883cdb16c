package domain

// Governance actions recorded in the append-only event log.
const (
	ActionAssigned   = "ASSIGNED"
	ActionAccepted   = "ACCEPTED"
	ActionDeclined   = "DECLINED"
	ActionAckSent    = "ACK_SENT"
	ActionNudged     = "NUDGED"
	ActionUnassigned = "UNASSIGNED"
	ActionReassigned = "REASSIGNED"
)

// Staff roles.
const (
	RoleRN         = "rn"
	RoleSupervisor = "supervisor"
)

type Case struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	PatientRef    string  `json:"patient_ref,omitempty"`
	Status        string  `json:"status" enum:"open,closed"`
	AssignedRNID  *string `json:"assigned_rn_id,omitempty"`
	AssignedRName *string `json:"assigned_rn_display,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type Staff struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role" enum:"rn,supervisor"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// EventMetadata is the structured payload of a governance event. Every
// non-ASSIGNED action carries the EpochID it responds to.
type EventMetadata struct {
	EpochID      string   `json:"epoch_id,omitempty"`
	RNID         string   `json:"rn_id,omitempty"`
	RNDisplay    string   `json:"rn_display,omitempty"`
	ReasonCode   string   `json:"reason_code,omitempty"`
	ReasonText   string   `json:"reason_text,omitempty"`
	NudgeType    string   `json:"nudge_type,omitempty"`
	Message      string   `json:"message,omitempty"`
	Channels     []string `json:"channels,omitempty"`
	FromRNID     string   `json:"from_rn_id,omitempty"`
	ToRNID       string   `json:"to_rn_id,omitempty"`
	LegacyRepair bool     `json:"legacy_repair,omitempty"`
}

// GovernanceEvent is immutable once written.
type GovernanceEvent struct {
	ID        int64         `json:"id"`
	CaseID    string        `json:"case_id"`
	Action    string        `json:"action"`
	ActorID   string        `json:"actor_id"`
	ActorRole string        `json:"actor_role"`
	CreatedAt string        `json:"created_at" format:"date-time"`
	Metadata  EventMetadata `json:"metadata"`
}

type OutreachAttempt struct {
	ID          string `json:"id"`
	CaseID      string `json:"case_id"`
	RNID        string `json:"rn_id"`
	Channel     string `json:"channel"`
	AttemptedAt string `json:"attempted_at" format:"date-time"`
	Note        string `json:"note,omitempty"`
}

// Epoch is one assignment generation of a case. It is derived from the
// latest ASSIGNED event, never stored as a row.
type Epoch struct {
	ID         string `json:"id"`
	CaseID     string `json:"case_id"`
	AssignedAt string `json:"assigned_at" format:"date-time"`
	RNID       string `json:"rn_id"`
	RNDisplay  string `json:"rn_display,omitempty"`
}
