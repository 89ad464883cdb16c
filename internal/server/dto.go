package server

import (
	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/lifecycle"
)

// Request payloads

type CreateCaseRequest struct {
	ID         *string `json:"id,omitempty"`
	Title      string  `json:"title"`
	PatientRef *string `json:"patient_ref,omitempty"`
}

type AssignRequest struct {
	RNID string `json:"rn_id"`
}

type UnassignRequest struct {
	ReasonCode string  `json:"reason_code"`
	ReasonText *string `json:"reason_text,omitempty" maxLength:"300"`
}

type ReassignRequest struct {
	RNID       string  `json:"rn_id"`
	ReasonCode string  `json:"reason_code"`
	ReasonText *string `json:"reason_text,omitempty" maxLength:"300"`
}

type NudgeRequest struct {
	Type    string `json:"type"`
	Message string `json:"message" minLength:"20" maxLength:"300"`
}

type AckSentRequest struct {
	Channels []string `json:"channels" minItems:"1"`
}

type ResolveRequest struct {
	EpochID    string  `json:"epoch_id"`
	ReasonCode *string `json:"reason_code,omitempty"`
	ReasonText *string `json:"reason_text,omitempty" maxLength:"300"`
}

type OutreachRequest struct {
	Channel string  `json:"channel"`
	Note    *string `json:"note,omitempty"`
}

type CreateStaffRequest struct {
	ID          *string `json:"id,omitempty"`
	DisplayName string  `json:"display_name"`
	Role        string  `json:"role" enum:"rn,supervisor"`
}

// Response payloads

type CaseViewResponse struct {
	Case       domain.Case          `json:"case"`
	Projection lifecycle.Projection `json:"projection"`
	SLA        engine.SLASet        `json:"sla"`
}

// ActionResponse carries the post-action view plus an optional partial
// failure warning; the row is authoritative when the warning is set.
type ActionResponse struct {
	Case       domain.Case          `json:"case"`
	Projection lifecycle.Projection `json:"projection"`
	Warning    string               `json:"warning,omitempty"`
}

func toActionResponse(res engine.ActionResult) ActionResponse {
	out := ActionResponse{Case: res.Case, Projection: res.Projection}
	if res.Warning != nil {
		out.Warning = res.Warning.Warning()
	}
	return out
}

func toCaseViewResponse(v engine.CaseView) CaseViewResponse {
	return CaseViewResponse{Case: v.Case, Projection: v.Projection, SLA: v.SLA}
}
