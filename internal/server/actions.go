package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/events"
)

// Supervisor gateway operations plus RN self-service accept/decline. Every
// handler resolves the acting principal and hands the engine one bounded
// operation; the engine owns all eligibility checks.

func registerCaseActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/assign",
		Summary:     "Assign case to an RN",
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Body   AssignRequest
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Assign(ctx, engine.AssignOptions{CaseID: input.CaseID, RNID: input.Body.RNID, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: toActionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassign-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/unassign",
		Summary:     "Unassign case, closing its epoch",
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Body   UnassignRequest
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.UnassignOptions{CaseID: input.CaseID, ReasonCode: input.Body.ReasonCode, ActorID: actorID}
		if input.Body.ReasonText != nil {
			opts.ReasonText = *input.Body.ReasonText
		}
		res, err := e.Unassign(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: toActionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reassign-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/reassign",
		Summary:     "Reassign case to another RN under a fresh epoch",
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Body   ReassignRequest
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ReassignOptions{CaseID: input.CaseID, NewRNID: input.Body.RNID, ReasonCode: input.Body.ReasonCode, ActorID: actorID}
		if input.Body.ReasonText != nil {
			opts.ReasonText = *input.Body.ReasonText
		}
		res, err := e.Reassign(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: toActionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "nudge-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/nudge",
		Summary:     "Send the assigned RN an advisory nudge",
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Body   NudgeRequest
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Nudge(ctx, engine.NudgeOptions{CaseID: input.CaseID, Type: input.Body.Type, Message: input.Body.Message, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: toActionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-ack-sent",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/ack",
		Summary:     "Record that the patient notification was sent",
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Body   AckSentRequest
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RecordAckSent(ctx, engine.AckOptions{CaseID: input.CaseID, Channels: input.Body.Channels, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: toActionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/accept",
		Summary:     "RN accepts the epoch they were shown",
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Body   ResolveRequest
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Accept(ctx, engine.ResolveOptions{CaseID: input.CaseID, EpochID: input.Body.EpochID, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: toActionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decline-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/decline",
		Summary:     "RN declines the epoch they were shown",
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Body   ResolveRequest
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ResolveOptions{CaseID: input.CaseID, EpochID: input.Body.EpochID, ActorID: actorID}
		if input.Body.ReasonCode != nil {
			opts.ReasonCode = *input.Body.ReasonCode
		}
		if input.Body.ReasonText != nil {
			opts.ReasonText = *input.Body.ReasonText
		}
		res, err := e.Decline(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: toActionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-outreach",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/outreach",
		Summary:       "Log an outreach attempt for the outreach clock",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Body   OutreachRequest
	}) (*struct {
		Body domain.OutreachAttempt `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.OutreachOptions{CaseID: input.CaseID, Channel: input.Body.Channel, ActorID: actorID}
		if input.Body.Note != nil {
			opts.Note = *input.Body.Note
		}
		attempt, err := e.RecordOutreach(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OutreachAttempt `json:"body"`
		}{Body: attempt}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "repair-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/repair",
		Summary:     "Synthesize a missing epoch for a legacy assignment",
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body struct {
			Repaired bool             `json:"repaired"`
			CaseView CaseViewResponse `json:"case_view"`
		} `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Repair(ctx, engine.RepairOptions{CaseID: input.CaseID, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		view, err := e.CaseView(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Repaired bool             `json:"repaired"`
				CaseView CaseViewResponse `json:"case_view"`
			} `json:"body"`
		}{}
		out.Body.Repaired = res.Repaired
		out.Body.CaseView = toCaseViewResponse(view)
		return out, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "case-events",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/events",
		Summary:     "Governance event history for a case, newest first",
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body []domain.GovernanceEvent `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		evts, err := e.Log.ListForCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.GovernanceEvent `json:"body"`
		}{Body: evts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Governance log tail",
	}, func(ctx context.Context, input *struct {
		Action string `query:"action" required:"false"`
		Limit  int    `query:"limit" required:"false"`
		Cursor int64  `query:"cursor" required:"false"`
	}) (*struct {
		Body []domain.GovernanceEvent `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		f := events.Filters{Limit: limit, Cursor: input.Cursor}
		if input.Action != "" {
			f.Actions = []string{input.Action}
		}
		evts, err := e.Log.Latest(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.GovernanceEvent `json:"body"`
		}{Body: evts}, nil
	})
}

func registerStaff(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-staff",
		Method:        http.MethodPost,
		Path:          "/staff",
		Summary:       "Register staff member",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateStaffRequest
	}) (*struct {
		Body domain.Staff `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		opts := engine.StaffCreateOptions{DisplayName: input.Body.DisplayName, Role: input.Body.Role}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		s, err := e.CreateStaff(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Staff `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-staff",
		Method:      http.MethodGet,
		Path:        "/staff",
		Summary:     "List staff",
	}, func(ctx context.Context, input *struct {
		Role   string `query:"role" enum:"rn,supervisor" required:"false"`
		Active bool   `query:"active" required:"false"`
	}) (*struct {
		Body []domain.Staff `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		staff, err := e.Repo.ListStaff(ctx, input.Role, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Staff `json:"body"`
		}{Body: staff}, nil
	})
}

func registerConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Current governance options",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"org":        e.Config.Org,
			"sla":        e.Config.SLA,
			"reconciler": e.Config.Reconciler,
			"nudge":      e.Config.Nudge,
			"unassign":   e.Config.Unassign,
		}}, nil
	})
}
