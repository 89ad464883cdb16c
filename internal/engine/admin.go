package engine

import (
	"context"

	"github.com/google/uuid"

	"careline/internal/domain"
)

// Case and staff administration is deliberately thin: the CRUD product
// surface lives elsewhere, but the gateway needs rows to govern and staff to
// check eligibility against.

type CaseCreateOptions struct {
	ID         string
	Title      string
	PatientRef string
}

func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (domain.Case, error) {
	if opts.Title == "" {
		return domain.Case{}, ValidationError{Field: "title", Reason: "required"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	c := domain.Case{
		ID:         id,
		Title:      opts.Title,
		PatientRef: opts.PatientRef,
		Status:     "open",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertCase(ctx, c); err != nil {
		return domain.Case{}, storeErr(err)
	}
	return c, nil
}

func (e Engine) CloseCase(ctx context.Context, caseID string) (domain.Case, error) {
	c, err := e.requireOpenCase(ctx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	if err := e.Repo.SetCaseStatus(ctx, c.ID, "closed", e.nowStr()); err != nil {
		return domain.Case{}, storeErr(err)
	}
	c.Status = "closed"
	return c, nil
}

type StaffCreateOptions struct {
	ID          string
	DisplayName string
	Role        string
}

func (e Engine) CreateStaff(ctx context.Context, opts StaffCreateOptions) (domain.Staff, error) {
	if opts.DisplayName == "" {
		return domain.Staff{}, ValidationError{Field: "display_name", Reason: "required"}
	}
	if opts.Role != domain.RoleRN && opts.Role != domain.RoleSupervisor {
		return domain.Staff{}, ValidationError{Field: "role", Reason: "must be rn or supervisor"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	s := domain.Staff{
		ID:          id,
		DisplayName: opts.DisplayName,
		Role:        opts.Role,
		Active:      true,
		CreatedAt:   e.nowStr(),
	}
	if err := e.Repo.InsertStaff(ctx, s); err != nil {
		return domain.Staff{}, storeErr(err)
	}
	return s, nil
}
