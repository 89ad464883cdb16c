package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"careline/internal/config"
	"careline/internal/domain"
)

// Repo is the row-query/update interface over the relational store. It owns
// the mutable case rows; governance history lives in the event log.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func scanCase(row *sql.Row) (domain.Case, error) {
	var c domain.Case
	var patientRef, rnID, rnDisplay sql.NullString
	err := row.Scan(&c.ID, &c.Title, &patientRef, &c.Status, &rnID, &rnDisplay, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if patientRef.Valid {
		c.PatientRef = patientRef.String
	}
	if rnID.Valid {
		c.AssignedRNID = &rnID.String
	}
	if rnDisplay.Valid {
		c.AssignedRName = &rnDisplay.String
	}
	return c, nil
}

const caseColumns = `id,title,patient_ref,status,assigned_rn_id,assigned_rn_display,created_at,updated_at`

func (r Repo) InsertCase(ctx context.Context, c domain.Case) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO cases(`+caseColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.Title, nullable(c.PatientRef), c.Status, nullablePtr(c.AssignedRNID), nullablePtr(c.AssignedRName), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

// CaseFilters narrows ListCases.
type CaseFilters struct {
	IDs          []string
	Status       string
	AssignedRNID string
	AssignedOnly bool
	Limit        int
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.IDs) > 0 {
		clauses = append(clauses, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssignedRNID != "" {
		clauses = append(clauses, "assigned_rn_id=?")
		args = append(args, f.AssignedRNID)
	}
	if f.AssignedOnly {
		clauses = append(clauses, "assigned_rn_id IS NOT NULL")
	}
	query := `SELECT ` + caseColumns + ` FROM cases WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		var c domain.Case
		var patientRef, rnID, rnDisplay sql.NullString
		if err := rows.Scan(&c.ID, &c.Title, &patientRef, &c.Status, &rnID, &rnDisplay, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if patientRef.Valid {
			c.PatientRef = patientRef.String
		}
		if rnID.Valid {
			c.AssignedRNID = &rnID.String
		}
		if rnDisplay.Valid {
			c.AssignedRName = &rnDisplay.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SetAssignmentPointer updates the single shared mutable resource: the
// per-case assigned-RN pointer. Callers verify by re-read; last write wins.
// Passing nil pointers clears the assignment.
func (r Repo) SetAssignmentPointer(ctx context.Context, caseID string, rnID, rnDisplay *string, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE cases SET assigned_rn_id=?, assigned_rn_display=?, updated_at=? WHERE id=?`,
		nullablePtr(rnID), nullablePtr(rnDisplay), updatedAt, caseID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetCaseStatus(ctx context.Context, caseID, status, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE cases SET status=?, updated_at=? WHERE id=?`, status, updatedAt, caseID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- staff ---

func (r Repo) InsertStaff(ctx context.Context, s domain.Staff) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO staff(id,display_name,role,active,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.DisplayName, s.Role, boolInt(s.Active), s.CreatedAt)
	return err
}

func (r Repo) GetStaff(ctx context.Context, id string) (domain.Staff, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,display_name,role,active,created_at FROM staff WHERE id=?`, id)
	var s domain.Staff
	var active int
	err := row.Scan(&s.ID, &s.DisplayName, &s.Role, &active, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Active = active != 0
	return s, nil
}

func (r Repo) ListStaff(ctx context.Context, role string, activeOnly bool) ([]domain.Staff, error) {
	clauses := []string{"1=1"}
	var args []any
	if role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, role)
	}
	if activeOnly {
		clauses = append(clauses, "active=1")
	}
	query := `SELECT id,display_name,role,active,created_at FROM staff WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY display_name ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Staff
	for rows.Next() {
		var s domain.Staff
		var active int
		if err := rows.Scan(&s.ID, &s.DisplayName, &s.Role, &active, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Active = active != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) SetStaffActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE staff SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- outreach attempts ---

func (r Repo) InsertOutreachAttempt(ctx context.Context, a domain.OutreachAttempt) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO outreach_attempts(id,case_id,rn_id,channel,attempted_at,note) VALUES (?,?,?,?,?,?)`,
		a.ID, a.CaseID, a.RNID, a.Channel, a.AttemptedAt, nullable(a.Note))
	return err
}

// ListOutreachAttempts returns a case's attempts, earliest first.
func (r Repo) ListOutreachAttempts(ctx context.Context, caseID string) ([]domain.OutreachAttempt, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,case_id,rn_id,channel,attempted_at,COALESCE(note,'') FROM outreach_attempts WHERE case_id=? ORDER BY attempted_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutreachAttempt
	for rows.Next() {
		var a domain.OutreachAttempt
		if err := rows.Scan(&a.ID, &a.CaseID, &a.RNID, &a.Channel, &a.AttemptedAt, &a.Note); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- stored governance config ---

func (r Repo) UpsertGovernanceConfig(ctx context.Context, orgID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Org.ID = orgID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO governance_configs(org_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(org_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, orgID, string(payload), now, now)
	return err
}

func (r Repo) GetGovernanceConfig(ctx context.Context, orgID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM governance_configs WHERE org_id=?`, orgID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Org.ID == "" {
		cfg.Org.ID = orgID
	}
	return &cfg, cfg.Validate()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
