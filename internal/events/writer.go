// Package events is the append-only governance log. Appends deliberately run
// outside any row-store transaction: every writer updates the row first and
// logs second, so a crash can only leave an un-audited pointer change, which
// legacy repair reconciles later.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"careline/internal/domain"
)

type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append writes one immutable governance event and returns it with its id
// and timestamp set.
func (l Log) Append(ctx context.Context, caseID, action, actorID, actorRole string, md domain.EventMetadata) (domain.GovernanceEvent, error) {
	ts := l.now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(md)
	if err != nil {
		return domain.GovernanceEvent{}, fmt.Errorf("marshal event metadata: %w", err)
	}
	res, err := l.DB.ExecContext(ctx,
		`INSERT INTO governance_events(case_id,action,actor_id,actor_role,created_at,metadata_json) VALUES (?,?,?,?,?,?)`,
		caseID, action, actorID, actorRole, ts, string(data))
	if err != nil {
		return domain.GovernanceEvent{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.GovernanceEvent{}, err
	}
	return domain.GovernanceEvent{
		ID:        id,
		CaseID:    caseID,
		Action:    action,
		ActorID:   actorID,
		ActorRole: actorRole,
		CreatedAt: ts,
		Metadata:  md,
	}, nil
}

// ListForCase returns every governance event for one case, newest first.
func (l Log) ListForCase(ctx context.Context, caseID string) ([]domain.GovernanceEvent, error) {
	return l.Latest(ctx, Filters{CaseIDs: []string{caseID}})
}

// Filters narrows Latest. Zero Limit means no limit.
type Filters struct {
	CaseIDs []string
	Actions []string
	Limit   int
	Cursor  int64
}

// Latest returns events ordered by created_at desc, id desc.
func (l Log) Latest(ctx context.Context, f Filters) ([]domain.GovernanceEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.CaseIDs) > 0 {
		clauses = append(clauses, "case_id IN ("+placeholders(len(f.CaseIDs))+")")
		for _, id := range f.CaseIDs {
			args = append(args, id)
		}
	}
	if len(f.Actions) > 0 {
		clauses = append(clauses, "action IN ("+placeholders(len(f.Actions))+")")
		for _, a := range f.Actions {
			args = append(args, a)
		}
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := `SELECT id,case_id,action,actor_id,actor_role,created_at,metadata_json FROM governance_events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GovernanceEvent
	for rows.Next() {
		var e domain.GovernanceEvent
		var md string
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Action, &e.ActorID, &e.ActorRole, &e.CreatedAt, &md); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(md), &e.Metadata); err != nil {
			return nil, fmt.Errorf("event %d metadata: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// After returns up to limit events with id greater than cursor, oldest
// first. Webhook delivery walks the log with it.
func (l Log) After(ctx context.Context, cursor int64, limit int) ([]domain.GovernanceEvent, error) {
	query := `SELECT id,case_id,action,actor_id,actor_role,created_at,metadata_json FROM governance_events WHERE id>? ORDER BY id ASC`
	args := []any{cursor}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GovernanceEvent
	for rows.Next() {
		var e domain.GovernanceEvent
		var md string
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Action, &e.ActorID, &e.ActorRole, &e.CreatedAt, &md); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(md), &e.Metadata); err != nil {
			return nil, fmt.Errorf("event %d metadata: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestID returns the highest event id, or 0 when the log is empty.
func (l Log) LatestID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := l.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM governance_events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
