package repo

import (
	"context"
	"database/sql"
	"fmt"

	"reqflow/internal/domain"
)

func (r Repo) InsertAudit(ctx context.Context, tx *sql.Tx, a domain.AuditEntry) error {
	before, err := marshalMap(a.Before)
	if err != nil {
		return fmt.Errorf("encode audit before: %w", err)
	}
	after, err := marshalMap(a.After)
	if err != nil {
		return fmt.Errorf("encode audit after: %w", err)
	}
	meta, err := marshalMap(a.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO audit_log(id,action,entity_type,entity_id,request_id,program_id,performed_by,before_json,after_json,metadata_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Action, a.EntityType, a.EntityID, nullable(a.RequestID), a.ProgramID, a.PerformedBy, before, after, meta, a.CreatedAt)
	return err
}

type AuditFilters struct {
	ProgramID string
	RequestID string
	ActorID   string
	Action    string
	Since     string
	Until     string
	Limit     int

	// CursorID resumes after this row in commit order.
	CursorID string
}

func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	var clauses []string
	var args []any
	if f.ProgramID != "" {
		clauses = append(clauses, "program_id=?")
		args = append(args, f.ProgramID)
	}
	if f.RequestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, f.RequestID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "performed_by=?")
		args = append(args, f.ActorID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at>=?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "created_at<?")
		args = append(args, f.Until)
	}
	if f.CursorID != "" {
		clauses = append(clauses, "rowid < (SELECT rowid FROM audit_log WHERE id=?)")
		args = append(args, f.CursorID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,action,entity_type,entity_id,COALESCE(request_id,''),program_id,performed_by,before_json,after_json,metadata_json,created_at FROM audit_log ` +
		whereClause(clauses) + ` ORDER BY rowid DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var a domain.AuditEntry
		var before, after, meta sql.NullString
		if err := rows.Scan(&a.ID, &a.Action, &a.EntityType, &a.EntityID, &a.RequestID, &a.ProgramID, &a.PerformedBy, &before, &after, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		if a.Before, err = unmarshalMap(before); err != nil {
			return nil, err
		}
		if a.After, err = unmarshalMap(after); err != nil {
			return nil, err
		}
		if a.Metadata, err = unmarshalMap(meta); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
