package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"reqflow/internal/domain"
)

const requestColumns = `id,program_id,title,status,created_by,assigned_to,fields_json,version,created_at,updated_at`

func scanRequest(row scanner) (domain.Request, error) {
	var req domain.Request
	var assigned, fields sql.NullString
	err := row.Scan(&req.ID, &req.ProgramID, &req.Title, &req.Status, &req.CreatedBy, &assigned, &fields, &req.Version, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return req, fmt.Errorf("request: %w", ErrNotFound)
	}
	if err != nil {
		return req, err
	}
	req.AssignedTo = stringPtr(assigned)
	req.Fields, err = unmarshalMap(fields)
	if err != nil {
		return req, fmt.Errorf("decode request fields: %w", err)
	}
	return req, nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	fields, err := marshalMap(req.Fields)
	if err != nil {
		return fmt.Errorf("encode request fields: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO requests(id,program_id,title,status,created_by,assigned_to,fields_json,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.ProgramID, req.Title, req.Status, req.CreatedBy, nullableStringPtr(req.AssignedTo), fields, req.Version, req.CreatedAt, req.UpdatedAt)
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	return r.GetRequestTx(ctx, nil, id)
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	return scanRequest(r.q(tx).QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

// UpdateRequestStatus moves a request to status only if it is still at
// expectedStatus and expectedVersion. A lost race returns ErrConflict.
func (r Repo) UpdateRequestStatus(ctx context.Context, tx *sql.Tx, id string, expectedStatus, status domain.Status, expectedVersion int, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE requests SET status=?, version=version+1, updated_at=? WHERE id=? AND status=? AND version=?`,
		status, updatedAt, id, expectedStatus, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("request %s changed concurrently: %w", id, ErrConflict)
	}
	return nil
}

// UpdateRequestDetails rewrites title, fields and assignee under the same
// version guard as status changes.
func (r Repo) UpdateRequestDetails(ctx context.Context, tx *sql.Tx, req domain.Request, expectedVersion int) error {
	fields, err := marshalMap(req.Fields)
	if err != nil {
		return fmt.Errorf("encode request fields: %w", err)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE requests SET title=?, fields_json=?, assigned_to=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		req.Title, fields, nullableStringPtr(req.AssignedTo), req.UpdatedAt, req.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("request %s changed concurrently: %w", req.ID, ErrConflict)
	}
	return nil
}

type RequestFilters struct {
	ProgramID       string
	Status          domain.Status
	CreatedBy       string
	AssignedTo      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	var clauses []string
	var args []any
	if f.ProgramID != "" {
		clauses = append(clauses, "program_id=?")
		args = append(args, f.ProgramID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + requestColumns + ` FROM requests ` + whereClause(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func (r Repo) CountRequestsByStatus(ctx context.Context, programID string) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM requests WHERE program_id=? GROUP BY status`, programID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var s domain.Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[s] = n
	}
	return res, rows.Err()
}
