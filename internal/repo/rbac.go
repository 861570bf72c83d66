package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"reqflow/internal/domain"
)

const membershipColumns = `id,user_id,program_id,role,is_active,COALESCE(granted_by,''),created_at,deactivated_at`

func scanMembership(row scanner) (domain.Membership, error) {
	var m domain.Membership
	var deactivated sql.NullString
	err := row.Scan(&m.ID, &m.UserID, &m.ProgramID, &m.Role, &m.IsActive, &m.GrantedBy, &m.CreatedAt, &deactivated)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("membership: %w", ErrNotFound)
	}
	m.DeactivatedAt = stringPtr(deactivated)
	return m, err
}

// ActiveMembership returns the single active membership of userID in programID.
func (r Repo) ActiveMembership(ctx context.Context, userID, programID string) (domain.Membership, error) {
	return r.ActiveMembershipTx(ctx, nil, userID, programID)
}

func (r Repo) ActiveMembershipTx(ctx context.Context, tx *sql.Tx, userID, programID string) (domain.Membership, error) {
	return scanMembership(r.q(tx).QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM program_memberships WHERE user_id=? AND program_id=? AND is_active=1 LIMIT 1`,
		userID, programID))
}

// GrantMembership deactivates any active membership for the pair and
// inserts m as the new active one. Must run inside tx.
func (r Repo) GrantMembership(ctx context.Context, tx *sql.Tx, m domain.Membership) error {
	if _, err := r.DeactivateMembership(ctx, tx, m.UserID, m.ProgramID, m.CreatedAt); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO program_memberships(id,user_id,program_id,role,is_active,granted_by,created_at) VALUES (?,?,?,?,1,?,?)`,
		m.ID, m.UserID, m.ProgramID, m.Role, nullable(m.GrantedBy), m.CreatedAt)
	return err
}

// DeactivateMembership flips the active membership of the pair off and
// returns its previous state.
func (r Repo) DeactivateMembership(ctx context.Context, tx *sql.Tx, userID, programID, now string) (domain.Membership, error) {
	prev, err := r.ActiveMembershipTx(ctx, tx, userID, programID)
	if err != nil {
		return prev, err
	}
	if _, err := r.q(tx).ExecContext(ctx, `UPDATE program_memberships SET is_active=0, deactivated_at=? WHERE id=?`, now, prev.ID); err != nil {
		return prev, err
	}
	return prev, nil
}

func (r Repo) ListMemberships(ctx context.Context, programID string, includeInactive bool) ([]domain.Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM program_memberships WHERE program_id=?`
	if !includeInactive {
		query += ` AND is_active=1`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, programID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ListUserMemberships returns the active memberships of a user across programs.
func (r Repo) ListUserMemberships(ctx context.Context, userID string) ([]domain.Membership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+membershipColumns+` FROM program_memberships WHERE user_id=? AND is_active=1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
