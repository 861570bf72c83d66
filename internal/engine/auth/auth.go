package auth

import (
	"context"
	"errors"
	"fmt"

	"reqflow/internal/domain"
	"reqflow/internal/repo"
)

// Denial codes carried by ForbiddenError.
const (
	CodeProgramAccessDenied = "program_access_denied"
	CodeInsufficientRole    = "insufficient_program_role"
	CodeInvalidTransition   = "invalid_transition"
	CodeRoleForbidden       = "role_forbidden"
	CodeNotRequestOwner     = "not_request_owner"
	CodeAdminRequired       = "admin_required"
)

// ForbiddenError indicates the principal may not perform the operation.
type ForbiddenError struct {
	Code   string
	Reason string
}

func (e ForbiddenError) Error() string {
	return e.Reason
}

// IsForbidden reports whether err is a ForbiddenError with the given code.
// An empty code matches any denial.
func IsForbidden(err error, code string) bool {
	var fe ForbiddenError
	if !errors.As(err, &fe) {
		return false
	}
	return code == "" || fe.Code == code
}

// MembershipLookup resolves the active membership of a user in a program.
type MembershipLookup interface {
	ActiveMembership(ctx context.Context, userID, programID string) (domain.Membership, error)
}

// Guard evaluates program scoped access for a principal.
type Guard struct {
	Memberships MembershipLookup
}

// CheckProgramAccess returns the effective membership of p in programID.
// Admins get an implicit admin membership without a lookup. For everyone
// else an active membership is required and, when required is non-empty,
// its role must be one of required.
func (g Guard) CheckProgramAccess(ctx context.Context, p domain.Principal, programID string, required ...domain.Role) (domain.Membership, error) {
	if !domain.ValidID(programID) {
		return domain.Membership{}, domain.ValidationError{Field: "program_id", Reason: "must be a 24 character hex id"}
	}
	if p.IsAdmin() {
		return domain.Membership{UserID: p.ID, ProgramID: programID, Role: domain.RoleAdmin, IsActive: true}, nil
	}
	m, err := g.Memberships.ActiveMembership(ctx, p.ID, programID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Membership{}, ForbiddenError{Code: CodeProgramAccessDenied, Reason: "no access to program"}
		}
		return domain.Membership{}, fmt.Errorf("lookup membership: %w", err)
	}
	if len(required) > 0 && !hasRole(required, m.Role) {
		return domain.Membership{}, ForbiddenError{Code: CodeInsufficientRole, Reason: "insufficient program permissions"}
	}
	return m, nil
}

// RequireAdmin denies every principal whose global role is not admin.
func RequireAdmin(p domain.Principal) error {
	if p.IsAdmin() {
		return nil
	}
	return ForbiddenError{Code: CodeAdminRequired, Reason: "admin role required"}
}

func hasRole(set []domain.Role, r domain.Role) bool {
	for _, s := range set {
		if s == r {
			return true
		}
	}
	return false
}
