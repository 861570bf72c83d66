// Package transition holds the request status machine and the role rules
// for each edge. Both tables are strict allow-lists.
package transition

import (
	"errors"
	"fmt"

	"reqflow/internal/domain"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrRoleForbidden     = errors.New("role not allowed for transition")
)

var transitions = map[domain.Status][]domain.Status{
	domain.StatusDraft:     {domain.StatusSubmitted},
	domain.StatusSubmitted: {domain.StatusInReview, domain.StatusRejected},
	domain.StatusInReview:  {domain.StatusApproved, domain.StatusRejected},
	domain.StatusApproved:  {domain.StatusCompleted},
	domain.StatusRejected:  {domain.StatusSubmitted},
	domain.StatusCompleted: {},
}

var (
	everyone  = []domain.Role{domain.RoleAdmin, domain.RoleManager, domain.RoleTeamMember, domain.RoleClient}
	reviewers = []domain.Role{domain.RoleAdmin, domain.RoleManager}
)

var roleRules = map[string][]domain.Role{
	"draft->submitted":     everyone,
	"rejected->submitted":  everyone,
	"submitted->in_review": reviewers,
	"submitted->rejected":  reviewers,
	"in_review->approved":  reviewers,
	"in_review->rejected":  reviewers,
	"approved->completed":  reviewers,
}

func key(from, to domain.Status) string {
	return string(from) + "->" + string(to)
}

// CanTransition reports whether to is a direct successor of from.
func CanTransition(from, to domain.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanUserTransition reports whether role may move a request from -> to.
// A missing rule denies.
func CanUserTransition(from, to domain.Status, role domain.Role) bool {
	if !CanTransition(from, to) {
		return false
	}
	for _, r := range roleRules[key(from, to)] {
		if r == role {
			return true
		}
	}
	return false
}

// AllowedTargets lists the statuses role can move a request in from to.
func AllowedTargets(from domain.Status, role domain.Role) []domain.Status {
	out := []domain.Status{}
	for _, to := range transitions[from] {
		if CanUserTransition(from, to, role) {
			out = append(out, to)
		}
	}
	return out
}

// RequiresOwnership reports whether the edge is a (re)submission, which
// clients may only perform on requests they created.
func RequiresOwnership(from, to domain.Status) bool {
	return to == domain.StatusSubmitted && (from == domain.StatusDraft || from == domain.StatusRejected)
}

// Check validates the edge and the role, distinguishing the two denials.
func Check(from, to domain.Status, role domain.Role) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w %s -> %s", ErrInvalidTransition, from, to)
	}
	if !CanUserTransition(from, to, role) {
		return fmt.Errorf("%w: %s cannot move %s -> %s", ErrRoleForbidden, role, from, to)
	}
	return nil
}
