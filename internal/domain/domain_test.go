package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIDIsValid(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.True(t, ValidID(id), id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("0123456789abcdef01234567"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("0123456789ABCDEF01234567"))
	assert.False(t, ValidID("0123456789abcdef0123456"))
	assert.False(t, ValidID("0123456789abcdef012345678"))
	assert.False(t, ValidID("zz23456789abcdef01234567"))
}

func TestRoles(t *testing.T) {
	assert.True(t, RoleAdmin.Valid())
	assert.False(t, Role("owner").Valid())
	assert.False(t, RoleAdmin.MembershipRole())
	assert.True(t, RoleClient.MembershipRole())
}

func TestStatusesAndEvents(t *testing.T) {
	assert.Len(t, Statuses, 6)
	assert.False(t, Status("archived").Valid())
	assert.Len(t, EventTypes, 10)
	assert.True(t, EventRequestStatusChanged.Valid())
	assert.False(t, EventType("request.archived").Valid())
}
