package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from LifecycleState
		to   LifecycleState
		want bool
	}{
		{"register", StateUnregistered, StateRegistered, true},
		{"start validation", StateRegistered, StateValidating, true},
		{"validation passes", StateValidating, StateReady, true},
		{"validation fails", StateValidating, StateError, true},
		{"begin activation", StateReady, StateActivating, true},
		{"activation completes", StateActivating, StateActive, true},
		{"activation fails", StateActivating, StateError, true},
		{"rollback failure pins", StateActivating, StateRollbackRequired, true},
		{"begin deactivation", StateActive, StateDeactivating, true},
		{"deactivation completes", StateDeactivating, StateInactive, true},
		{"reactivate from inactive", StateInactive, StateValidating, true},
		{"recover from error", StateError, StateValidating, true},
		{"unregister from error", StateError, StateUnregistered, true},

		{"no skipping validation", StateRegistered, StateActive, false},
		{"no direct activation", StateUnregistered, StateActive, false},
		{"no backward from active", StateActive, StateReady, false},
		{"pinned accepts nothing", StateRollbackRequired, StateValidating, false},
		{"pinned cannot unregister", StateRollbackRequired, StateUnregistered, false},
		{"unknown state", LifecycleState("bogus"), StateActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidTransition(tt.from, tt.to))
		})
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, StateRollbackRequired.Terminal())
	assert.False(t, StateError.Terminal())
	assert.False(t, StateInactive.Terminal())
	assert.False(t, StateActive.Terminal())
}
