package tooltype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistrySeedsDefaults(t *testing.T) {
	r := NewRegistry()

	all := r.All()
	require.Len(t, all, 5)

	regular, ok := r.Lookup(CodeRegularApp)
	require.True(t, ok)
	assert.False(t, regular.IsAITool())
	assert.Empty(t, regular.DispatchKey)

	agent, ok := r.Lookup(CodeAgentGenerator)
	require.True(t, ok)
	assert.True(t, agent.IsAITool())
	assert.Equal(t, "agent_generator", agent.DispatchKey)

	for _, code := range []int{CodeRegularApp, CodeAgentGenerator, CodeSkillGenerator, CodeRoundTableSummary, CodeRoundTableTargetData} {
		assert.True(t, r.IsValidForCreation(code), "code %d", code)
	}
}

func TestLookupUnknownCode(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Lookup(99)
	assert.False(t, ok, "unknown code must return ok=false, not panic or error")
	assert.False(t, r.IsValidForCreation(99))
}

func TestRegisterIdempotent(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(7, "workflow generator", "workflow_generator"))
	// Identical re-registration succeeds.
	require.NoError(t, r.Register(7, "workflow generator", "workflow_generator"))

	tt, ok := r.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, "workflow generator", tt.Name)
	assert.True(t, r.IsValidForCreation(7))
}

func TestRegisterConflictFails(t *testing.T) {
	r := NewRegistry()

	// Redefining a seeded code is a conflict.
	err := r.Register(CodeAgentGenerator, "something else", "other_key")
	require.ErrorIs(t, err, ErrDuplicateCode)

	// The original definition is untouched.
	tt, ok := r.Lookup(CodeAgentGenerator)
	require.True(t, ok)
	assert.Equal(t, "agent generator", tt.Name)
}

func TestRegisterRejectsNegativeCode(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(-1, "bogus", "bogus"))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{CodeRegularApp, KindRegularApp},
		{CodeAgentGenerator, KindAgentGenerator},
		{CodeSkillGenerator, KindSkillGenerator},
		{CodeRoundTableSummary, KindRoundTableSummary},
		{CodeRoundTableTargetData, KindRoundTableTargetData},
		{99, KindUnknown},
		{7, KindUnknown},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, KindOf(tc.code), "code %d", tc.code)
	}
	assert.Equal(t, "unknown", KindOf(42).String())
	assert.Equal(t, "agent_generator", KindAgentGenerator.String())
}
