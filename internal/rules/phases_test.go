package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePhase(t *testing.T) {
	tests := map[string]Phase{
		"initialization":        PhaseInitialization,
		"USER_VALUE_VALIDATION": PhaseUserValueValidation,
		" context-preparation ": PhaseContextPreparation,
		"preparation":           PhasePreparation,
	}
	for in, want := range tests {
		got, err := ParsePhase(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePhase("release")
	assert.Error(t, err)
}

func TestPhaseNext(t *testing.T) {
	next, ok := PhaseImplementation.Next()
	assert.True(t, ok)
	assert.Equal(t, PhaseVerification, next)

	_, ok = PhasePreparation.Next()
	assert.False(t, ok)
	assert.Equal(t, 11, len(AllPhases()))
}

func TestPhaseJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		P Phase `json:"p"`
	}{PhaseTesting})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":"testing"}`, string(b))

	var out struct {
		P Phase `json:"p"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"p":"documentation"}`), &out))
	assert.Equal(t, PhaseDocumentation, out.P)
}
