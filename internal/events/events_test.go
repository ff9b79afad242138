package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(TypeHoldExpired, 1, "corr-1")
	require.NoError(t, err)
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, TypeHoldExpired, env.EventType)
	assert.Equal(t, 1, env.EventVersion)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.NoError(t, env.Validate())

	_, err = NewEnvelope("", 1, "")
	assert.Error(t, err)
	_, err = NewEnvelope(TypeHoldExpired, 0, "")
	assert.Error(t, err)
}

func TestEnvelopeValidate(t *testing.T) {
	valid := Envelope{EventID: "id", EventType: TypeDriftDetected, EventVersion: 1, Timestamp: time.Now()}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.EventID = ""
	assert.Error(t, missing.Validate())

	stale := valid
	stale.Timestamp = time.Time{}
	assert.Error(t, stale.Validate())
}

func TestDeterministicEventID(t *testing.T) {
	a := DeterministicEventID(TypeHoldExpired, "hold-1")
	b := DeterministicEventID(TypeHoldExpired, "hold-1")
	c := DeterministicEventID(TypeHoldExpired, "hold-2")

	assert.Equal(t, a, b, "same parts must yield the same id")
	assert.NotEqual(t, a, c)
	assert.NotEmpty(t, DeterministicEventID())
}
