package capi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventIDDeterministic(t *testing.T) {
	in := EventInput{
		EventType:       "outcome.success",
		RequestID:       "req_1",
		EventSourceTime: "2026-01-02T03:04:05Z",
		BuyerID:         "buyer-1",
	}
	id1 := EventID(in)
	id2 := EventID(in)
	assert.Equal(t, id1, id2)
	assert.True(t, strings.HasPrefix(id1, "evt_"))
	assert.Len(t, id1, len("evt_")+16)

	// Any identity field participating in the hash changes the id.
	other := in
	other.EventSourceTime = "2026-01-02T03:04:06Z"
	assert.NotEqual(t, id1, EventID(other))

	other = in
	other.EventType = "outcome.failure"
	assert.NotEqual(t, id1, EventID(other))

	// Data is enrichment, not identity.
	withData := in
	withData.Data = map[string]any{"value": 12.5}
	assert.Equal(t, id1, EventID(withData))
}

func TestValidate(t *testing.T) {
	base := EventInput{EventType: "outcome.success", RequestID: "req_1"}
	require.NoError(t, validate(base))

	missing := base
	missing.EventType = ""
	assert.ErrorIs(t, validate(missing), ErrValidation)

	unknown := base
	unknown.EventType = "outcome.maybe"
	assert.ErrorIs(t, validate(unknown), ErrValidation)

	// guarantee.expired is emit-only.
	emitted := base
	emitted.EventType = "guarantee.expired"
	assert.ErrorIs(t, validate(emitted), ErrValidation)

	noKeys := EventInput{EventType: "outcome.success"}
	assert.ErrorIs(t, validate(noKeys), ErrValidation)

	badTime := base
	badTime.EventSourceTime = "yesterday"
	assert.ErrorIs(t, validate(badTime), ErrValidation)

	goodTime := base
	goodTime.EventSourceTime = "2026-01-02T03:04:05Z"
	assert.NoError(t, validate(goodTime))
}
