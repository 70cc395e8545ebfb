package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"outcomedesk/internal/domain"
)

func engineWith(id string, caps string, active bool) domain.ExecutionEngine {
	return domain.ExecutionEngine{
		EngineID:         id,
		CapabilitiesJSON: caps,
		Active:           active,
	}
}

func TestEligibleLeavesRequiredSliceIntact(t *testing.T) {
	// The required slice is backed by config-owned catalog data; appending the
	// request's own capability requirements must not write into it.
	backing := []string{"customer_service", "writing"}
	required := backing[:1]
	prefs := domain.ExecutionPreferences{CapabilityRequirements: []string{"sales"}}

	e := engineWith("acme/fast-1", `["customer_service","sales"]`, true)
	assert.True(t, Eligible(prefs, required, e))
	assert.Equal(t, []string{"customer_service", "writing"}, backing)
}

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern string
		id      string
		want    bool
	}{
		{"*", "anything", true},
		{"acme/fast-1", "acme/fast-1", true},
		{"acme/fast-1", "acme/fast-2", false},
		{"acme/*", "acme/fast-1", true},
		{"acme/*", "other/fast-1", false},
		{"*/fast-1", "acme/fast-1", true},
		{"acme/*-1", "acme/fast-1", true},
		{"acme/*-1", "acme/fast-2", false},
		{"a*b*c", "aXbYc", true},
		{"a*b*c", "aXcYb", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchGlob(tc.pattern, tc.id), "pattern %q vs %q", tc.pattern, tc.id)
	}
}

func TestEligibleBlockedBeatsAllowed(t *testing.T) {
	e := engineWith("acme/fast-1", `["sales"]`, true)
	prefs := domain.ExecutionPreferences{
		AllowedEngines: []string{"acme/*"},
		BlockedEngines: []string{"*/fast-1"},
	}
	assert.False(t, Eligible(prefs, nil, e))

	prefs.BlockedEngines = nil
	assert.True(t, Eligible(prefs, nil, e))
}

func TestEligibleAllowListAndSpecificEngine(t *testing.T) {
	e := engineWith("acme/fast-1", `[]`, true)

	assert.False(t, Eligible(domain.ExecutionPreferences{AllowedEngines: []string{"other/*"}}, nil, e))
	assert.False(t, Eligible(domain.ExecutionPreferences{RequireSpecificEngine: "acme/fast-2"}, nil, e))
	assert.True(t, Eligible(domain.ExecutionPreferences{RequireSpecificEngine: "acme/fast-1"}, nil, e))
}

func TestEligibleCapabilities(t *testing.T) {
	e := engineWith("acme/fast-1", `["sales","writing"]`, true)

	assert.True(t, Eligible(domain.ExecutionPreferences{}, []string{"sales"}, e))
	assert.False(t, Eligible(domain.ExecutionPreferences{}, []string{"code_review"}, e))
	assert.False(t, Eligible(domain.ExecutionPreferences{CapabilityRequirements: []string{"legal"}}, []string{"sales"}, e))
}

func TestEligibleInactiveEngine(t *testing.T) {
	e := engineWith("acme/fast-1", `["sales"]`, false)
	assert.False(t, Eligible(domain.ExecutionPreferences{}, nil, e))
}

func TestFilterPreservesOrder(t *testing.T) {
	engines := []domain.ExecutionEngine{
		engineWith("c", `["sales"]`, true),
		engineWith("a", `["sales"]`, false),
		engineWith("b", `["sales"]`, true),
	}
	out := Filter(domain.ExecutionPreferences{}, []string{"sales"}, engines)
	assert.Len(t, out, 2)
	assert.Equal(t, "c", out[0].EngineID)
	assert.Equal(t, "b", out[1].EngineID)
}

func TestMeetsLatency(t *testing.T) {
	e := domain.ExecutionEngine{P95LatencyMS: 250_000}
	assert.True(t, MeetsLatency(0, e))
	assert.True(t, MeetsLatency(300, e))
	assert.False(t, MeetsLatency(200, e))
}
