// Package registry decides which execution engines may serve a request.
package registry

import (
	"strings"

	"outcomedesk/internal/domain"
)

// MatchGlob reports whether id matches pattern, where '*' matches any run of
// characters. "anthropic/*" matches every engine under that vendor prefix.
func MatchGlob(pattern, id string) bool {
	if pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == id
	}
	if !strings.HasPrefix(id, parts[0]) {
		return false
	}
	rest := id[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return strings.HasSuffix(rest, parts[len(parts)-1])
}

func matchAny(patterns []string, id string) bool {
	for _, p := range patterns {
		if MatchGlob(p, id) {
			return true
		}
	}
	return false
}

// Eligible applies the request's execution preferences and capability
// requirements to one engine. Block lists win over allow lists.
func Eligible(prefs domain.ExecutionPreferences, required []string, e domain.ExecutionEngine) bool {
	if !e.Active {
		return false
	}
	if matchAny(prefs.BlockedEngines, e.EngineID) {
		return false
	}
	if len(prefs.AllowedEngines) > 0 && !matchAny(prefs.AllowedEngines, e.EngineID) {
		return false
	}
	if prefs.RequireSpecificEngine != "" && prefs.RequireSpecificEngine != e.EngineID {
		return false
	}
	caps := e.Capabilities()
	// required is backed by config-owned catalog data; never append into it.
	need := append(append([]string(nil), required...), prefs.CapabilityRequirements...)
	for _, want := range need {
		if !hasCapability(caps, want) {
			return false
		}
	}
	return true
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// Filter returns the eligible subset of engines, preserving input order.
func Filter(prefs domain.ExecutionPreferences, required []string, engines []domain.ExecutionEngine) []domain.ExecutionEngine {
	var out []domain.ExecutionEngine
	for _, e := range engines {
		if Eligible(prefs, required, e) {
			out = append(out, e)
		}
	}
	return out
}

// MeetsLatency enforces a max latency constraint against the engine's p95.
// Zero means no constraint.
func MeetsLatency(maxLatencySeconds int, e domain.ExecutionEngine) bool {
	if maxLatencySeconds <= 0 {
		return true
	}
	return e.P95LatencyMS <= maxLatencySeconds*1000
}
