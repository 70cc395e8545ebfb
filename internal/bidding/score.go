package bidding

import "outcomedesk/internal/domain"

// Candidate pairs an engine with its priced quote for one request.
type Candidate struct {
	Engine         domain.ExecutionEngine
	QuotedPrice    float64
	EffectivePrice float64
}

// ApplyPremiums stacks the latency premium and then the guarantee premium
// multiplicatively onto the quoted price. The order is fixed so combined cases
// stay deterministic.
func ApplyPremiums(quoted, latencyPremium, guaranteePremium float64) float64 {
	if latencyPremium <= 0 {
		latencyPremium = 1
	}
	if guaranteePremium <= 0 {
		guaranteePremium = 1
	}
	return quoted * latencyPremium * guaranteePremium
}

// Pick selects the winner among candidates by optimization goal, then a
// preferred_engine match, then lexicographic engine_id. Returns false when the
// slate is empty.
func Pick(goal, preferredEngine string, candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(goal, preferredEngine, c, best) {
			best = c
		}
	}
	return best, true
}

func better(goal, preferredEngine string, a, b Candidate) bool {
	switch goal {
	case GoalQuality:
		if a.Engine.QualityScore != b.Engine.QualityScore {
			return a.Engine.QualityScore > b.Engine.QualityScore
		}
	case GoalSpeed:
		if a.Engine.P95LatencyMS != b.Engine.P95LatencyMS {
			return a.Engine.P95LatencyMS < b.Engine.P95LatencyMS
		}
	default:
		if a.EffectivePrice != b.EffectivePrice {
			return a.EffectivePrice < b.EffectivePrice
		}
	}
	if preferredEngine != "" {
		aPref := a.Engine.EngineID == preferredEngine
		bPref := b.Engine.EngineID == preferredEngine
		if aPref != bPref {
			return aPref
		}
	}
	return a.Engine.EngineID < b.Engine.EngineID
}

// UnderCap filters out candidates whose effective price exceeds the cap. A
// zero cap keeps everything.
func UnderCap(limit float64, candidates []Candidate) []Candidate {
	if limit <= 0 {
		return candidates
	}
	var out []Candidate
	for _, c := range candidates {
		if c.EffectivePrice <= limit {
			out = append(out, c)
		}
	}
	return out
}
