package bidding

import "math"

// PacingFraction maps elapsed-period fraction to the fraction of the budget
// that may be released. Curves:
//
//	even         linear release
//	accelerated  no throttle, spend as fast as demand arrives
//	front_loaded sqrt curve, most of the budget early
//	back_loaded  quadratic curve, most of the budget late
func PacingFraction(curve string, elapsed float64) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > 1 {
		elapsed = 1
	}
	switch curve {
	case "accelerated":
		return 1
	case "front_loaded":
		return math.Sqrt(elapsed)
	case "back_loaded":
		return elapsed * elapsed
	default:
		return elapsed
	}
}

// Clamp bounds v to [-limit, +limit]; used for the target_cost cap adjustment.
func Clamp(v, limit float64) float64 {
	if limit < 0 {
		limit = -limit
	}
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
