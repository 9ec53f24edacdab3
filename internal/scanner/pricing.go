package scanner

import (
	"math"
	"time"
)

const yearSeconds = 365.25 * 24 * 3600

// normCDF is the standard normal cumulative distribution.
func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// ProbabilityAbove is the driftless lognormal probability that an
// underlying now at spot finishes above strike after remaining, given
// annualized volatility sigma.
func ProbabilityAbove(spot, strike, sigma float64, remaining time.Duration) float64 {
	if spot <= 0 || strike <= 0 {
		return 0.5
	}
	tau := remaining.Seconds() / yearSeconds
	if tau <= 0 || sigma <= 0 {
		switch {
		case spot > strike:
			return 1
		case spot < strike:
			return 0
		}
		return 0.5
	}
	return normCDF(math.Log(spot/strike) / (sigma * math.Sqrt(tau)))
}
