package scanner

import (
	"math"
	"strings"
)

// FeeModel decides which markets charge a taker fee and how much.
//
// A market is fee-bearing when its title contains one of the keywords and
// one of the duration markers. The per-share fee for price p is
// Coefficient * min(p, 1-p): largest at 0.50 and zero at the extremes.
type FeeModel struct {
	Coefficient float64
	Keywords    []string
	Durations   []string
}

// FeeBearing reports whether a market with this title pays fees.
func (f FeeModel) FeeBearing(title string) bool {
	t := strings.ToLower(title)
	return containsAny(t, f.Keywords) && containsAny(t, f.Durations)
}

// Rate returns the fee per share at price p.
func (f FeeModel) Rate(p float64) float64 {
	if p <= 0 || p >= 1 {
		return 0
	}
	return f.Coefficient * math.Min(p, 1-p)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
