package memory

import (
	"math"
	"time"
)

// wilsonZ is the z value for a 95% confidence interval.
const wilsonZ = 1.96

// WilsonLowerBound returns the lower bound of the 95% Wilson score
// interval for a binomial proportion, computed from the cumulative
// weighted success count and total trials.
//
// The lower bound is a conservative estimate of the true success rate:
// an item with 2/2 successes scores well below an item with 40/45,
// which a raw success rate would invert. Zero trials score zero.
func WilsonLowerBound(success float64, trials int) float64 {
	if trials <= 0 {
		return 0
	}
	n := float64(trials)
	if success < 0 {
		success = 0
	}
	if success > n {
		success = n
	}

	p := success / n
	z2 := wilsonZ * wilsonZ

	center := p + z2/(2*n)
	margin := wilsonZ * math.Sqrt(p*(1-p)/n+z2/(4*n*n))
	lower := (center - margin) / (1 + z2/n)

	if lower < 0 {
		return 0
	}
	if lower > 1 {
		return 1
	}
	return lower
}

// RecencyWeight returns the multiplicative decay applied to an item's
// Wilson contribution at ranking time: 1/(1 + ageDays/30). A month-old
// success counts half; stored stats are never mutated by decay.
func RecencyWeight(lastUsed *time.Time, now time.Time) float64 {
	if lastUsed == nil {
		return 1.0
	}
	ageDays := now.Sub(*lastUsed).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return 1.0 / (1.0 + ageDays/30.0)
}
