package sybil

import (
	"strings"
	"time"
)

// Tier is a discrete risk band governing reward eligibility.
type Tier string

const (
	TierClear Tier = "clear"
	TierWarn  Tier = "warn"
	TierLimit Tier = "limit"
	TierBlock Tier = "block"
)

// Tier lower bounds on the 0-100 score scale. Intervals are closed-open
// except block, which includes 100.
const (
	warnFloor  = 30.0
	limitFloor = 60.0
	blockFloor = 80.0
)

// xpByTier is the flat XP amount issued per tier. Despite the stored
// column name ("xp_multiplier") this is a lookup, not a ratio.
var xpByTier = map[Tier]int{
	TierClear: 120,
	TierWarn:  60,
	TierLimit: 20,
	TierBlock: 0,
}

// Valid reports whether t is one of the four tiers.
func (t Tier) Valid() bool {
	_, ok := xpByTier[t]
	return ok
}

// ParseTier validates operator input.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", invalid("tier", "must be one of clear, warn, limit, block")
	}
	return t, nil
}

// TierOf maps a score to its tier.
func TierOf(score float64) Tier {
	switch {
	case score >= blockFloor:
		return TierBlock
	case score >= limitFloor:
		return TierLimit
	case score >= warnFloor:
		return TierWarn
	default:
		return TierClear
	}
}

// XPFor returns the XP amount for a tier. Unknown tiers earn nothing.
func XPFor(t Tier) int {
	return xpByTier[t]
}

// EffectiveTier is the tier consumers act on: either the computed tier or an
// operator override. The only implementations are Computed and Overridden.
type EffectiveTier interface {
	Tier() Tier
	IsOverridden() bool
	sealed()
}

// Computed is an effective tier derived from the score.
type Computed struct {
	Value Tier
}

func (c Computed) Tier() Tier         { return c.Value }
func (c Computed) IsOverridden() bool { return false }
func (Computed) sealed()              {}

// Overridden is an effective tier set by an operator.
type Overridden struct {
	Value  Tier
	Reason string
	Actor  string
	At     time.Time
}

func (o Overridden) Tier() Tier         { return o.Value }
func (o Overridden) IsOverridden() bool { return true }
func (Overridden) sealed()              {}
