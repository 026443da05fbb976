package sybil

import (
	"encoding/json"
	"fmt"
	"time"
)

// BreakdownVersion is the schema version written with every breakdown.
// Rows stored under any other version are reported as stale.
const BreakdownVersion = 1

// Contribution is one named term of the score.
type Contribution struct {
	Name   string  `json:"name"`
	Points float64 `json:"points"`
}

// Breakdown records how a score was reached: risk terms, trust offsets and a
// human label per non-zero term, all in a fixed order.
type Breakdown struct {
	Version      int            `json:"version"`
	Signals      []Contribution `json:"signals"`
	TrustOffsets []Contribution `json:"trustOffsets"`
	ReasonCodes  []string       `json:"reasonCodes"`
}

// Risk sums the signal points.
func (b Breakdown) Risk() float64 {
	var sum float64
	for _, c := range b.Signals {
		sum += c.Points
	}
	return sum
}

// Trust sums the trust offsets.
func (b Breakdown) Trust() float64 {
	var sum float64
	for _, c := range b.TrustOffsets {
		sum += c.Points
	}
	return sum
}

func emptyBreakdown() Breakdown {
	return Breakdown{
		Version:      BreakdownVersion,
		Signals:      []Contribution{},
		TrustOffsets: []Contribution{},
		ReasonCodes:  []string{},
	}
}

// EncodeBreakdown serializes a breakdown for storage.
func EncodeBreakdown(b Breakdown) ([]byte, error) {
	b.Version = BreakdownVersion
	return json.Marshal(b)
}

// DecodeBreakdown parses a stored breakdown. Unparsable data and unknown
// versions both return an empty breakdown and an error wrapping
// ErrStaleBreakdown, so callers can flag the row and keep going.
func DecodeBreakdown(raw []byte) (Breakdown, error) {
	if len(raw) == 0 {
		return emptyBreakdown(), fmt.Errorf("%w: empty", ErrStaleBreakdown)
	}
	var b Breakdown
	if err := json.Unmarshal(raw, &b); err != nil {
		return emptyBreakdown(), fmt.Errorf("%w: %v", ErrStaleBreakdown, err)
	}
	if b.Version != BreakdownVersion {
		return emptyBreakdown(), fmt.Errorf("%w: version %d", ErrStaleBreakdown, b.Version)
	}
	if b.Signals == nil {
		b.Signals = []Contribution{}
	}
	if b.TrustOffsets == nil {
		b.TrustOffsets = []Contribution{}
	}
	if b.ReasonCodes == nil {
		b.ReasonCodes = []string{}
	}
	return b, nil
}

// Override is an operator-set tier that supersedes the computed one.
type Override struct {
	Tier   Tier
	Reason string
	Actor  string
	At     time.Time
}

// Score is the persisted state of one wallet. Score, Tier, Breakdown and
// XPMultiplier are always the computed values; Override sits beside them.
type Score struct {
	WalletAddress  string
	Score          float64
	Tier           Tier
	Breakdown      Breakdown
	BreakdownStale bool
	XPMultiplier   int
	Override       *Override
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Effective resolves the tier consumers act on.
func (s *Score) Effective() EffectiveTier {
	if s.Override != nil {
		return Overridden{
			Value:  s.Override.Tier,
			Reason: s.Override.Reason,
			Actor:  s.Override.Actor,
			At:     s.Override.At,
		}
	}
	return Computed{Value: s.Tier}
}

// EffectiveXP is the XP amount for the effective tier.
func (s *Score) EffectiveXP() int {
	return XPFor(s.Effective().Tier())
}

// StreamTier lets the realtime hub filter score events by effective tier.
func (s *Score) StreamTier() string {
	return string(s.Effective().Tier())
}

type scoreJSON struct {
	WalletAddress    string         `json:"walletAddress"`
	Score            float64        `json:"score"`
	Tier             Tier           `json:"tier"`
	SignalBreakdown  []Contribution `json:"signalBreakdown"`
	TrustOffsets     []Contribution `json:"trustOffsets"`
	ReasonCodes      []string       `json:"reasonCodes"`
	BreakdownVersion int            `json:"breakdownVersion"`
	BreakdownStale   bool           `json:"breakdownStale,omitempty"`
	XPMultiplier     int            `json:"xpMultiplier"`
	ManualOverride   bool           `json:"manualOverride"`
	ManualTier       *Tier          `json:"manualTier"`
	ManualReason     *string        `json:"manualReason"`
	ManualActor      *string        `json:"manualActor,omitempty"`
	ManualAt         *time.Time     `json:"manualAt,omitempty"`
	EffectiveTier    Tier           `json:"effectiveTier"`
	EffectiveXP      int            `json:"effectiveXp"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// MarshalJSON renders the flat wire shape, with manualTier and manualReason
// null unless an override is active.
func (s *Score) MarshalJSON() ([]byte, error) {
	out := scoreJSON{
		WalletAddress:    s.WalletAddress,
		Score:            s.Score,
		Tier:             s.Tier,
		SignalBreakdown:  s.Breakdown.Signals,
		TrustOffsets:     s.Breakdown.TrustOffsets,
		ReasonCodes:      s.Breakdown.ReasonCodes,
		BreakdownVersion: s.Breakdown.Version,
		BreakdownStale:   s.BreakdownStale,
		XPMultiplier:     s.XPMultiplier,
		EffectiveTier:    s.Effective().Tier(),
		EffectiveXP:      s.EffectiveXP(),
		Version:          s.Version,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
	if out.SignalBreakdown == nil {
		out.SignalBreakdown = []Contribution{}
	}
	if out.TrustOffsets == nil {
		out.TrustOffsets = []Contribution{}
	}
	if out.ReasonCodes == nil {
		out.ReasonCodes = []string{}
	}
	if o := s.Override; o != nil {
		tier, reason, actor, at := o.Tier, o.Reason, o.Actor, o.At
		out.ManualOverride = true
		out.ManualTier = &tier
		out.ManualReason = &reason
		out.ManualActor = &actor
		out.ManualAt = &at
	}
	return json.Marshal(out)
}

// Result is the output of one score computation.
type Result struct {
	Score        float64
	Tier         Tier
	XPMultiplier int
	Breakdown    Breakdown
}
