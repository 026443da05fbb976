package sybil

import (
	"fmt"
	"math"
	"time"

	"github.com/mbd888/sybilguard/internal/identity"
)

// Score-scale weights. Independent of the clustering weights in signals.go.
const (
	pointsSameFace        = 35.0
	pointsSpoofDetected   = 30.0
	pointsSameDeviceToken = 25.0
	pointsSameIPPerWallet = 10.0
	pointsSameUserAgent   = 5.0

	trustVerified      = 30.0
	trustLiveness      = 10.0
	trustPerAgeDay     = 0.2
	trustMaxAccountAge = 20.0

	// faceMatchDistance is the largest embedding distance treated as the
	// same face when the provider reports a distance instead of a verdict.
	faceMatchDistance = 0.35

	minScore = 0.0
	maxScore = 100.0
)

// Contribution names, in the order they are reported.
const (
	termSameFace        = "same_face_other_device"
	termSpoofDetected   = "spoof_detected"
	termSameDeviceToken = "same_device_token"
	termSameIP          = "same_ip"
	termSameUserAgent   = "same_user_agent"
	termVerified        = "verified"
	termLiveness        = "liveness_passed"
	termAccountAge      = "account_age"
)

// Inputs is everything one computation depends on.
type Inputs struct {
	Signals  *Signals
	Identity *identity.Status
	// FirstSeen is the wallet's oldest fingerprint event, used for account
	// age when the provider does not report a creation time.
	FirstSeen time.Time
}

// Calculator turns signals and identity state into a score. It holds no
// state besides the clock, so the same inputs at the same instant always
// produce the same Result.
type Calculator struct {
	now func() time.Time
}

// NewCalculator creates a calculator. A nil clock uses time.Now.
func NewCalculator(now func() time.Time) *Calculator {
	if now == nil {
		now = time.Now
	}
	return &Calculator{now: now}
}

// Compute runs the risk-minus-trust formula and classifies the result.
func (c *Calculator) Compute(in Inputs) Result {
	b := emptyBreakdown()
	id := in.Identity
	if id == nil {
		id = &identity.Status{}
	}

	if sameFace(id) {
		b.add(&b.Signals, termSameFace, pointsSameFace, "Face matches a wallet enrolled on another device")
	}
	if id.SpoofDetected {
		b.add(&b.Signals, termSpoofDetected, pointsSpoofDetected, "Liveness spoof detected")
	}
	if in.Signals != nil {
		if n := in.Signals.Count(SignalSameDeviceToken); n > 0 {
			b.add(&b.Signals, termSameDeviceToken, pointsSameDeviceToken,
				fmt.Sprintf("Device token shared with %s", plural(n, "other wallet")))
		}
		if n := in.Signals.Count(SignalSameIP); n > 0 {
			b.add(&b.Signals, termSameIP, pointsSameIPPerWallet*float64(n),
				fmt.Sprintf("IP hash shared with %s", plural(n, "other wallet")))
		}
		if n := in.Signals.Count(SignalSameUserAgent); n > 0 {
			b.add(&b.Signals, termSameUserAgent, pointsSameUserAgent,
				fmt.Sprintf("User agent shared with %s", plural(n, "other wallet")))
		}
	}

	if id.Verified {
		b.add(&b.TrustOffsets, termVerified, trustVerified, "Verified identity credential")
	}
	if id.LivenessPassed {
		b.add(&b.TrustOffsets, termLiveness, trustLiveness, "Passed liveness challenge")
	}
	if days := c.accountAgeDays(id, in.FirstSeen); days > 0 {
		pts := round2(math.Min(float64(days)*trustPerAgeDay, trustMaxAccountAge))
		b.add(&b.TrustOffsets, termAccountAge, pts, fmt.Sprintf("Account age %s", plural(days, "day")))
	}

	score := clamp(round2(b.Risk()-b.Trust()), minScore, maxScore)
	tier := TierOf(score)
	return Result{
		Score:        score,
		Tier:         tier,
		XPMultiplier: XPFor(tier),
		Breakdown:    b,
	}
}

func (b *Breakdown) add(terms *[]Contribution, name string, points float64, reason string) {
	*terms = append(*terms, Contribution{Name: name, Points: points})
	b.ReasonCodes = append(b.ReasonCodes, reason)
}

func sameFace(id *identity.Status) bool {
	if id.SameFaceOtherDevice {
		return true
	}
	return id.FaceDistance != nil && *id.FaceDistance <= faceMatchDistance
}

// accountAgeDays counts whole days since account creation. The provider's
// creation time wins over the first fingerprint event.
func (c *Calculator) accountAgeDays(id *identity.Status, firstSeen time.Time) int {
	created := firstSeen
	if id.AccountCreatedAt != nil {
		created = *id.AccountCreatedAt
	}
	if created.IsZero() {
		return 0
	}
	age := c.now().Sub(created)
	if age <= 0 {
		return 0
	}
	return int(age / (24 * time.Hour))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
