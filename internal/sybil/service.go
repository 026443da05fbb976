package sybil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/sybilguard/internal/fingerprint"
	"github.com/mbd888/sybilguard/internal/identity"
	"github.com/mbd888/sybilguard/internal/logging"
	"github.com/mbd888/sybilguard/internal/metrics"
	"github.com/mbd888/sybilguard/internal/realtime"
	"github.com/mbd888/sybilguard/internal/syncutil"
	"github.com/mbd888/sybilguard/internal/traces"
	"github.com/mbd888/sybilguard/internal/validation"
)

const (
	DefaultBatchWorkers = 8
	MaxBatchSize        = 500
	MaxReasonLength     = validation.MaxReasonLength
)

// Batch operation names, used for metrics and spans.
const (
	batchOverride    = "override"
	batchClear       = "clear_override"
	batchRecalculate = "recalculate"
)

// EventPublisher pushes score changes to realtime subscribers.
type EventPublisher interface {
	Publish(eventType realtime.EventType, wallet string, data interface{})
}

// Service ties signal aggregation, scoring, overrides and auditing together.
type Service struct {
	fingerprints fingerprint.Store
	scores       Store
	audit        AuditLog
	identity     identity.Provider
	calc         *Calculator
	clusters     *ClusterAnalyzer
	events       EventPublisher
	locks        *syncutil.KeyedMutex
	workers      int
	maxBatch     int
	now          func() time.Time
}

// NewService creates a scoring service.
func NewService(fingerprints fingerprint.Store, scores Store, audit AuditLog, provider identity.Provider) *Service {
	return &Service{
		fingerprints: fingerprints,
		scores:       scores,
		audit:        audit,
		identity:     provider,
		calc:         NewCalculator(nil),
		clusters:     NewClusterAnalyzer(fingerprints),
		locks:        syncutil.NewKeyedMutex(),
		workers:      DefaultBatchWorkers,
		maxBatch:     MaxBatchSize,
		now:          time.Now,
	}
}

// WithClock replaces the clock used for account age and override timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.calc = NewCalculator(now)
	return s
}

// WithEvents adds a realtime publisher for score and override changes.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// WithWorkers sets how many wallets a batch processes at once.
func (s *Service) WithWorkers(n int) *Service {
	if n > 0 {
		s.workers = n
	}
	return s
}

// WithMaxBatchSize lowers the per-request address cap.
func (s *Service) WithMaxBatchSize(n int) *Service {
	if n > 0 && n <= MaxBatchSize {
		s.maxBatch = n
	}
	return s
}

// MaxBatch is the per-request address cap.
func (s *Service) MaxBatch() int {
	return s.maxBatch
}

// Clusters exposes the read-only cluster analyzer.
func (s *Service) Clusters() *ClusterAnalyzer {
	return s.clusters
}

// evaluation is one wallet's freshly computed state.
type evaluation struct {
	signals  *Signals
	identity *identity.Status
	result   Result
	score    *Score
}

// Compute recomputes and persists one wallet's score.
func (s *Service) Compute(ctx context.Context, wallet string) (*Score, error) {
	wallet, err := normalizeAddress(wallet)
	if err != nil {
		return nil, err
	}
	ix, err := BuildIndex(ctx, s.fingerprints)
	if err != nil {
		return nil, err
	}
	ev, err := s.compute(ctx, ix, wallet)
	if err != nil {
		return nil, err
	}
	return ev.score, nil
}

// compute evaluates a wallet from a snapshot and saves the result.
func (s *Service) compute(ctx context.Context, ix *Index, wallet string) (_ *evaluation, retErr error) {
	ctx, span := traces.StartSpan(ctx, "sybil.Compute", traces.Wallet(wallet))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	ev, err := s.evaluate(ctx, ix, wallet)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, wallet)
	if err != nil {
		return nil, err
	}
	sc, err := s.scores.SaveComputed(ctx, wallet, ev.result)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to save score: %w", err)
	}
	ev.score = sc

	span.SetAttributes(traces.Score(sc.Score), traces.Tier(string(sc.Tier)))
	metrics.ScoresComputedTotal.WithLabelValues(string(sc.Tier)).Inc()
	s.publish(realtime.EventScoreUpdated, wallet, sc)
	return ev, nil
}

// evaluate derives a wallet's score without storing it. The identity
// lookup may retry for seconds, so it runs without the wallet lock.
func (s *Service) evaluate(ctx context.Context, ix *Index, wallet string) (*evaluation, error) {
	sig, err := ix.Signals(wallet)
	if err != nil {
		return nil, err
	}

	st, err := s.identity.Lookup(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}

	firstSeen, err := s.fingerprints.FirstSeen(ctx, wallet)
	if err != nil && !errors.Is(err, fingerprint.ErrNotFound) {
		return nil, fmt.Errorf("failed to load first seen: %w", err)
	}

	res := s.calc.Compute(Inputs{Signals: sig, Identity: st, FirstSeen: firstSeen})
	return &evaluation{signals: sig, identity: st, result: res}, nil
}

// preview builds the score a recomputation would store, keeping the
// wallet's current override and version. Nothing is written.
func (s *Service) preview(ctx context.Context, ix *Index, wallet string) (*evaluation, error) {
	ev, err := s.evaluate(ctx, ix, wallet)
	if err != nil {
		return nil, err
	}
	sc := &Score{
		WalletAddress: wallet,
		Score:         ev.result.Score,
		Tier:          ev.result.Tier,
		Breakdown:     ev.result.Breakdown,
		XPMultiplier:  ev.result.XPMultiplier,
	}
	stored, err := s.scores.Get(ctx, wallet)
	switch {
	case err == nil:
		sc.Override = stored.Override
		sc.Version = stored.Version
		sc.CreatedAt = stored.CreatedAt
		sc.UpdatedAt = stored.UpdatedAt
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	ev.score = sc
	return ev, nil
}

// FingerprintReport is the investigator view of one wallet.
type FingerprintReport struct {
	Address         string             `json:"address"`
	HasData         bool               `json:"hasData"`
	Preview         bool               `json:"preview,omitempty"`
	Fingerprint     *fingerprint.Event `json:"fingerprint,omitempty"`
	Signals         []SignalMatch      `json:"signals,omitempty"`
	ClusteringScore float64            `json:"clusteringScore"`
	Flagged         bool               `json:"flagged"`
	MatchingWallets []string           `json:"matchingWallets"`
	Exemption       *ExemptionDecision `json:"exemption,omitempty"`
	Score           *Score             `json:"score,omitempty"`
}

// Fingerprint computes and persists the wallet's score and returns it with
// the signals it was derived from. A wallet without events yields a report
// with HasData false.
func (s *Service) Fingerprint(ctx context.Context, wallet string) (*FingerprintReport, error) {
	return s.fingerprintReport(ctx, wallet, s.compute)
}

// PreviewFingerprint returns the same report as Fingerprint without saving
// the score or publishing an event.
func (s *Service) PreviewFingerprint(ctx context.Context, wallet string) (*FingerprintReport, error) {
	report, err := s.fingerprintReport(ctx, wallet, s.preview)
	if err != nil {
		return nil, err
	}
	report.Preview = report.HasData
	return report, nil
}

func (s *Service) fingerprintReport(ctx context.Context, wallet string,
	eval func(ctx context.Context, ix *Index, wallet string) (*evaluation, error)) (*FingerprintReport, error) {
	wallet, err := normalizeAddress(wallet)
	if err != nil {
		return nil, err
	}
	ix, err := BuildIndex(ctx, s.fingerprints)
	if err != nil {
		return nil, err
	}
	if !ix.HasData(wallet) {
		return &FingerprintReport{Address: wallet, MatchingWallets: []string{}}, nil
	}

	ev, err := eval(ctx, ix, wallet)
	if err != nil {
		return nil, err
	}
	exemption := EvaluateExemption(ev.identity.Verified, ix.LargestCluster(wallet))
	return &FingerprintReport{
		Address:         wallet,
		HasData:         true,
		Fingerprint:     ev.signals.Latest,
		Signals:         ev.signals.Matches,
		ClusteringScore: ev.signals.ClusteringScore(),
		Flagged:         ev.signals.Flagged(),
		MatchingWallets: ev.signals.MatchingWallets(),
		Exemption:       &exemption,
		Score:           ev.score,
	}, nil
}

// WalletTier is what the XP consumer acts on.
type WalletTier struct {
	Address       string  `json:"address"`
	HasData       bool    `json:"hasData"`
	Score         float64 `json:"score"`
	ComputedTier  Tier    `json:"computedTier,omitempty"`
	EffectiveTier Tier    `json:"effectiveTier,omitempty"`
	Overridden    bool    `json:"overridden"`
	XPMultiplier  int     `json:"xpMultiplier"`
}

// EffectiveTier returns the stored effective tier, computing a score first
// for wallets that have fingerprint data but no row yet.
func (s *Service) EffectiveTier(ctx context.Context, wallet string) (*WalletTier, error) {
	wallet, err := normalizeAddress(wallet)
	if err != nil {
		return nil, err
	}
	sc, err := s.scores.Get(ctx, wallet)
	if errors.Is(err, ErrNotFound) {
		sc, err = s.Compute(ctx, wallet)
	}
	if errors.Is(err, ErrNoData) {
		return &WalletTier{Address: wallet}, nil
	}
	if err != nil {
		return nil, err
	}

	eff := sc.Effective()
	return &WalletTier{
		Address:       wallet,
		HasData:       true,
		Score:         sc.Score,
		ComputedTier:  sc.Tier,
		EffectiveTier: eff.Tier(),
		Overridden:    eff.IsOverridden(),
		XPMultiplier:  sc.EffectiveXP(),
	}, nil
}

// Get returns the stored score row.
func (s *Service) Get(ctx context.Context, wallet string) (*Score, error) {
	wallet, err := normalizeAddress(wallet)
	if err != nil {
		return nil, err
	}
	return s.scores.Get(ctx, wallet)
}

// List returns stored scores, most recently updated first.
func (s *Service) List(ctx context.Context, limit int) ([]*Score, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > MaxBatchSize {
		limit = MaxBatchSize
	}
	return s.scores.List(ctx, limit)
}

// FlaggedWallet is one entry of the flagged view.
type FlaggedWallet struct {
	Address             string            `json:"address"`
	ClusteringScore     float64           `json:"clusteringScore"`
	Signals             []SignalMatch     `json:"signals"`
	MatchingWallets     []string          `json:"matchingWallets"`
	Exemption           ExemptionDecision `json:"exemption"`
	IdentityUnavailable bool              `json:"identityUnavailable,omitempty"`
}

// Flagged lists wallets whose clustering score reaches FlagThreshold, each
// annotated with its exemption. With publicOnly, exempt wallets and wallets
// whose verification state is unknown are left out.
func (s *Service) Flagged(ctx context.Context, publicOnly bool) ([]*FlaggedWallet, error) {
	ix, err := BuildIndex(ctx, s.fingerprints)
	if err != nil {
		return nil, err
	}

	var candidates []*FlaggedWallet
	for _, w := range ix.Wallets() {
		sig, err := ix.Signals(w)
		if err != nil || !sig.Flagged() {
			continue
		}
		matched := make([]SignalMatch, 0, len(sig.Matches))
		for _, m := range sig.Matches {
			if m.Matched {
				matched = append(matched, m)
			}
		}
		candidates = append(candidates, &FlaggedWallet{
			Address:         w,
			ClusteringScore: sig.ClusteringScore(),
			Signals:         matched,
			MatchingWallets: sig.MatchingWallets(),
			Exemption:       ExemptionDecision{ClusterSize: ix.LargestCluster(w)},
		})
	}

	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, fw := range candidates {
		g.Go(func() error {
			verified, err := identity.IsVerified(ctx, s.identity, fw.Address)
			if err != nil {
				logging.L(ctx).Warn("identity lookup failed for flagged wallet", "wallet", fw.Address, "error", err)
				fw.IdentityUnavailable = true
				verified = false
			}
			fw.Exemption = EvaluateExemption(verified, fw.Exemption.ClusterSize)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*FlaggedWallet, 0, len(candidates))
	for _, fw := range candidates {
		if publicOnly && !publicVisible(fw) {
			continue
		}
		out = append(out, fw)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ClusteringScore != out[j].ClusteringScore {
			return out[i].ClusteringScore > out[j].ClusteringScore
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

func publicVisible(fw *FlaggedWallet) bool {
	if fw.Exemption.IsExempt {
		return false
	}
	// Unknown verification state could hide a verified wallet.
	return !fw.IdentityUnavailable
}

// ItemResult is the outcome for one address of a batch.
type ItemResult struct {
	Address       string `json:"address"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	EffectiveTier Tier   `json:"effectiveTier,omitempty"`
}

// BatchResult summarizes a batch. Results keep the request order.
type BatchResult struct {
	Processed  int          `json:"processed"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Results    []ItemResult `json:"results"`
}

// SetOverride pins the tier of every address. Tier and reason are checked
// before any write; addresses fail individually.
func (s *Service) SetOverride(ctx context.Context, addresses []string, tier, reason string) (*BatchResult, error) {
	t, err := ParseTier(tier)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason", "is required")
	}
	if len(reason) > MaxReasonLength {
		return nil, invalid("reason", fmt.Sprintf("must be at most %d characters", MaxReasonLength))
	}
	if err := s.checkBatch(addresses); err != nil {
		return nil, err
	}

	snapshot := s.lazyIndex()
	actor := actorFrom(ctx)
	return s.runBatch(ctx, batchOverride, addresses, func(ctx context.Context, wallet string) (*Score, error) {
		if _, err := s.scores.Get(ctx, wallet); errors.Is(err, ErrNotFound) {
			ix, err := snapshot(ctx)
			if err != nil {
				return nil, err
			}
			if _, err := s.compute(ctx, ix, wallet); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}

		sc, err := s.locked(ctx, wallet, func() (*Score, error) {
			return s.scores.SetOverride(ctx, wallet, Override{Tier: t, Reason: reason, Actor: actor, At: s.now()})
		})
		if err != nil {
			return nil, err
		}
		metrics.OverridesTotal.WithLabelValues("set").Inc()
		s.record(ctx, &AuditEntry{WalletAddress: wallet, Operation: OpOverrideSet, Actor: actor, Tier: string(t), Reason: reason})
		s.publish(realtime.EventOverrideSet, wallet, sc)
		return sc, nil
	}), nil
}

// ClearOverride drops the override of every address. A wallet with no score
// row has nothing to clear and succeeds.
func (s *Service) ClearOverride(ctx context.Context, addresses []string) (*BatchResult, error) {
	if err := s.checkBatch(addresses); err != nil {
		return nil, err
	}

	actor := actorFrom(ctx)
	return s.runBatch(ctx, batchClear, addresses, func(ctx context.Context, wallet string) (*Score, error) {
		sc, err := s.locked(ctx, wallet, func() (*Score, error) {
			return s.scores.ClearOverride(ctx, wallet)
		})
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		metrics.OverridesTotal.WithLabelValues("clear").Inc()
		s.record(ctx, &AuditEntry{WalletAddress: wallet, Operation: OpOverrideClear, Actor: actor})
		s.publish(realtime.EventOverrideCleared, wallet, sc)
		return sc, nil
	}), nil
}

// Recalculate recomputes every address. Override fields are never touched.
func (s *Service) Recalculate(ctx context.Context, addresses []string) (*BatchResult, error) {
	if err := s.checkBatch(addresses); err != nil {
		return nil, err
	}

	ix, err := BuildIndex(ctx, s.fingerprints)
	if err != nil {
		return nil, err
	}
	actor := actorFrom(ctx)
	return s.runBatch(ctx, batchRecalculate, addresses, func(ctx context.Context, wallet string) (*Score, error) {
		ev, err := s.compute(ctx, ix, wallet)
		if err != nil {
			return nil, err
		}
		s.record(ctx, &AuditEntry{WalletAddress: wallet, Operation: OpRecalculate, Actor: actor, Tier: string(ev.score.Tier)})
		return ev.score, nil
	}), nil
}

// PurgeFingerprints deletes every event of a wallet. Its score row stays
// until the next recalculation.
func (s *Service) PurgeFingerprints(ctx context.Context, wallet string) (int, error) {
	wallet, err := normalizeAddress(wallet)
	if err != nil {
		return 0, err
	}
	unlock, err := s.locks.Lock(ctx, wallet)
	if err != nil {
		return 0, err
	}
	defer unlock()

	n, err := s.fingerprints.Purge(ctx, wallet)
	if err != nil {
		return 0, fmt.Errorf("failed to purge fingerprints: %w", err)
	}
	s.record(ctx, &AuditEntry{
		WalletAddress: wallet,
		Operation:     OpFingerprintPurge,
		Actor:         actorFrom(ctx),
		Reason:        fmt.Sprintf("%d events removed", n),
	})
	s.publish(realtime.EventFingerprintPurged, wallet, map[string]int{"removed": n})
	return n, nil
}

// Audit lists audit entries, optionally for one wallet.
func (s *Service) Audit(ctx context.Context, wallet string, limit int) ([]*AuditEntry, error) {
	if wallet != "" {
		w, err := normalizeAddress(wallet)
		if err != nil {
			return nil, err
		}
		wallet = w
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > MaxBatchSize {
		limit = MaxBatchSize
	}
	return s.audit.List(ctx, wallet, limit)
}

func (s *Service) checkBatch(addresses []string) error {
	if len(addresses) == 0 {
		return invalid("addresses", "at least one address is required")
	}
	if len(addresses) > s.maxBatch {
		return invalid("addresses", fmt.Sprintf("at most %d addresses per request", s.maxBatch))
	}
	return nil
}

// locked runs one store write under the wallet lock.
func (s *Service) locked(ctx context.Context, wallet string, write func() (*Score, error)) (*Score, error) {
	unlock, err := s.locks.Lock(ctx, wallet)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return write()
}

// runBatch applies fn to every address through the worker pool. fn takes
// the wallet lock only around its store writes. A nil score from fn is a
// success with no effective tier to report.
func (s *Service) runBatch(ctx context.Context, op string, addresses []string,
	fn func(ctx context.Context, wallet string) (*Score, error)) (result *BatchResult) {
	ctx, span := traces.StartSpan(ctx, "sybil.Batch",
		traces.BatchOp(op),
		traces.BatchSize(len(addresses)),
		traces.Operator(actorFrom(ctx)),
	)
	start := time.Now()
	defer func() {
		metrics.BatchDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if result.Failed > 0 {
			span.SetStatus(codes.Error, fmt.Sprintf("%d of %d failed", result.Failed, result.Processed))
		}
		span.End()
	}()

	results := make([]ItemResult, len(addresses))
	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, raw := range addresses {
		g.Go(func() error {
			results[i] = s.runItem(ctx, op, raw, fn)
			return nil
		})
	}
	_ = g.Wait()

	result = &BatchResult{Processed: len(results), Results: results}
	for _, r := range results {
		if r.Success {
			result.Successful++
		} else {
			result.Failed++
		}
	}
	logging.L(ctx).Info("batch processed",
		"op", op,
		"processed", result.Processed,
		"successful", result.Successful,
		"failed", result.Failed,
	)
	return result
}

func (s *Service) runItem(ctx context.Context, op, raw string,
	fn func(ctx context.Context, wallet string) (*Score, error)) ItemResult {
	wallet, err := normalizeAddress(raw)
	if err != nil {
		metrics.BatchItemsTotal.WithLabelValues(op, "invalid").Inc()
		return ItemResult{Address: raw, Error: "invalid wallet address"}
	}

	sc, err := fn(ctx, wallet)
	if err != nil {
		if !errors.Is(err, ErrNoData) {
			logging.L(ctx).Warn("batch item failed", "op", op, "wallet", wallet, "error", err)
		}
		metrics.BatchItemsTotal.WithLabelValues(op, "error").Inc()
		return ItemResult{Address: wallet, Error: itemError(err)}
	}
	metrics.BatchItemsTotal.WithLabelValues(op, "success").Inc()

	item := ItemResult{Address: wallet, Success: true}
	if sc != nil {
		item.EffectiveTier = sc.Effective().Tier()
	}
	return item
}

// lazyIndex builds the fingerprint snapshot on first use and shares it
// across the workers of one batch.
func (s *Service) lazyIndex() func(ctx context.Context) (*Index, error) {
	var (
		once sync.Once
		ix   *Index
		err  error
	)
	return func(ctx context.Context) (*Index, error) {
		once.Do(func() { ix, err = BuildIndex(ctx, s.fingerprints) })
		return ix, err
	}
}

func (s *Service) record(ctx context.Context, e *AuditEntry) {
	e.RequestID = logging.RequestID(ctx)
	if err := s.audit.Append(ctx, e); err != nil {
		logging.L(ctx).Error("failed to write audit entry",
			"wallet", e.WalletAddress, "operation", e.Operation, "error", err)
	}
}

func (s *Service) publish(t realtime.EventType, wallet string, data interface{}) {
	if s.events != nil {
		s.events.Publish(t, wallet, data)
	}
}

func itemError(err error) string {
	switch {
	case errors.Is(err, ErrNoData):
		return "no fingerprint data"
	case errors.Is(err, ErrIdentityUnavailable):
		return "identity provider unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "request cancelled"
	default:
		return "internal error"
	}
}

func actorFrom(ctx context.Context) string {
	if op := logging.Operator(ctx); op != "" {
		return op
	}
	return "system"
}

func normalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !validation.IsValidWalletAddress(addr) {
		return "", invalid("address", "must be a 0x-prefixed 40 character hex address")
	}
	return strings.ToLower(addr), nil
}
