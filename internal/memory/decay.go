package memory

import (
	"context"
	"math"
	"time"
)

// DecayStrategy selects how a record's freshness score falls off with age.
type DecayStrategy string

const (
	DecayExponential DecayStrategy = "exponential"
	DecayLinear      DecayStrategy = "linear"
	DecayThreshold   DecayStrategy = "threshold"
)

// Decayer computes a 0-1 freshness score for ledger records and decides when
// a record has faded enough to be forgotten (archived, never deleted).
type Decayer struct {
	Strategy       DecayStrategy
	HalfLifeDays   float64
	ThresholdScore float64
	lambdaExp      float64
}

// NewDecayer builds a Decayer, precomputing the exponential decay constant
// the way the half-life parameterization requires.
func NewDecayer(strategy DecayStrategy, halfLifeDays, thresholdScore float64) *Decayer {
	if halfLifeDays <= 0 {
		halfLifeDays = 30.0
	}
	return &Decayer{
		Strategy:       strategy,
		HalfLifeDays:   halfLifeDays,
		ThresholdScore: thresholdScore,
		lambdaExp:      math.Log(2) / halfLifeDays,
	}
}

// ComputeScore returns a record's decay score (0 = forgotten, 1 = fresh),
// blending the strategy's base decay curve with an access-count boost and a
// relevance weight. Never panics on bad input; clamps to [0,1].
func (d *Decayer) ComputeScore(createdAt time.Time, accessCount int, relevance float64, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Seconds() / (24 * 3600)

	var decay float64
	switch d.Strategy {
	case DecayExponential:
		decay = math.Exp(-d.lambdaExp * ageDays)
	case DecayLinear:
		decay = math.Max(0.0, 1.0-ageDays/d.HalfLifeDays)
	case DecayThreshold:
		if ageDays < d.HalfLifeDays {
			decay = 1.0
		} else {
			decay = 0.0
		}
	default:
		decay = 1.0
	}

	accessBoost := math.Min(2.0, 1.0+float64(accessCount)*0.1)
	score := decay * accessBoost * relevance
	return math.Max(0.0, math.Min(1.0, score))
}

// ShouldForget reports whether a record's decay score has fallen below the
// configured threshold.
func (d *Decayer) ShouldForget(createdAt time.Time, accessCount int, relevance float64, now time.Time) bool {
	return d.ComputeScore(createdAt, accessCount, relevance, now) < d.ThresholdScore
}

// ScoredRecord pairs a ledger record with its computed decay score.
type ScoredRecord struct {
	Record     Record
	DecayScore float64
}

// DecayPassResult summarizes one RunDecayPass sweep.
type DecayPassResult struct {
	Retained  []ScoredRecord
	Forgotten []Record
}

// RunDecayPass scores every active (non-archived) record and archives the
// ones that fall below the decay threshold. Archiving sets archived_at
// rather than deleting the row: the ledger stays append-only and the
// forgotten record remains reachable through version history and audit.
func (l *Ledger) RunDecayPass(ctx context.Context, d *Decayer, now time.Time) (DecayPassResult, error) {
	records, err := l.AllActive(ctx)
	if err != nil {
		return DecayPassResult{}, err
	}

	var result DecayPassResult
	var forgottenIDs []string
	for _, rec := range records {
		relevance := 1.0
		if d.ShouldForget(rec.CreatedAt, rec.AccessCount, relevance, now) {
			result.Forgotten = append(result.Forgotten, rec)
			forgottenIDs = append(forgottenIDs, rec.ID)
			continue
		}
		score := d.ComputeScore(rec.CreatedAt, rec.AccessCount, relevance, now)
		result.Retained = append(result.Retained, ScoredRecord{Record: rec, DecayScore: score})
	}

	for _, id := range forgottenIDs {
		if _, err := l.db.ExecContext(ctx, `UPDATE ledger SET archived_at = ? WHERE id = ? AND archived_at IS NULL`,
			formatMemTime(now), id); err != nil {
			return DecayPassResult{}, err
		}
	}

	l.logger.Info(ctx, "decay pass complete", "retained", len(result.Retained), "forgotten", len(result.Forgotten))
	return result, nil
}

// recordAccess bumps a record's access_count and last_accessed_at, feeding
// the access boost future decay passes apply. Best-effort: failures are
// swallowed so a read path never fails because the access counter couldn't
// be bumped.
func (l *Ledger) recordAccess(ctx context.Context, id string) {
	if _, err := l.db.ExecContext(ctx, `UPDATE ledger SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		formatMemTime(time.Now()), id); err != nil {
		l.logger.Warn(ctx, "record access bump failed", "id", id, "error", err.Error())
	}
}

// ConsolidatedGroup is either a passthrough single record (Consolidated
// false) or a summary of several records sharing a subtype (Consolidated
// true), mirroring the original grouping behavior: despite the name, this
// groups by subtype rather than computing any real similarity.
type ConsolidatedGroup struct {
	Subtype      Subtype
	Count        int
	Consolidated bool
	Records      []Record
}

// ConsolidateSimilar groups records by subtype, folding any group with more
// than one member into a single consolidated summary. Singleton groups pass
// through unchanged.
func ConsolidateSimilar(records []Record) []ConsolidatedGroup {
	if len(records) == 0 {
		return nil
	}

	order := []Subtype{}
	groups := map[Subtype][]Record{}
	for _, rec := range records {
		if _, ok := groups[rec.Subtype]; !ok {
			order = append(order, rec.Subtype)
		}
		groups[rec.Subtype] = append(groups[rec.Subtype], rec)
	}

	out := make([]ConsolidatedGroup, 0, len(order))
	for _, subtype := range order {
		members := groups[subtype]
		if len(members) > 1 {
			out = append(out, ConsolidatedGroup{Subtype: subtype, Count: len(members), Consolidated: true, Records: members})
			continue
		}
		out = append(out, ConsolidatedGroup{Subtype: subtype, Count: 1, Consolidated: false, Records: members})
	}
	return out
}

// CompressOldEvents splits records into recent and archived buckets by
// CreatedAt age, without mutating the ledger.
func CompressOldEvents(records []Record, now time.Time, daysThreshold int) (recent, archived []Record) {
	for _, rec := range records {
		ageDays := now.Sub(rec.CreatedAt).Seconds() / (24 * 3600)
		if ageDays < float64(daysThreshold) {
			recent = append(recent, rec)
		} else {
			archived = append(archived, rec)
		}
	}
	return recent, archived
}
