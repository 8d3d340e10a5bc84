// Package diversity implements the variation policy that keeps the feed from
// repeating itself: per-dimension re-use gaps, forced-frequency features, and
// similarity rejection against the most recent production.
//
// The engine is a pure function of (candidates, history window, rules); it
// never mutates entities and owns no storage.
package diversity

import (
	"log/slog"
	"math/rand"
	"time"

	"StudioFeed/internal/domain"
)

const similarityFields = 5 // scenario, composition, table, hand style, product type

// Engine makes diversity decisions over history snapshots.
type Engine struct {
	logger *slog.Logger
	rng    *rand.Rand
}

// New builds an engine with a time-seeded random source.
func New(logger *slog.Logger) *Engine {
	return NewWithRand(logger, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewWithRand injects the random source so tests run deterministically.
func NewWithRand(logger *slog.Logger, rng *rand.Rand) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger, rng: rng}
}

// Decision is the outcome of a single eligibility check.
type Decision struct {
	Eligible bool
	Reason   string
}

// Evaluate reports whether a candidate may be used on the given dimension:
// it must not appear among the most recent gap-1 history entries that used
// that dimension.
func (e *Engine) Evaluate(dim domain.Dimension, candidateID string, history []domain.ProductionHistoryEntry, rules domain.VariationRules) Decision {
	gap := rules.Gap(dim)
	if gap <= 1 {
		return Decision{Eligible: true}
	}

	seen := 0
	for _, entry := range history {
		value := entry.DimensionValue(dim)
		if value == "" {
			continue
		}
		if value == candidateID {
			return Decision{Eligible: false, Reason: "used within minimum gap"}
		}
		seen++
		if seen >= gap-1 {
			break
		}
	}
	return Decision{Eligible: true}
}

// Select picks one candidate for the dimension. Gap-eligible candidates are
// chosen uniformly at random. When every candidate is gap-blocked the engine
// falls back to the least-recently-used one: the gap constraint is advisory
// so production never stalls, and the fallback is always logged.
//
// An empty pool fails with ErrNoEligibleCandidate; that case has no fallback.
func (e *Engine) Select(dim domain.Dimension, candidates []domain.Candidate, history []domain.ProductionHistoryEntry, rules domain.VariationRules) (domain.Candidate, error) {
	if len(candidates) == 0 {
		return domain.Candidate{}, domain.ErrNoEligibleCandidate
	}

	var eligible []domain.Candidate
	for _, c := range candidates {
		if e.Evaluate(dim, c.ID, history, rules).Eligible {
			eligible = append(eligible, c)
		}
	}

	if len(eligible) > 0 {
		return eligible[e.rng.Intn(len(eligible))], nil
	}

	chosen := leastRecentlyUsed(dim, candidates, history)
	e.logger.Warn("all candidates gap-blocked, falling back to least recently used",
		"dimension", dim, "candidate", chosen.ID, "pool", len(candidates))
	return chosen, nil
}

// leastRecentlyUsed returns the candidate whose most recent appearance on the
// dimension lies furthest back in history. Candidates never seen sort first.
func leastRecentlyUsed(dim domain.Dimension, candidates []domain.Candidate, history []domain.ProductionHistoryEntry) domain.Candidate {
	best := candidates[0]
	bestAge := -1 // -1 means not found yet
	for _, c := range candidates {
		age := recencyIndex(dim, c.ID, history)
		if age == -1 {
			return c // never used at all
		}
		if age > bestAge {
			best, bestAge = c, age
		}
	}
	return best
}

// recencyIndex returns how many dimension-bearing entries precede the most
// recent use of candidateID, or -1 when it never occurs.
func recencyIndex(dim domain.Dimension, candidateID string, history []domain.ProductionHistoryEntry) int {
	seen := 0
	for _, entry := range history {
		value := entry.DimensionValue(dim)
		if value == "" {
			continue
		}
		if value == candidateID {
			return seen
		}
		seen++
	}
	return -1
}

// DecidePetInclusion applies the "1 in N" frequency rule: once N-1
// productions pass without a pet the next inclusion is forced, otherwise it
// is a random draw at probability 1/N. Zero disables pets.
func (e *Engine) DecidePetInclusion(history []domain.ProductionHistoryEntry, rules domain.VariationRules) bool {
	denom := rules.PetFrequency
	if denom <= 0 {
		return false
	}
	if denom == 1 {
		return true
	}

	sinceLast := 0
	for _, entry := range history {
		if entry.IncludesPet {
			break
		}
		sinceLast++
	}
	if sinceLast >= denom-1 {
		e.logger.Info("pet inclusion forced by frequency rule",
			"since_last", sinceLast, "denominator", denom)
		return true
	}
	return e.rng.Float64() < 1.0/float64(denom)
}

// Similarity scores how closely a composed selection resembles a history
// entry: matching fields over total fields, scaled 0-100. Optional fields
// that are unset on both sides count as matching.
func Similarity(sel domain.SceneSelection, productType string, entry domain.ProductionHistoryEntry) int {
	matches := 0
	if sel.ScenarioID == entry.ScenarioID {
		matches++
	}
	if sel.CompositionID == entry.CompositionID {
		matches++
	}
	if sel.TableID == entry.TableID {
		matches++
	}
	if sel.HandStyleID == entry.HandStyleID {
		matches++
	}
	if productType == entry.ProductType {
		matches++
	}
	return matches * 100 / similarityFields
}

// CheckSimilarity compares a fully composed selection against the single most
// recent history entry. It returns ok=false with the matching dimensions when
// the score exceeds the threshold; a 100% match is always rejected since
// identical-to-last is the worst case regardless of threshold.
func (e *Engine) CheckSimilarity(sel domain.SceneSelection, productType string, history []domain.ProductionHistoryEntry, rules domain.VariationRules) (bool, []domain.Dimension) {
	if len(history) == 0 {
		return true, nil
	}
	last := history[0]
	score := Similarity(sel, productType, last)
	if score < 100 && score <= rules.SimilarityThreshold {
		return true, nil
	}

	var matching []domain.Dimension
	if sel.ScenarioID == last.ScenarioID {
		matching = append(matching, domain.DimensionScenario)
	}
	if sel.CompositionID == last.CompositionID {
		matching = append(matching, domain.DimensionComposition)
	}
	if sel.TableID == last.TableID && sel.TableID != "" {
		matching = append(matching, domain.DimensionTable)
	}
	if sel.HandStyleID == last.HandStyleID && sel.HandStyleID != "" {
		matching = append(matching, domain.DimensionHandStyle)
	}
	e.logger.Info("selection too similar to previous production",
		"score", score, "threshold", rules.SimilarityThreshold, "matching", len(matching))
	return false, matching
}
