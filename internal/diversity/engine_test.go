package diversity

import (
	"fmt"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"StudioFeed/internal/domain"
)

func testEngine(seed int64) *Engine {
	return NewWithRand(slog.New(slog.NewTextHandler(testWriter{}, nil)), rand.New(rand.NewSource(seed)))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func scenarioHistory(ids ...string) []domain.ProductionHistoryEntry {
	entries := make([]domain.ProductionHistoryEntry, 0, len(ids))
	now := time.Now()
	for i, id := range ids {
		entries = append(entries, domain.ProductionHistoryEntry{
			ID:         fmt.Sprintf("h-%d", i),
			Timestamp:  now.Add(-time.Duration(i) * time.Hour),
			ScenarioID: id,
		})
	}
	return entries
}

func TestEvaluateGapRule(t *testing.T) {
	engine := testEngine(1)
	rules := domain.VariationRules{ScenarioGap: 3}

	tests := []struct {
		name      string
		candidate string
		history   []domain.ProductionHistoryEntry
		eligible  bool
	}{
		{
			name:      "used in most recent entry",
			candidate: "scn-a",
			history:   scenarioHistory("scn-a", "scn-b", "scn-c"),
			eligible:  false,
		},
		{
			name:      "used within gap window",
			candidate: "scn-b",
			history:   scenarioHistory("scn-a", "scn-b", "scn-c"),
			eligible:  false,
		},
		{
			name:      "used outside gap window",
			candidate: "scn-c",
			history:   scenarioHistory("scn-a", "scn-b", "scn-c"),
			eligible:  true,
		},
		{
			name:      "never used",
			candidate: "scn-new",
			history:   scenarioHistory("scn-a", "scn-b"),
			eligible:  true,
		},
		{
			name:      "empty history",
			candidate: "scn-a",
			eligible:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := engine.Evaluate(domain.DimensionScenario, tt.candidate, tt.history, rules)
			assert.Equal(t, tt.eligible, decision.Eligible)
		})
	}
}

func TestEvaluateIgnoresEntriesWithoutDimension(t *testing.T) {
	engine := testEngine(1)
	rules := domain.VariationRules{TableGap: 2}

	// Productions without a table must not consume the gap window.
	history := []domain.ProductionHistoryEntry{
		{ScenarioID: "scn-a"},
		{ScenarioID: "scn-b", TableID: "tbl-oak"},
	}

	decision := engine.Evaluate(domain.DimensionTable, "tbl-oak", history, rules)
	assert.False(t, decision.Eligible)
}

func TestSelectPrefersEligibleCandidates(t *testing.T) {
	engine := testEngine(42)
	rules := domain.VariationRules{ScenarioGap: 3}
	history := scenarioHistory("scn-a", "scn-b")
	candidates := []domain.Candidate{{ID: "scn-a"}, {ID: "scn-b"}, {ID: "scn-c"}}

	for i := 0; i < 20; i++ {
		chosen, err := engine.Select(domain.DimensionScenario, candidates, history, rules)
		require.NoError(t, err)
		assert.Equal(t, "scn-c", chosen.ID)
	}
}

func TestSelectFallsBackToLeastRecentlyUsed(t *testing.T) {
	engine := testEngine(42)
	rules := domain.VariationRules{ScenarioGap: 4}
	// Both candidates appear within the gap window; scn-b is the older use.
	history := scenarioHistory("scn-a", "scn-b", "scn-a")
	candidates := []domain.Candidate{{ID: "scn-a"}, {ID: "scn-b"}}

	chosen, err := engine.Select(domain.DimensionScenario, candidates, history, rules)
	require.NoError(t, err)
	assert.Equal(t, "scn-b", chosen.ID)
}

func TestSelectEmptyPool(t *testing.T) {
	engine := testEngine(1)

	_, err := engine.Select(domain.DimensionScenario, nil, nil, domain.VariationRules{ScenarioGap: 3})
	require.ErrorIs(t, err, domain.ErrNoEligibleCandidate)
}

func TestDecidePetInclusionForced(t *testing.T) {
	engine := testEngine(7)
	rules := domain.VariationRules{PetFrequency: 15}

	history := make([]domain.ProductionHistoryEntry, 14)
	assert.True(t, engine.DecidePetInclusion(history, rules),
		"14 petless productions with denominator 15 must force inclusion")

	// One fewer petless production leaves the draw random; with the pet in
	// recent history the count restarts.
	history[3].IncludesPet = true
	forcedAgain := engine.DecidePetInclusion(history, rules)
	_ = forcedAgain // random draw, only the bound below is asserted
}

func TestDecidePetInclusionBound(t *testing.T) {
	engine := testEngine(99)
	rules := domain.VariationRules{PetFrequency: 5}

	var history []domain.ProductionHistoryEntry
	window := 2 * rules.PetFrequency
	trueCount := 0
	gap := 0
	for i := 0; i < window; i++ {
		included := engine.DecidePetInclusion(history, rules)
		if included {
			trueCount++
			gap = 0
		} else {
			gap++
		}
		require.LessOrEqual(t, gap, rules.PetFrequency,
			"no two pet occurrences may be separated by more than the denominator")
		history = append([]domain.ProductionHistoryEntry{{IncludesPet: included}}, history...)
	}
	assert.GreaterOrEqual(t, trueCount, window/rules.PetFrequency)
}

func TestDecidePetInclusionDisabledAndAlways(t *testing.T) {
	engine := testEngine(3)

	assert.False(t, engine.DecidePetInclusion(nil, domain.VariationRules{PetFrequency: 0}))
	assert.True(t, engine.DecidePetInclusion(nil, domain.VariationRules{PetFrequency: 1}))
}

func TestSimilarityScore(t *testing.T) {
	last := domain.ProductionHistoryEntry{
		ScenarioID:    "scn-a",
		CompositionID: "cmp-top",
		TableID:       "tbl-oak",
		HandStyleID:   "hnd-none",
		ProductType:   "coffee",
	}

	identical := domain.SceneSelection{
		ScenarioID:    "scn-a",
		CompositionID: "cmp-top",
		TableID:       "tbl-oak",
		HandStyleID:   "hnd-none",
	}
	assert.Equal(t, 100, Similarity(identical, "coffee", last))

	partial := domain.SceneSelection{
		ScenarioID:    "scn-b",
		CompositionID: "cmp-top",
		TableID:       "tbl-marble",
		HandStyleID:   "hnd-none",
	}
	// composition + hand style + product type match: 3 of 5.
	assert.Equal(t, 60, Similarity(partial, "coffee", last))
}

func TestCheckSimilarityIdenticalAlwaysRejected(t *testing.T) {
	engine := testEngine(1)
	last := domain.ProductionHistoryEntry{
		ScenarioID:    "scn-a",
		CompositionID: "cmp-top",
		TableID:       "tbl-oak",
		HandStyleID:   "hnd-none",
		ProductType:   "coffee",
	}
	sel := domain.SceneSelection{
		ScenarioID:    "scn-a",
		CompositionID: "cmp-top",
		TableID:       "tbl-oak",
		HandStyleID:   "hnd-none",
	}

	// Even a threshold of 100 must reject an identical tuple.
	ok, matching := engine.CheckSimilarity(sel, "coffee", []domain.ProductionHistoryEntry{last},
		domain.VariationRules{SimilarityThreshold: 100})
	assert.False(t, ok)
	assert.Contains(t, matching, domain.DimensionScenario)
	assert.Contains(t, matching, domain.DimensionComposition)
}

func TestCheckSimilarityBelowThreshold(t *testing.T) {
	engine := testEngine(1)
	last := domain.ProductionHistoryEntry{
		ScenarioID:    "scn-a",
		CompositionID: "cmp-top",
		ProductType:   "coffee",
	}
	sel := domain.SceneSelection{
		ScenarioID:    "scn-b",
		CompositionID: "cmp-close",
		TableID:       "tbl-oak",
		HandStyleID:   "hnd-hold",
	}

	ok, _ := engine.CheckSimilarity(sel, "coffee", []domain.ProductionHistoryEntry{last},
		domain.VariationRules{SimilarityThreshold: 60})
	assert.True(t, ok)
}

func TestCheckSimilarityEmptyHistory(t *testing.T) {
	engine := testEngine(1)
	ok, matching := engine.CheckSimilarity(domain.SceneSelection{}, "coffee", nil, domain.VariationRules{})
	assert.True(t, ok)
	assert.Nil(t, matching)
}
