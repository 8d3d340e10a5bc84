package domain

// VariationRules is the singleton configuration the diversity engine reads on
// every decision. Mutated only through an explicit admin update.
type VariationRules struct {
	// ScenarioGap et al. are minimum re-use gaps in production count: a
	// choice may not repeat within the most recent gap-1 productions.
	ScenarioGap    int `json:"scenarioGap" yaml:"scenarioGap"`
	CompositionGap int `json:"compositionGap" yaml:"compositionGap"`
	TableGap       int `json:"tableGap" yaml:"tableGap"`
	HandStyleGap   int `json:"handStyleGap" yaml:"handStyleGap"`

	// PetFrequency is a "1 in N" denominator: pet inclusion is random at
	// probability 1/N but forced true once N-1 productions pass without one.
	// Zero disables pets entirely; one forces them every time.
	PetFrequency int `json:"petFrequency" yaml:"petFrequency"`

	// SimilarityThreshold (0-100) is the maximum allowed percentage of
	// fields a new production may share with the most recent one. A 100%
	// match is rejected regardless of the threshold.
	SimilarityThreshold int `json:"similarityThreshold" yaml:"similarityThreshold"`

	// FallbackChecksSimilarity controls whether the least-recently-used
	// fallback (taken when every candidate is gap-blocked) still applies
	// the similarity rejection.
	FallbackChecksSimilarity bool `json:"fallbackChecksSimilarity" yaml:"fallbackChecksSimilarity"`

	// HistoryWindow bounds how many recent entries diversity decisions
	// load. Must cover the largest gap and the pet frequency.
	HistoryWindow int `json:"historyWindow" yaml:"historyWindow"`
}

// Gap returns the configured minimum re-use gap for a dimension.
func (r VariationRules) Gap(dim Dimension) int {
	switch dim {
	case DimensionScenario:
		return r.ScenarioGap
	case DimensionComposition:
		return r.CompositionGap
	case DimensionTable:
		return r.TableGap
	case DimensionHandStyle:
		return r.HandStyleGap
	}
	return 0
}

// DefaultVariationRules mirrors the values seeded on first start.
func DefaultVariationRules() VariationRules {
	return VariationRules{
		ScenarioGap:         3,
		CompositionGap:      3,
		TableGap:            2,
		HandStyleGap:        2,
		PetFrequency:        15,
		SimilarityThreshold: 60,
		HistoryWindow:       50,
	}
}

// ScheduleSettings is the admin-togglable production cadence state read at
// the start of every scheduler tick.
type ScheduleSettings struct {
	// AutoProduction globally enables or disables starting new slots.
	AutoProduction bool `json:"autoProduction" yaml:"autoProduction"`
	// CadenceMinutes is the minimum spacing between slot creations.
	CadenceMinutes int `json:"cadenceMinutes" yaml:"cadenceMinutes"`
}

// DefaultScheduleSettings starts disabled so a fresh install never publishes
// before an operator opts in.
func DefaultScheduleSettings() ScheduleSettings {
	return ScheduleSettings{AutoProduction: false, CadenceMinutes: 24 * 60}
}
