package domain

import "time"

// Dimension names a diversity-tracked axis of a production.
type Dimension string

const (
	DimensionScenario    Dimension = "scenario"
	DimensionComposition Dimension = "composition"
	DimensionTable       Dimension = "table"
	DimensionHandStyle   Dimension = "hand_style"
)

// Dimensions lists every gap-ruled axis.
var Dimensions = []Dimension{
	DimensionScenario,
	DimensionComposition,
	DimensionTable,
	DimensionHandStyle,
}

// ProductionHistoryEntry is the immutable record of one production that went
// live. Entries are only ever appended and trimmed by retention, never edited.
type ProductionHistoryEntry struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	ScenarioID    string    `json:"scenarioId"`
	CompositionID string    `json:"compositionId"`
	TableID       string    `json:"tableId,omitempty"`
	HandStyleID   string    `json:"handStyleId,omitempty"`
	IncludesPet   bool      `json:"includesPet"`
	ProductType   string    `json:"productType"`
}

// DimensionValue returns the entry's choice on the given axis, empty when the
// axis was not used in that production.
func (e ProductionHistoryEntry) DimensionValue(dim Dimension) string {
	switch dim {
	case DimensionScenario:
		return e.ScenarioID
	case DimensionComposition:
		return e.CompositionID
	case DimensionTable:
		return e.TableID
	case DimensionHandStyle:
		return e.HandStyleID
	}
	return ""
}

// Candidate is one selectable option on a dimension.
type Candidate struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}
