package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a scheduled slot.
type Status string

const (
	// StatusPending means the slot was created but no stage has run yet.
	StatusPending Status = "pending"
	// StatusGenerating covers every pipeline stage before the approval request.
	StatusGenerating Status = "generating"
	// StatusAwaitingApproval means the artifact was sent for human review.
	StatusAwaitingApproval Status = "awaiting_approval"
	// StatusApproved means a reviewer accepted the artifact; publish is in flight.
	StatusApproved Status = "approved"
	// StatusPublished means the artifact went live. Terminal.
	StatusPublished Status = "published"
	// StatusRejected means a reviewer declined the artifact (or the approval
	// window timed out). Terminal.
	StatusRejected Status = "rejected"
	// StatusFailed means a stage failed; the slot stays retriable. Terminal
	// until an explicit retry.
	StatusFailed Status = "failed"
	// StatusCancelled means an operator cancelled the slot. Terminal.
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the slot can no longer advance on its own.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPublished, StatusRejected, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the slot counts as in-progress work for the
// scheduler's "should new production start" decision.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusGenerating, StatusAwaitingApproval, StatusApproved:
		return true
	}
	return false
}

// Stage is one step of the production pipeline. The set is closed: stage
// behavior is driven by an explicit ordered table, not by string dispatch.
type Stage string

const (
	StageAssetSelection     Stage = "asset_selection"
	StageScenarioSelection  Stage = "scenario_selection"
	StagePromptOptimization Stage = "prompt_optimization"
	StageImageGeneration    Stage = "image_generation"
	StageQualityControl     Stage = "quality_control"
	StageContentPackaging   Stage = "content_packaging"
	StageNotification       Stage = "notification"
)

// StageOrder is the canonical execution order of pipeline stages.
var StageOrder = []Stage{
	StageAssetSelection,
	StageScenarioSelection,
	StagePromptOptimization,
	StageImageGeneration,
	StageQualityControl,
	StageContentPackaging,
	StageNotification,
}

// StageIndex returns the zero-based position of a stage, or -1 when the
// stage is unknown.
func StageIndex(stage Stage) int {
	for i, s := range StageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// Product identifies the item being photographed.
type Product struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// SceneSelection is the diversity-checked tuple of creative choices for one
// production.
type SceneSelection struct {
	ScenarioID    string `json:"scenarioId"`
	CompositionID string `json:"compositionId"`
	TableID       string `json:"tableId,omitempty"`
	HandStyleID   string `json:"handStyleId,omitempty"`
	IncludesPet   bool   `json:"includesPet"`
}

// PromptSpec is the optimized instruction handed to the image generator.
type PromptSpec struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
	AspectRatio    string `json:"aspectRatio,omitempty"`
}

// ImageArtifact references a generated image and the cost of producing it.
type ImageArtifact struct {
	Ref  string  `json:"ref"`
	Cost float64 `json:"cost"`
}

// QualityReport is the scoring outcome for a generated image.
type QualityReport struct {
	Score      float64 `json:"score"`
	Evaluation string  `json:"evaluation,omitempty"`
}

// PipelineResult accumulates per-stage outputs as the slot advances.
type PipelineResult struct {
	AssetSelection    *Product        `json:"assetSelection,omitempty"`
	ScenarioSelection *SceneSelection `json:"scenarioSelection,omitempty"`
	OptimizedPrompt   *PromptSpec     `json:"optimizedPrompt,omitempty"`
	GeneratedImage    *ImageArtifact  `json:"generatedImage,omitempty"`
	QualityControl    *QualityReport  `json:"qualityControl,omitempty"`
	Caption           string          `json:"caption,omitempty"`
	PublishedRef      string          `json:"publishedRef,omitempty"`
	TotalCost         float64         `json:"totalCost"`
}

// ApprovalStatus tracks the human-review sub-state of a slot.
type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "none"
	ApprovalAwaiting ApprovalStatus = "awaiting"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimeout  ApprovalStatus = "timeout"
)

// Resolved reports whether the approval reached a final answer.
func (s ApprovalStatus) Resolved() bool {
	switch s {
	case ApprovalApproved, ApprovalRejected, ApprovalTimeout:
		return true
	}
	return false
}

// ApprovalRecord captures the review lifecycle for a generated artifact.
// Transitions only none -> awaiting -> {approved, rejected, timeout}.
type ApprovalRecord struct {
	Status      ApprovalStatus `json:"status"`
	MessageRef  string         `json:"messageRef,omitempty"`
	RequestedAt *time.Time     `json:"requestedAt,omitempty"`
	RespondedAt *time.Time     `json:"respondedAt,omitempty"`
}

// StageError is the captured failure of a pipeline stage, persisted on the
// slot so failed work stays inspectable and retriable.
type StageError struct {
	Stage   Stage     `json:"stage"`
	Reason  string    `json:"reason"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ScheduledSlot is one planned post moving through the pipeline. It is
// mutated only by the pipeline runner and the approval gateway; Version
// implements optimistic concurrency on every write.
type ScheduledSlot struct {
	ID           string         `json:"id"`
	Status       Status         `json:"status"`
	CurrentStage Stage          `json:"currentStage"`
	StageIndex   int            `json:"stageIndex"`
	TotalStages  int            `json:"totalStages"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Result       PipelineResult `json:"pipelineResult"`
	Approval     ApprovalRecord `json:"approval"`
	Error        *StageError    `json:"error,omitempty"`
	RetryCount   int            `json:"retryCount"`
	// HistoryWritten guards the single history append a published slot makes.
	HistoryWritten bool  `json:"historyWritten"`
	Version        int64 `json:"version"`
}

// NewSlot creates a pending slot at the first stage.
func NewSlot(now time.Time) *ScheduledSlot {
	return &ScheduledSlot{
		ID:           uuid.NewString(),
		Status:       StatusPending,
		CurrentStage: StageOrder[0],
		StageIndex:   0,
		TotalStages:  len(StageOrder),
		CreatedAt:    now,
		UpdatedAt:    now,
		Approval:     ApprovalRecord{Status: ApprovalNone},
	}
}

// HistoryEntry derives the production-history record a published slot
// contributes. Only fully selected slots produce a meaningful entry.
func (s *ScheduledSlot) HistoryEntry(now time.Time) ProductionHistoryEntry {
	entry := ProductionHistoryEntry{
		ID:        uuid.NewString(),
		Timestamp: now,
	}
	if sel := s.Result.ScenarioSelection; sel != nil {
		entry.ScenarioID = sel.ScenarioID
		entry.CompositionID = sel.CompositionID
		entry.TableID = sel.TableID
		entry.HandStyleID = sel.HandStyleID
		entry.IncludesPet = sel.IncludesPet
	}
	if p := s.Result.AssetSelection; p != nil {
		entry.ProductType = p.Type
	}
	return entry
}
