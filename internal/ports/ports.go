package ports

import (
	"context"
	"time"

	"StudioFeed/internal/domain"
)

// AssetCatalog exposes selectable products and per-dimension candidates.
type AssetCatalog interface {
	Products(ctx context.Context) ([]domain.Product, error)
	Candidates(ctx context.Context, dim domain.Dimension) ([]domain.Candidate, error)
}

// SceneComposer turns a product plus scene selection into an optimized
// generation prompt.
type SceneComposer interface {
	Compose(ctx context.Context, product domain.Product, scene domain.SceneSelection) (domain.PromptSpec, error)
}

// ImageGenerator renders a prompt into an image artifact with its cost.
type ImageGenerator interface {
	Render(ctx context.Context, spec domain.PromptSpec) (domain.ImageArtifact, error)
}

// QualityScorer evaluates a generated image on a 0-10 scale.
type QualityScorer interface {
	Score(ctx context.Context, image domain.ImageArtifact) (domain.QualityReport, error)
}

// ApprovalChannel delivers an artifact to human reviewers and returns a
// message reference for correlation.
type ApprovalChannel interface {
	Notify(ctx context.Context, slot *domain.ScheduledSlot) (messageRef string, err error)
}

// Publisher pushes an approved artifact to the social feed.
type Publisher interface {
	Publish(ctx context.Context, slot *domain.ScheduledSlot) (publishedRef string, err error)
}

// SlotFilter narrows slot listings.
type SlotFilter struct {
	Statuses       []domain.Status
	ApprovalStatus domain.ApprovalStatus
	Limit          int
}

// SlotRepository persists scheduled slots. Update is a compare-and-swap on
// the slot version: a stale write fails with ErrConcurrentModification.
type SlotRepository interface {
	Create(ctx context.Context, slot *domain.ScheduledSlot) error
	Get(ctx context.Context, id string) (*domain.ScheduledSlot, error)
	Update(ctx context.Context, slot *domain.ScheduledSlot) error
	List(ctx context.Context, filter SlotFilter) ([]*domain.ScheduledSlot, error)
	Delete(ctx context.Context, id string) error
}

// HistoryStore is the append-only production history, newest first.
type HistoryStore interface {
	Append(ctx context.Context, entry domain.ProductionHistoryEntry) error
	Recent(ctx context.Context, limit int) ([]domain.ProductionHistoryEntry, error)
	TrimBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// RulesStore holds the variation-rules singleton and schedule settings.
type RulesStore interface {
	Rules(ctx context.Context) (domain.VariationRules, error)
	UpdateRules(ctx context.Context, rules domain.VariationRules) error
	Settings(ctx context.Context) (domain.ScheduleSettings, error)
	UpdateSettings(ctx context.Context, settings domain.ScheduleSettings) error
}
