// Package pipeline drives a scheduled slot through the ordered production
// stages, invoking external collaborators at each step and recording every
// transition on the slot record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"StudioFeed/internal/approval"
	"StudioFeed/internal/diversity"
	"StudioFeed/internal/domain"
	"StudioFeed/internal/ports"
)

// maxSimilarityRerolls bounds how often scenario selection retries after a
// similarity rejection before the exclusion sets stop helping.
const maxSimilarityRerolls = 4

// StagePublish attributes publish failures on the slot error record. Publish
// is not part of the generation stage order; it only runs after approval.
const StagePublish domain.Stage = "publish"

// Deps wires all driven adapters into the orchestration runner.
type Deps struct {
	Slots     ports.SlotRepository
	History   ports.HistoryStore
	Rules     ports.RulesStore
	Catalog   ports.AssetCatalog
	Composer  ports.SceneComposer
	Generator ports.ImageGenerator
	Scorer    ports.QualityScorer
	Publisher ports.Publisher
	Gateway   *approval.Gateway
	Diversity *diversity.Engine

	QualityFloor float64
	Logger       *slog.Logger
}

// Runner is the pipeline state machine. A slot is only ever advanced by one
// runner at a time; every write is a compare-and-swap on the slot version,
// so a stale runner loses with ErrConcurrentModification instead of
// clobbering newer state.
type Runner struct {
	slots     ports.SlotRepository
	history   ports.HistoryStore
	rules     ports.RulesStore
	catalog   ports.AssetCatalog
	composer  ports.SceneComposer
	generator ports.ImageGenerator
	scorer    ports.QualityScorer
	publisher ports.Publisher
	gateway   *approval.Gateway
	diversity *diversity.Engine

	qualityFloor float64
	logger       *slog.Logger
	now          func() time.Time
	rng          *rand.Rand
}

// NewRunner constructs the orchestration component.
func NewRunner(deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		slots:        deps.Slots,
		history:      deps.History,
		rules:        deps.Rules,
		catalog:      deps.Catalog,
		composer:     deps.Composer,
		generator:    deps.Generator,
		scorer:       deps.Scorer,
		publisher:    deps.Publisher,
		gateway:      deps.Gateway,
		diversity:    deps.Diversity,
		qualityFloor: deps.QualityFloor,
		logger:       logger,
		now:          time.Now,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithClock overrides the time source for tests.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// errStopped ends a pipeline run without marking the slot failed, e.g. after
// a cooperative cancellation was observed.
var errStopped = errors.New("pipeline run stopped")

// Start creates a new pending slot and runs it to the approval request.
func (r *Runner) Start(ctx context.Context) (*domain.ScheduledSlot, error) {
	slot := domain.NewSlot(r.now())
	if err := r.slots.Create(ctx, slot); err != nil {
		return nil, fmt.Errorf("create slot: %w", err)
	}
	r.logger.Info("slot created", "slot", slot.ID)

	err := r.Run(ctx, slot.ID)
	final, getErr := r.slots.Get(ctx, slot.ID)
	if getErr != nil {
		return slot, err
	}
	return final, err
}

// StartAsync creates a pending slot and runs the pipeline in the
// background, so callers like the admin API get the slot ID immediately.
// Run errors are captured on the slot record and logged.
func (r *Runner) StartAsync(ctx context.Context) (*domain.ScheduledSlot, error) {
	slot := domain.NewSlot(r.now())
	if err := r.slots.Create(ctx, slot); err != nil {
		return nil, fmt.Errorf("create slot: %w", err)
	}
	r.logger.Info("slot created", "slot", slot.ID)
	go func() {
		if err := r.Run(context.Background(), slot.ID); err != nil {
			r.logger.Error("pipeline run failed", "slot", slot.ID, "error", err)
		}
	}()
	return slot, nil
}

// Run advances a pending slot stage by stage until the approval request is
// sent, a stage fails, or the slot is cancelled. Stage transitions are
// recorded before the corresponding collaborator call; a failure captures the
// error on the slot and halts without auto-advancing.
func (r *Runner) Run(ctx context.Context, slotID string) error {
	for i, stage := range domain.StageOrder {
		slot, err := r.slots.Get(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.Status == domain.StatusCancelled {
			r.logger.Info("slot cancelled, stopping pipeline", "slot", slotID, "stage", stage)
			return nil
		}
		if i == 0 {
			if slot.Status != domain.StatusPending {
				return fmt.Errorf("slot %s is %s, not pending: %w", slotID, slot.Status, domain.ErrInvalidTransition)
			}
		} else if slot.Status != domain.StatusGenerating {
			// Moved externally between stages; this runner no longer owns it.
			return nil
		}

		slot.Status = domain.StatusGenerating
		slot.CurrentStage = stage
		slot.StageIndex = i
		if err := r.slots.Update(ctx, slot); err != nil {
			return fmt.Errorf("record stage transition %s: %w", stage, err)
		}
		r.logger.Debug("stage started", "slot", slotID, "stage", stage, "index", i)

		if stage == domain.StageNotification {
			if err := r.gateway.Request(ctx, slot); err != nil {
				return r.failSlot(ctx, slot, stage, err)
			}
			r.logger.Info("pipeline complete, awaiting approval", "slot", slotID)
			return nil
		}

		if err := r.execStage(ctx, stage, slot); err != nil {
			return r.failSlot(ctx, slot, stage, err)
		}

		if err := r.persistStageResult(ctx, slot, stage); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
	}
	return nil
}

// persistStageResult writes the stage output. A CAS conflict caused by a
// concurrent cancel discards the in-flight result; any other conflict means
// a second runner took over and this one stops.
func (r *Runner) persistStageResult(ctx context.Context, slot *domain.ScheduledSlot, stage domain.Stage) error {
	err := r.slots.Update(ctx, slot)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrConcurrentModification) {
		fresh, getErr := r.slots.Get(ctx, slot.ID)
		if getErr == nil && fresh.Status == domain.StatusCancelled {
			r.logger.Info("slot cancelled during stage, discarding result", "slot", slot.ID, "stage", stage)
			return errStopped
		}
	}
	return fmt.Errorf("persist %s result: %w", stage, err)
}

func (r *Runner) execStage(ctx context.Context, stage domain.Stage, slot *domain.ScheduledSlot) error {
	switch stage {
	case domain.StageAssetSelection:
		return r.selectAsset(ctx, slot)
	case domain.StageScenarioSelection:
		return r.selectScenario(ctx, slot)
	case domain.StagePromptOptimization:
		return r.optimizePrompt(ctx, slot)
	case domain.StageImageGeneration:
		return r.generateImage(ctx, slot)
	case domain.StageQualityControl:
		return r.controlQuality(ctx, slot)
	case domain.StageContentPackaging:
		return r.packageContent(slot)
	}
	return fmt.Errorf("unknown stage %s", stage)
}

func (r *Runner) selectAsset(ctx context.Context, slot *domain.ScheduledSlot) error {
	products, err := r.catalog.Products(ctx)
	if err != nil {
		return domain.NewExternalCallError("asset catalog", domain.StageAssetSelection, err)
	}
	if len(products) == 0 {
		return fmt.Errorf("product catalog is empty: %w", domain.ErrNoEligibleCandidate)
	}
	product := products[r.rng.Intn(len(products))]
	slot.Result.AssetSelection = &product
	return nil
}

// optionalDimension reports whether a production may omit the dimension
// entirely when the catalog offers no candidates for it.
func optionalDimension(dim domain.Dimension) bool {
	return dim == domain.DimensionTable || dim == domain.DimensionHandStyle
}

func (r *Runner) selectScenario(ctx context.Context, slot *domain.ScheduledSlot) error {
	rules, err := r.rules.Rules(ctx)
	if err != nil {
		return fmt.Errorf("load variation rules: %w", err)
	}
	history, err := r.history.Recent(ctx, rules.HistoryWindow)
	if err != nil {
		return fmt.Errorf("load recent history: %w", err)
	}

	pools := map[domain.Dimension][]domain.Candidate{}
	for _, dim := range domain.Dimensions {
		candidates, err := r.catalog.Candidates(ctx, dim)
		if err != nil {
			return domain.NewExternalCallError("asset catalog", domain.StageScenarioSelection, err)
		}
		if len(candidates) == 0 && !optionalDimension(dim) {
			return fmt.Errorf("no %s candidates: %w", dim, domain.ErrNoEligibleCandidate)
		}
		pools[dim] = candidates
	}

	productType := ""
	if slot.Result.AssetSelection != nil {
		productType = slot.Result.AssetSelection.Type
	}

	excluded := map[domain.Dimension]map[string]bool{}
	var sel domain.SceneSelection
	for attempt := 0; attempt <= maxSimilarityRerolls; attempt++ {
		sel = domain.SceneSelection{}
		for _, dim := range domain.Dimensions {
			pool := withoutExcluded(pools[dim], excluded[dim])
			if len(pool) == 0 {
				// Exclusions exhausted the pool; re-admit everything rather
				// than stall the pipeline.
				pool = pools[dim]
			}
			if len(pool) == 0 {
				continue // optional dimension with no candidates at all
			}
			chosen, err := r.diversity.Select(dim, pool, history, rules)
			if err != nil {
				return err
			}
			setDimension(&sel, dim, chosen.ID)
		}
		sel.IncludesPet = r.diversity.DecidePetInclusion(history, rules)

		ok, matching := r.diversity.CheckSimilarity(sel, productType, history, rules)
		if ok {
			slot.Result.ScenarioSelection = &sel
			return nil
		}
		for _, dim := range matching {
			if excluded[dim] == nil {
				excluded[dim] = map[string]bool{}
			}
			excluded[dim][dimensionValue(sel, dim)] = true
		}
	}

	if !rules.FallbackChecksSimilarity {
		r.logger.Warn("similarity rejection persisted, accepting last selection",
			"slot", slot.ID, "attempts", maxSimilarityRerolls+1)
		slot.Result.ScenarioSelection = &sel
		return nil
	}
	return fmt.Errorf("similarity rejection persisted after %d attempts: %w",
		maxSimilarityRerolls+1, domain.ErrNoEligibleCandidate)
}

func withoutExcluded(pool []domain.Candidate, excluded map[string]bool) []domain.Candidate {
	if len(excluded) == 0 {
		return pool
	}
	var out []domain.Candidate
	for _, c := range pool {
		if !excluded[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func setDimension(sel *domain.SceneSelection, dim domain.Dimension, id string) {
	switch dim {
	case domain.DimensionScenario:
		sel.ScenarioID = id
	case domain.DimensionComposition:
		sel.CompositionID = id
	case domain.DimensionTable:
		sel.TableID = id
	case domain.DimensionHandStyle:
		sel.HandStyleID = id
	}
}

func dimensionValue(sel domain.SceneSelection, dim domain.Dimension) string {
	switch dim {
	case domain.DimensionScenario:
		return sel.ScenarioID
	case domain.DimensionComposition:
		return sel.CompositionID
	case domain.DimensionTable:
		return sel.TableID
	case domain.DimensionHandStyle:
		return sel.HandStyleID
	}
	return ""
}

func (r *Runner) optimizePrompt(ctx context.Context, slot *domain.ScheduledSlot) error {
	if slot.Result.AssetSelection == nil || slot.Result.ScenarioSelection == nil {
		return fmt.Errorf("prompt optimization requires asset and scenario selections")
	}
	spec, err := r.composer.Compose(ctx, *slot.Result.AssetSelection, *slot.Result.ScenarioSelection)
	if err != nil {
		return domain.NewExternalCallError("scene composer", domain.StagePromptOptimization, err)
	}
	slot.Result.OptimizedPrompt = &spec
	return nil
}

func (r *Runner) generateImage(ctx context.Context, slot *domain.ScheduledSlot) error {
	if slot.Result.OptimizedPrompt == nil {
		return fmt.Errorf("image generation requires an optimized prompt")
	}
	artifact, err := r.generator.Render(ctx, *slot.Result.OptimizedPrompt)
	if err != nil {
		return domain.NewExternalCallError("image generator", domain.StageImageGeneration, err)
	}
	slot.Result.GeneratedImage = &artifact
	slot.Result.TotalCost += artifact.Cost
	return nil
}

func (r *Runner) controlQuality(ctx context.Context, slot *domain.ScheduledSlot) error {
	if slot.Result.GeneratedImage == nil {
		return fmt.Errorf("quality control requires a generated image")
	}
	report, err := r.scorer.Score(ctx, *slot.Result.GeneratedImage)
	if err != nil {
		return domain.NewExternalCallError("quality scorer", domain.StageQualityControl, err)
	}
	slot.Result.QualityControl = &report
	if report.Score < r.qualityFloor {
		return fmt.Errorf("score %.1f below floor %.1f: %w", report.Score, r.qualityFloor, domain.ErrLowQuality)
	}
	return nil
}

func (r *Runner) packageContent(slot *domain.ScheduledSlot) error {
	product := slot.Result.AssetSelection
	if product == nil {
		return fmt.Errorf("content packaging requires an asset selection")
	}
	caption := product.Name
	if sel := slot.Result.ScenarioSelection; sel != nil {
		caption = fmt.Sprintf("%s — %s", product.Name, sel.ScenarioID)
	}
	slot.Result.Caption = caption
	return nil
}

// failSlot captures the stage error on the slot and marks it failed. The
// slot passed in carries any partial stage output (a below-floor quality
// report, for example) and is persisted with it. A CAS conflict caused by a
// concurrent cancel discards the failure instead.
func (r *Runner) failSlot(ctx context.Context, slot *domain.ScheduledSlot, stage domain.Stage, stageErr error) error {
	slot.Status = domain.StatusFailed
	slot.Error = &domain.StageError{
		Stage:   stage,
		Reason:  failureReason(stageErr),
		Message: stageErr.Error(),
		At:      r.now(),
	}
	err := r.slots.Update(ctx, slot)
	if err == nil {
		r.logger.Error("stage failed", "slot", slot.ID, "stage", stage, "reason", slot.Error.Reason, "error", stageErr)
		return stageErr
	}
	if errors.Is(err, domain.ErrConcurrentModification) {
		fresh, getErr := r.slots.Get(ctx, slot.ID)
		if getErr == nil && fresh.Status == domain.StatusCancelled {
			r.logger.Info("slot cancelled during stage, discarding failure", "slot", slot.ID, "stage", stage)
			return nil
		}
	}
	return errors.Join(stageErr, fmt.Errorf("record stage failure: %w", err))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrNoEligibleCandidate):
		return domain.ReasonNoEligibleCandidate
	case errors.Is(err, domain.ErrLowQuality):
		return domain.ReasonLowQuality
	default:
		var external *domain.ExternalCallError
		if errors.As(err, &external) {
			return domain.ReasonExternalCall
		}
		return domain.ReasonStageFailure
	}
}

// Approve resolves the slot's approval and publishes the artifact. On
// success the slot reaches published and contributes exactly one production
// history entry.
func (r *Runner) Approve(ctx context.Context, slotID string) (*domain.ScheduledSlot, error) {
	slot, err := r.gateway.Resolve(ctx, slotID, approval.DecisionApproved)
	if err != nil {
		return nil, err
	}
	return r.publish(ctx, slot)
}

// Reject resolves the slot's approval as rejected. No history entry is
// written: history reflects only content that actually went live.
func (r *Runner) Reject(ctx context.Context, slotID string) (*domain.ScheduledSlot, error) {
	return r.gateway.Resolve(ctx, slotID, approval.DecisionRejected)
}

func (r *Runner) publish(ctx context.Context, slot *domain.ScheduledSlot) (*domain.ScheduledSlot, error) {
	ref, err := r.publisher.Publish(ctx, slot)
	if err != nil {
		wrapped := domain.NewExternalCallError("publisher", StagePublish, err)
		if failErr := r.failSlot(ctx, slot, StagePublish, wrapped); failErr != nil && !errors.Is(failErr, wrapped) {
			return nil, failErr
		}
		return nil, wrapped
	}

	slot.Status = domain.StatusPublished
	slot.Result.PublishedRef = ref
	if err := r.slots.Update(ctx, slot); err != nil {
		return nil, fmt.Errorf("record publish: %w", err)
	}
	r.logger.Info("slot published", "slot", slot.ID, "ref", ref)

	if err := r.appendHistory(ctx, slot); err != nil {
		// The post went live; history bookkeeping failing must not undo that.
		r.logger.Error("history append failed", "slot", slot.ID, "error", err)
	}
	return slot, nil
}

// appendHistory writes the slot's single production-history entry. The
// HistoryWritten flag persisted with the slot makes the append idempotent
// across retries.
func (r *Runner) appendHistory(ctx context.Context, slot *domain.ScheduledSlot) error {
	if slot.HistoryWritten {
		return nil
	}
	if err := r.history.Append(ctx, slot.HistoryEntry(r.now())); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	slot.HistoryWritten = true
	if err := r.slots.Update(ctx, slot); err != nil {
		return fmt.Errorf("mark history written: %w", err)
	}
	return nil
}

// Cancel marks a slot cancelled. Terminal slots are left untouched; the call
// is an idempotent no-op for them. An in-flight stage observes the
// cancellation at its next write and discards its result.
func (r *Runner) Cancel(ctx context.Context, slotID string) error {
	for {
		slot, err := r.slots.Get(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.Status.IsTerminal() {
			return nil
		}
		slot.Status = domain.StatusCancelled
		err = r.slots.Update(ctx, slot)
		if err == nil {
			r.logger.Info("slot cancelled", "slot", slotID)
			return nil
		}
		if !errors.Is(err, domain.ErrConcurrentModification) {
			return err
		}
		// Raced with the runner's own stage write; re-read and try again.
	}
}

// Retry re-enters a failed slot at pending with stage state reset. The slot
// identity, creation time and retry counter survive. Valid only from failed;
// a racing second retry loses the version CAS.
func (r *Runner) Retry(ctx context.Context, slotID string) error {
	slot, err := r.slots.Get(ctx, slotID)
	if err != nil {
		return err
	}
	if slot.Status != domain.StatusFailed {
		return fmt.Errorf("slot %s is %s, only failed slots can be retried: %w",
			slotID, slot.Status, domain.ErrInvalidTransition)
	}

	slot.Status = domain.StatusPending
	slot.CurrentStage = domain.StageOrder[0]
	slot.StageIndex = 0
	slot.Result = domain.PipelineResult{}
	slot.Approval = domain.ApprovalRecord{Status: domain.ApprovalNone}
	slot.Error = nil
	slot.RetryCount++
	if err := r.slots.Update(ctx, slot); err != nil {
		return fmt.Errorf("reset slot for retry: %w", err)
	}
	r.logger.Info("slot retried", "slot", slotID, "attempt", slot.RetryCount)

	return r.Run(ctx, slotID)
}
