package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"StudioFeed/internal/approval"
	"StudioFeed/internal/diversity"
	"StudioFeed/internal/domain"
	"StudioFeed/internal/infrastructure/memory"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type fakeCatalog struct {
	products   []domain.Product
	candidates map[domain.Dimension][]domain.Candidate
	err        error
}

func (f *fakeCatalog) Products(ctx context.Context) ([]domain.Product, error) {
	return f.products, f.err
}

func (f *fakeCatalog) Candidates(ctx context.Context, dim domain.Dimension) ([]domain.Candidate, error) {
	return f.candidates[dim], f.err
}

type fakeComposer struct{ err error }

func (f *fakeComposer) Compose(ctx context.Context, product domain.Product, scene domain.SceneSelection) (domain.PromptSpec, error) {
	if f.err != nil {
		return domain.PromptSpec{}, f.err
	}
	return domain.PromptSpec{Prompt: fmt.Sprintf("%s in %s", product.Name, scene.ScenarioID)}, nil
}

type fakeGenerator struct {
	err    error
	cost   float64
	calls  int
	during func() // invoked while the render call is "in flight"
}

func (f *fakeGenerator) Render(ctx context.Context, spec domain.PromptSpec) (domain.ImageArtifact, error) {
	f.calls++
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		return domain.ImageArtifact{}, f.err
	}
	return domain.ImageArtifact{Ref: "img-1", Cost: f.cost}, nil
}

type fakeScorer struct {
	score float64
	err   error
}

func (f *fakeScorer) Score(ctx context.Context, image domain.ImageArtifact) (domain.QualityReport, error) {
	if f.err != nil {
		return domain.QualityReport{}, f.err
	}
	return domain.QualityReport{Score: f.score, Evaluation: "test"}, nil
}

type fakeChannel struct {
	err   error
	calls int
}

func (f *fakeChannel) Notify(ctx context.Context, slot *domain.ScheduledSlot) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "msg-1", nil
}

type fakePublisher struct {
	err   error
	calls int
}

func (f *fakePublisher) Publish(ctx context.Context, slot *domain.ScheduledSlot) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "post-1", nil
}

type fixture struct {
	runner    *Runner
	store     *memory.Store
	catalog   *fakeCatalog
	generator *fakeGenerator
	scorer    *fakeScorer
	channel   *fakeChannel
	publisher *fakePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	logger := testLogger()

	catalog := &fakeCatalog{
		products: []domain.Product{{ID: "prod-1", Name: "Espresso blend", Type: "coffee"}},
		candidates: map[domain.Dimension][]domain.Candidate{
			domain.DimensionScenario:    {{ID: "scn-a"}, {ID: "scn-b"}, {ID: "scn-c"}},
			domain.DimensionComposition: {{ID: "cmp-a"}, {ID: "cmp-b"}, {ID: "cmp-c"}},
			domain.DimensionTable:       {{ID: "tbl-a"}, {ID: "tbl-b"}},
			domain.DimensionHandStyle:   {{ID: "hnd-a"}, {ID: "hnd-b"}},
		},
	}
	generator := &fakeGenerator{cost: 0.04}
	scorer := &fakeScorer{score: 8.5}
	channel := &fakeChannel{}
	publisher := &fakePublisher{}

	gateway := approval.New(store, channel, logger)
	runner := NewRunner(Deps{
		Slots:        store,
		History:      store,
		Rules:        store,
		Catalog:      catalog,
		Composer:     &fakeComposer{},
		Generator:    generator,
		Scorer:       scorer,
		Publisher:    publisher,
		Gateway:      gateway,
		Diversity:    diversity.NewWithRand(logger, rand.New(rand.NewSource(7))),
		QualityFloor: 7.0,
		Logger:       logger,
	})
	return &fixture{
		runner:    runner,
		store:     store,
		catalog:   catalog,
		generator: generator,
		scorer:    scorer,
		channel:   channel,
		publisher: publisher,
	}
}

func TestRunReachesAwaitingApproval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	slot, err := f.runner.Start(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusAwaitingApproval, slot.Status)
	assert.Equal(t, domain.StageNotification, slot.CurrentStage)
	assert.Equal(t, domain.StageIndex(domain.StageNotification), slot.StageIndex)
	assert.Equal(t, domain.ApprovalAwaiting, slot.Approval.Status)
	require.NotNil(t, slot.Approval.RequestedAt)
	assert.Equal(t, "msg-1", slot.Approval.MessageRef)

	require.NotNil(t, slot.Result.AssetSelection)
	require.NotNil(t, slot.Result.ScenarioSelection)
	require.NotNil(t, slot.Result.OptimizedPrompt)
	require.NotNil(t, slot.Result.GeneratedImage)
	require.NotNil(t, slot.Result.QualityControl)
	assert.NotEmpty(t, slot.Result.Caption)
	assert.InDelta(t, 0.04, slot.Result.TotalCost, 1e-9)

	// No history until the slot actually publishes.
	entries, err := f.store.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApprovePublishesAndAppendsHistoryOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	slot, err := f.runner.Start(ctx)
	require.NoError(t, err)

	published, err := f.runner.Approve(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPublished, published.Status)
	assert.Equal(t, "post-1", published.Result.PublishedRef)
	assert.Equal(t, 1, f.publisher.calls)
	assert.True(t, published.HistoryWritten)

	entries, err := f.store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, slot.Result.ScenarioSelection.ScenarioID, entries[0].ScenarioID)
	assert.Equal(t, "coffee", entries[0].ProductType)

	// Duplicate approval callback is rejected, not overwritten.
	_, err = f.runner.Approve(ctx, slot.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
	entries, err = f.store.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRejectWritesNoHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	slot, err := f.runner.Start(ctx)
	require.NoError(t, err)

	rejected, err := f.runner.Reject(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
	assert.Equal(t, domain.ApprovalRejected, rejected.Approval.Status)
	assert.Equal(t, 0, f.publisher.calls)

	entries, err := f.store.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStageFailureHaltsPipeline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.generator.err = errors.New("render backend unavailable")

	slot, err := f.runner.Start(ctx)
	require.Error(t, err)
	var external *domain.ExternalCallError
	require.ErrorAs(t, err, &external)
	assert.Equal(t, domain.StageImageGeneration, external.Stage)

	assert.Equal(t, domain.StatusFailed, slot.Status)
	require.NotNil(t, slot.Error)
	assert.Equal(t, domain.StageImageGeneration, slot.Error.Stage)
	assert.Equal(t, domain.ReasonExternalCall, slot.Error.Reason)
	assert.Nil(t, slot.Result.GeneratedImage)
	assert.Equal(t, 0, f.channel.calls, "no approval request after a failed stage")
}

func TestLowQualityIsRecoverable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.scorer.score = 4.2

	slot, err := f.runner.Start(ctx)
	require.ErrorIs(t, err, domain.ErrLowQuality)

	assert.Equal(t, domain.StatusFailed, slot.Status)
	require.NotNil(t, slot.Error)
	assert.Equal(t, domain.ReasonLowQuality, slot.Error.Reason)
	require.NotNil(t, slot.Result.QualityControl)
	assert.InDelta(t, 4.2, slot.Result.QualityControl.Score, 1e-9)

	// The stored record keeps the below-floor report so operators can see
	// why the slot failed.
	stored, err := f.store.Get(ctx, slot.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Result.QualityControl)
	assert.InDelta(t, 4.2, stored.Result.QualityControl.Score, 1e-9)

	// Raising the score makes a retry succeed.
	f.scorer.score = 9.0
	require.NoError(t, f.runner.Retry(ctx, slot.ID))
	retried, err := f.store.Get(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingApproval, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
}

func TestCancelDuringImageGenerationDiscardsResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var slotID string
	f.generator.during = func() {
		// Operator cancels while the external render call is in flight.
		require.NoError(t, f.runner.Cancel(ctx, slotID))
	}

	slot := domain.NewSlot(f.runner.now())
	slotID = slot.ID
	require.NoError(t, f.store.Create(ctx, slot))
	require.NoError(t, f.runner.Run(ctx, slotID))

	final, err := f.store.Get(ctx, slotID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, final.Status)
	assert.Nil(t, final.Result.GeneratedImage, "in-flight result must be discarded")
	assert.Equal(t, 0, f.channel.calls)
}

func TestCancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	slot, err := f.runner.Start(ctx)
	require.NoError(t, err)

	require.NoError(t, f.runner.Cancel(ctx, slot.ID))
	// Cancelling an already-cancelled slot is a no-op, not an error.
	require.NoError(t, f.runner.Cancel(ctx, slot.ID))

	final, err := f.store.Get(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, final.Status)
}

func TestRetryOnlyFromFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	slot, err := f.runner.Start(ctx)
	require.NoError(t, err)

	err = f.runner.Retry(ctx, slot.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestDoubleRetryDoesNotForkPipelines(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.generator.err = errors.New("render backend unavailable")

	slot, err := f.runner.Start(ctx)
	require.Error(t, err)
	require.Equal(t, domain.StatusFailed, slot.Status)

	f.generator.err = nil
	require.NoError(t, f.runner.Retry(ctx, slot.ID))

	// The slot already left failed; a second retry is rejected instead of
	// spawning an independent run.
	err = f.runner.Retry(ctx, slot.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrConcurrentModification))
	assert.Equal(t, 2, f.generator.calls)
}

func TestNoEligibleCandidateIsStageFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.catalog.products = nil

	slot, err := f.runner.Start(ctx)
	require.ErrorIs(t, err, domain.ErrNoEligibleCandidate)
	assert.Equal(t, domain.StatusFailed, slot.Status)
	require.NotNil(t, slot.Error)
	assert.Equal(t, domain.ReasonNoEligibleCandidate, slot.Error.Reason)
	assert.Equal(t, domain.StageAssetSelection, slot.Error.Stage)
}

func TestPublishFailureMarksSlotFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publisher.err = errors.New("publish api down")

	slot, err := f.runner.Start(ctx)
	require.NoError(t, err)

	_, err = f.runner.Approve(ctx, slot.ID)
	require.Error(t, err)

	final, err := f.store.Get(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.False(t, final.HistoryWritten)

	entries, err := f.store.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
