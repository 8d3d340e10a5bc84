package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"StudioFeed/internal/approval"
	"StudioFeed/internal/diversity"
	"StudioFeed/internal/domain"
	"StudioFeed/internal/infrastructure/memory"
	"StudioFeed/internal/pipeline"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type fakeCatalog struct {
	products   []domain.Product
	candidates map[domain.Dimension][]domain.Candidate
}

func (f *fakeCatalog) Products(ctx context.Context) ([]domain.Product, error) {
	return f.products, nil
}

func (f *fakeCatalog) Candidates(ctx context.Context, dim domain.Dimension) ([]domain.Candidate, error) {
	return f.candidates[dim], nil
}

type fakeComposer struct{}

func (fakeComposer) Compose(ctx context.Context, product domain.Product, scene domain.SceneSelection) (domain.PromptSpec, error) {
	return domain.PromptSpec{Prompt: fmt.Sprintf("%s in %s", product.Name, scene.ScenarioID)}, nil
}

type fakeGenerator struct{}

func (fakeGenerator) Render(ctx context.Context, spec domain.PromptSpec) (domain.ImageArtifact, error) {
	return domain.ImageArtifact{Ref: "img-1", Cost: 0.04}, nil
}

type fakeScorer struct{}

func (fakeScorer) Score(ctx context.Context, image domain.ImageArtifact) (domain.QualityReport, error) {
	return domain.QualityReport{Score: 8.5}, nil
}

type fakeChannel struct{}

func (fakeChannel) Notify(ctx context.Context, slot *domain.ScheduledSlot) (string, error) {
	return "msg-1", nil
}

type fakePublisher struct{}

func (fakePublisher) Publish(ctx context.Context, slot *domain.ScheduledSlot) (string, error) {
	return "post-1", nil
}

type fixture struct {
	server *httptest.Server
	store  *memory.Store
	runner *pipeline.Runner
}

func newFixture(t *testing.T, token string) *fixture {
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
	gateway := approval.New(store, fakeChannel{}, logger)
	runner := pipeline.NewRunner(pipeline.Deps{
		Slots:        store,
		History:      store,
		Rules:        store,
		Catalog:      catalog,
		Composer:     fakeComposer{},
		Generator:    fakeGenerator{},
		Scorer:       fakeScorer{},
		Publisher:    fakePublisher{},
		Gateway:      gateway,
		Diversity:    diversity.NewWithRand(logger, rand.New(rand.NewSource(7))),
		QualityFloor: 7.0,
		Logger:       logger,
	})

	handler := NewHandler(Deps{
		Runner:  runner,
		Slots:   store,
		History: store,
		Rules:   store,
		Token:   token,
		Logger:  logger,
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &fixture{server: server, store: store, runner: runner}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeSlot(t *testing.T, resp *http.Response) domain.ScheduledSlot {
	t.Helper()
	var slot domain.ScheduledSlot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&slot))
	return slot
}

// runToAwaiting produces a slot synchronously so handler tests have
// deterministic state to act on.
func runToAwaiting(t *testing.T, f *fixture) *domain.ScheduledSlot {
	t.Helper()
	slot, err := f.runner.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.StatusAwaitingApproval, slot.Status)
	return slot
}

func TestRulesRoundTrip(t *testing.T) {
	f := newFixture(t, "")

	resp := f.do(t, http.MethodGet, "/rules", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rules domain.VariationRules
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rules))
	assert.Equal(t, domain.DefaultVariationRules(), rules)

	rules.ScenarioGap = 5
	rules.PetFrequency = 10
	resp = f.do(t, http.MethodPut, "/rules", rules)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := f.store.Rules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stored.ScenarioGap)
	assert.Equal(t, 10, stored.PetFrequency)
}

func TestPutRulesRejectsBadThreshold(t *testing.T) {
	f := newFixture(t, "")

	rules := domain.DefaultVariationRules()
	rules.SimilarityThreshold = 150
	resp := f.do(t, http.MethodPut, "/rules", rules)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t, "")

	resp := f.do(t, http.MethodPut, "/settings", domain.ScheduleSettings{AutoProduction: true, CadenceMinutes: 60})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := f.store.Settings(context.Background())
	require.NoError(t, err)
	assert.True(t, stored.AutoProduction)
	assert.Equal(t, 60, stored.CadenceMinutes)
}

func TestTriggerRunsPipeline(t *testing.T) {
	f := newFixture(t, "")

	resp := f.do(t, http.MethodPost, "/slots", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	slot := decodeSlot(t, resp)
	require.NotEmpty(t, slot.ID)

	require.Eventually(t, func() bool {
		current, err := f.store.Get(context.Background(), slot.ID)
		return err == nil && current.Status == domain.StatusAwaitingApproval
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApproveFlow(t *testing.T) {
	f := newFixture(t, "")
	slot := runToAwaiting(t, f)

	resp := f.do(t, http.MethodPost, "/slots/"+slot.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	approved := decodeSlot(t, resp)
	assert.Equal(t, domain.StatusPublished, approved.Status)
	assert.Equal(t, "post-1", approved.Result.PublishedRef)

	// approving again conflicts
	resp = f.do(t, http.MethodPost, "/slots/"+slot.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRejectFlow(t *testing.T) {
	f := newFixture(t, "")
	slot := runToAwaiting(t, f)

	resp := f.do(t, http.MethodPost, "/slots/"+slot.ID+"/reject", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rejected := decodeSlot(t, resp)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
}

func TestCancelSlot(t *testing.T) {
	f := newFixture(t, "")
	slot := runToAwaiting(t, f)

	resp := f.do(t, http.MethodPost, "/slots/"+slot.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := decodeSlot(t, resp)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
}

func TestListSlotsFilters(t *testing.T) {
	f := newFixture(t, "")
	first := runToAwaiting(t, f)
	_ = f.do(t, http.MethodPost, "/slots/"+first.ID+"/approve", nil)
	runToAwaiting(t, f)

	resp := f.do(t, http.MethodGet, "/slots?status=published", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var slots []domain.ScheduledSlot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&slots))
	require.Len(t, slots, 1)
	assert.Equal(t, first.ID, slots[0].ID)
}

func TestDeleteSlotOnlyTerminal(t *testing.T) {
	f := newFixture(t, "")
	slot := runToAwaiting(t, f)

	resp := f.do(t, http.MethodDelete, "/slots/"+slot.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_ = f.do(t, http.MethodPost, "/slots/"+slot.ID+"/reject", nil)
	resp = f.do(t, http.MethodDelete, "/slots/"+slot.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/slots/"+slot.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	f := newFixture(t, "")
	slot := runToAwaiting(t, f)
	_ = f.do(t, http.MethodPost, "/slots/"+slot.ID+"/approve", nil)

	resp := f.do(t, http.MethodGet, "/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []domain.ProductionHistoryEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "coffee", entries[0].ProductType)
}

func TestBearerAuth(t *testing.T) {
	f := newFixture(t, "secret-token")

	resp := f.do(t, http.MethodGet, "/rules", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/rules", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret-token")
	authed, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}
