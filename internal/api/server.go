// Package api exposes the admin surface over HTTP: variation rules,
// schedule settings, slot inspection and the manual pipeline actions. Each
// route maps 1:1 onto a pipeline-runner or approval-gateway operation.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"StudioFeed/internal/domain"
	"StudioFeed/internal/pipeline"
	"StudioFeed/internal/ports"
)

const maxBodySize = 1 << 20 // 1MB

// Deps wires the admin handlers to the orchestration core.
type Deps struct {
	Runner  *pipeline.Runner
	Slots   ports.SlotRepository
	History ports.HistoryStore
	Rules   ports.RulesStore
	Token   string
	Logger  *slog.Logger
}

// NewHandler builds the admin router.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Get("/rules", handleGetRules(deps))
	r.Put("/rules", handlePutRules(deps))
	r.Get("/settings", handleGetSettings(deps))
	r.Put("/settings", handlePutSettings(deps))

	r.Get("/slots", handleListSlots(deps))
	r.Post("/slots", handleTrigger(deps))
	r.Get("/slots/{id}", handleGetSlot(deps))
	r.Delete("/slots/{id}", handleDeleteSlot(deps))
	r.Post("/slots/{id}/cancel", handleCancel(deps))
	r.Post("/slots/{id}/retry", handleRetry(deps))
	r.Post("/slots/{id}/approve", handleApprove(deps))
	r.Post("/slots/{id}/reject", handleReject(deps))

	r.Get("/history", handleHistory(deps))

	return r
}

func httpError(w http.ResponseWriter, status int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": fmt.Sprintf(format, args...)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// slotError maps core errors onto HTTP statuses.
func slotError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSlotNotFound):
		httpError(w, http.StatusNotFound, "slot not found")
	case errors.Is(err, domain.ErrAlreadyResolved):
		httpError(w, http.StatusConflict, "approval already resolved")
	case errors.Is(err, domain.ErrConcurrentModification):
		httpError(w, http.StatusConflict, "slot modified concurrently, retry")
	case errors.Is(err, domain.ErrInvalidTransition):
		httpError(w, http.StatusConflict, "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "%v", err)
	}
}

func handleGetRules(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rules, err := deps.Rules.Rules(r.Context())
		if err != nil {
			slotError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rules)
	}
}

func handlePutRules(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var rules domain.VariationRules
		if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
			httpError(w, http.StatusBadRequest, "invalid rules body: %v", err)
			return
		}
		if rules.SimilarityThreshold < 0 || rules.SimilarityThreshold > 100 {
			httpError(w, http.StatusBadRequest, "similarityThreshold must be 0-100")
			return
		}
		if err := deps.Rules.UpdateRules(r.Context(), rules); err != nil {
			slotError(w, err)
			return
		}
		deps.Logger.Info("variation rules updated")
		writeJSON(w, http.StatusOK, rules)
	}
}

func handleGetSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings, err := deps.Rules.Settings(r.Context())
		if err != nil {
			slotError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	}
}

func handlePutSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var settings domain.ScheduleSettings
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			httpError(w, http.StatusBadRequest, "invalid settings body: %v", err)
			return
		}
		if err := deps.Rules.UpdateSettings(r.Context(), settings); err != nil {
			slotError(w, err)
			return
		}
		deps.Logger.Info("schedule settings updated", "auto_production", settings.AutoProduction)
		writeJSON(w, http.StatusOK, settings)
	}
}

func handleListSlots(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := ports.SlotFilter{}
		if status := r.URL.Query().Get("status"); status != "" {
			filter.Statuses = []domain.Status{domain.Status(status)}
		}
		if limit := r.URL.Query().Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid limit %q", limit)
				return
			}
			filter.Limit = n
		}
		slots, err := deps.Slots.List(r.Context(), filter)
		if err != nil {
			slotError(w, err)
			return
		}
		if slots == nil {
			slots = []*domain.ScheduledSlot{}
		}
		writeJSON(w, http.StatusOK, slots)
	}
}

func handleTrigger(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, err := deps.Runner.StartAsync(r.Context())
		if err != nil {
			slotError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, slot)
	}
}

func handleGetSlot(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, err := deps.Slots.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			slotError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, slot)
	}
}

func handleDeleteSlot(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		slot, err := deps.Slots.Get(r.Context(), id)
		if err != nil {
			slotError(w, err)
			return
		}
		if !slot.Status.IsTerminal() {
			httpError(w, http.StatusConflict, "only terminal slots can be deleted")
			return
		}
		if err := deps.Slots.Delete(r.Context(), id); err != nil {
			slotError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Runner.Cancel(r.Context(), id); err != nil {
			slotError(w, err)
			return
		}
		slot, err := deps.Slots.Get(r.Context(), id)
		if err != nil {
			slotError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, slot)
	}
}

func handleRetry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Runner.Retry(r.Context(), id); err != nil && !isCapturedStageError(err) {
			slotError(w, err)
			return
		}
		slot, err := deps.Slots.Get(r.Context(), id)
		if err != nil {
			slotError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, slot)
	}
}

// isCapturedStageError reports whether the retry failed inside a stage.
// Those failures land on the slot record and the retried slot is still the
// meaningful response; only pre-flight errors (invalid transition, races)
// surface as HTTP errors.
func isCapturedStageError(err error) bool {
	if errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrConcurrentModification) ||
		errors.Is(err, domain.ErrSlotNotFound) {
		return false
	}
	return true
}

func handleApprove(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, err := deps.Runner.Approve(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			slotError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, slot)
	}
}

func handleReject(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, err := deps.Runner.Reject(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			slotError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, slot)
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid limit %q", raw)
				return
			}
			limit = n
		}
		entries, err := deps.History.Recent(r.Context(), limit)
		if err != nil {
			slotError(w, err)
			return
		}
		if entries == nil {
			entries = []domain.ProductionHistoryEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}
