package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// ListRules returns every stored rule, or the active snapshot when rules
// come from a file.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.Repository != nil {
		defs, err := h.Repository.ListRules(r.Context())
		if err != nil {
			slog.Error("failed to list rules", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list rules")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"rules":  nonNilRules(defs),
			"count":  len(defs),
			"source": domain.RuleSourceRepository,
		})
		return
	}

	var defs []*domain.RuleDefinition
	if h.Registry != nil {
		if set := h.Registry.Current(); set != nil {
			defs = set.Definitions
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  nonNilRules(defs),
		"count":  len(defs),
		"source": "snapshot",
	})
}

// GetRule returns one rule by name.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if h.Repository == nil {
		if h.Registry != nil {
			if set := h.Registry.Current(); set != nil {
				for _, def := range set.Definitions {
					if def.Name == name {
						writeJSON(w, http.StatusOK, def)
						return
					}
				}
			}
		}
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	def, err := h.Repository.GetRule(r.Context(), name)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		slog.Error("failed to get rule", "name", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get rule")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// CreateRule validates a definition against the compiler and upserts it.
// The rule takes effect on the next reload.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	if h.Repository == nil {
		writeError(w, http.StatusServiceUnavailable, "rules are not stored in the repository")
		return
	}

	var def domain.RuleDefinition
	if !decodeBody(w, r, &def) {
		return
	}
	if def.Name == "" || def.Content == "" {
		writeError(w, http.StatusBadRequest, "name and content are required")
		return
	}
	if !def.Type.Storable() {
		writeError(w, http.StatusBadRequest, "type must be EXPRESSION or COMPILED")
		return
	}

	if h.Compiler != nil {
		if diags := h.Compiler.Validate(&def); len(diags) > 0 {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":       "rule does not compile",
				"diagnostics": diags,
			})
			return
		}
	}

	if err := h.Repository.SaveRule(r.Context(), &def); err != nil {
		if errors.Is(err, repository.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("failed to save rule", "name", def.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	slog.Info("rule saved", "name", def.Name, "type", def.Type, "enabled", def.Enabled)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    def,
		"message": "Rule saved. Call POST /rules/reload to apply changes.",
	})
}

// UpdateRuleRequest toggles a rule or changes its priority.
type UpdateRuleRequest struct {
	Enabled  *bool `json:"enabled,omitempty"`
	Priority *int  `json:"priority,omitempty"`
}

// UpdateRule handles PUT /rules/{name}.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	if h.Repository == nil {
		writeError(w, http.StatusServiceUnavailable, "rules are not stored in the repository")
		return
	}

	var req UpdateRuleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil && req.Priority == nil {
		writeError(w, http.StatusBadRequest, "enabled or priority is required")
		return
	}

	var err error
	if req.Enabled != nil {
		err = h.Repository.SetRuleEnabled(ctx, name, *req.Enabled)
	}
	if err == nil && req.Priority != nil {
		err = h.Repository.SetRulePriority(ctx, name, *req.Priority)
	}
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		slog.Error("failed to update rule", "name", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update rule")
		return
	}

	def, err := h.Repository.GetRule(ctx, name)
	if err != nil {
		slog.Error("failed to read updated rule", "name", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read rule")
		return
	}
	slog.Info("rule updated", "name", name, "enabled", def.Enabled, "priority", def.Priority)
	writeJSON(w, http.StatusOK, map[string]any{
		"rule":    def,
		"message": "Rule updated. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules rebuilds the active rule set from the store.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	report, err := h.Screener.ReloadRules(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, report)
	case errors.Is(err, rules.ErrNoRuleStore):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, rules.ErrReloadInProgress):
		writeJSON(w, http.StatusConflict, report)
	case errors.Is(err, rules.ErrInvalidRuleSet):
		writeJSON(w, http.StatusUnprocessableEntity, report)
	default:
		writeJSON(w, http.StatusInternalServerError, report)
	}
}

// RuleStatus reports the active rule set and the last reload attempt.
func (h *Handler) RuleStatus(w http.ResponseWriter, r *http.Request) {
	if h.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "rule registry not available")
		return
	}
	writeJSON(w, http.StatusOK, h.Registry.Status())
}

func nonNilRules(defs []*domain.RuleDefinition) []*domain.RuleDefinition {
	if defs == nil {
		return []*domain.RuleDefinition{}
	}
	return defs
}
