package handlers

import (
	"net/http"

	"github.com/renderdeck/backend/internal/catalog"
)

type modelInfo struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	CostPerSecond int64            `json:"cost_per_second"`
	ResolutionPct map[string]int64 `json:"resolution_pct"`
}

// ListModels serves GET /api/v1/models (public, no auth).
func ListModels(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		models := cat.List()
		out := make([]modelInfo, len(models))
		for i, m := range models {
			out[i] = modelInfo{
				ID:            m.ID,
				Name:          m.Name,
				CostPerSecond: m.CostPerSecond,
				ResolutionPct: m.ResolutionPct,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": out})
	}
}
