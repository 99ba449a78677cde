// Package plans реализует HTTP-обработчик каталога планов.
package plans

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/habit-entitlements/internal/http/response"
	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
)

// Catalog описывает источник данных о планах.
type Catalog interface {
	FeaturesFor(p plancatalog.Plan) []string
	Feature(key string) (plancatalog.Feature, error)
}

// PlanView: план в ответе каталога.
type PlanView struct {
	Plan     plancatalog.Plan      `json:"plan"`
	Title    string                `json:"title"`
	Rank     int                   `json:"rank"`
	Features []plancatalog.Feature `json:"features"`
}

// Handler отдаёт каталог планов.
type Handler struct {
	log     *slog.Logger
	catalog Catalog
}

// New создает новый Handler.
func New(log *slog.Logger, catalog Catalog) *Handler {
	return &Handler{log: log, catalog: catalog}
}

// ServeHTTP godoc
// @Summary Каталог планов
// @Description Возвращает планы по возрастанию ранга с функциями и маршрутами.
// @Tags Plans
// @Produce  json
// @Success 200 {object} response.Response
// @Router /plans [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	views := make([]PlanView, 0, len(plancatalog.Plans()))
	for _, p := range plancatalog.Plans() {
		keys := h.catalog.FeaturesFor(p)
		features := make([]plancatalog.Feature, 0, len(keys))
		for _, key := range keys {
			f, err := h.catalog.Feature(key)
			if err != nil {
				h.log.Error("catalog lists feature it cannot describe", slog.String("feature", key))
				continue
			}
			features = append(features, f)
		}
		views = append(views, PlanView{Plan: p, Title: p.Title(), Rank: p.Rank(), Features: features})
	}
	render.JSON(w, r, response.StatusOKWithData(map[string]any{"plans": views}))
}
