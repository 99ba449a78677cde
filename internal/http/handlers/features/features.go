// Package features реализует проверку доступа к одной функции:
// ответ, причина отказа, маршрут и рекомендуемый план.
package features

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/habit-entitlements/internal/http/middlewarectx"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/response"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/entitlement"
)

// Entitlements описывает проверку доступа.
type Entitlements interface {
	CheckFeature(user *models.User, key string) (bool, error)
	Explain(user *models.User, key string) string
	RecommendedUpgrade(user *models.User) plancatalog.Plan
	HasFeature(user *models.User, key string) bool
}

// Catalog описывает каталог функций.
type Catalog interface {
	Feature(key string) (plancatalog.Feature, error)
}

// Access: ответ на проверку функции.
type Access struct {
	Feature         string           `json:"feature"`
	Allowed         bool             `json:"allowed"`
	RequiredPlan    plancatalog.Plan `json:"required_plan"`
	Route           string           `json:"route"`
	Reason          string           `json:"reason,omitempty"`
	RecommendedPlan plancatalog.Plan `json:"recommended_plan,omitempty"`
}

// Handler проверяет доступ к функции из URL.
type Handler struct {
	log     *slog.Logger
	engine  Entitlements
	catalog Catalog
}

// New создает новый Handler.
func New(log *slog.Logger, engine Entitlements, catalog Catalog) *Handler {
	return &Handler{log: log, engine: engine, catalog: catalog}
}

// ServeHTTP godoc
// @Summary Проверка доступа к функции
// @Tags Features
// @Produce  json
// @Security BearerAuth
// @Param key path string true "Ключ функции"
// @Success 200 {object} response.Response
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 404 {object} response.ErrorResponse "Функция не зарегистрирована"
// @Router /features/{key} [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.features.check"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	user, ok := middlewarectx.UserFrom(r.Context())
	if !ok {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("user identification missing"))
		return
	}

	key := chi.URLParam(r, "key")
	f, err := h.catalog.Feature(key)
	if err != nil {
		// HasFeature пишет в лог обращение к незарегистрированной функции.
		h.engine.HasFeature(user, key)
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Error("unknown feature"))
		return
	}

	allowed, err := h.engine.CheckFeature(user, key)
	if err != nil && !errors.Is(err, entitlement.ErrInactiveUser) {
		log.Error("feature check failed", slog.String("feature", key), sl.Err(err))
	}
	access := Access{
		Feature:      key,
		Allowed:      allowed,
		RequiredPlan: f.RequiredPlan,
		Route:        f.Route,
	}
	if !allowed {
		access.Reason = h.engine.Explain(user, key)
		access.RecommendedPlan = h.engine.RecommendedUpgrade(user)
	}
	render.JSON(w, r, response.StatusOKWithData(access))
}
