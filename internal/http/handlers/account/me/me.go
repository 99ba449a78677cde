// Package me реализует HTTP-обработчик профиля текущего пользователя:
// запись, состояние плана, доступные функции и рекомендуемый апгрейд.
package me

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/habit-entitlements/internal/http/middlewarectx"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/response"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/entitlement"
)

// Entitlements описывает вычисление доступа.
type Entitlements interface {
	PlanStatus(user *models.User) entitlement.Status
	Features(user *models.User) []string
	RecommendedUpgrade(user *models.User) plancatalog.Plan
}

// Profile: тело ответа /me.
type Profile struct {
	User               *models.User       `json:"user"`
	Status             entitlement.Status `json:"plan_status"`
	Features           []string           `json:"features"`
	RecommendedUpgrade plancatalog.Plan   `json:"recommended_upgrade"`
}

// Handler отдаёт профиль.
type Handler struct {
	log    *slog.Logger
	engine Entitlements
}

// New создает новый Handler.
func New(log *slog.Logger, engine Entitlements) *Handler {
	return &Handler{log: log, engine: engine}
}

// ServeHTTP godoc
// @Summary Профиль пользователя
// @Description Возвращает пользователя, состояние его плана и доступные функции.
// @Tags Account
// @Produce  json
// @Security BearerAuth
// @Success 200 {object} response.Response
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Router /me [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, ok := middlewarectx.UserFrom(r.Context())
	if !ok {
		h.log.Error("user identification missing")
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("user identification missing"))
		return
	}
	render.JSON(w, r, response.StatusOKWithData(Build(h.engine, user)))
}

// Build собирает профиль пользователя.
func Build(engine Entitlements, user *models.User) Profile {
	return Profile{
		User:               user,
		Status:             engine.PlanStatus(user),
		Features:           engine.Features(user),
		RecommendedUpgrade: engine.RecommendedUpgrade(user),
	}
}
