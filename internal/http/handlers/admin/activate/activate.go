// Package activate реализует включение и отключение аккаунта администратором.
// Отключённый аккаунт теряет доступ ко всем функциям, план при этом сохраняется.
package activate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/habit-entitlements/internal/http/response"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
	"github.com/magabrotheeeer/habit-entitlements/internal/storage/repository"
)

// Request: новое состояние аккаунта.
type Request struct {
	Active *bool `json:"active"`
}

// Users описывает изменение флага активности.
type Users interface {
	SetActive(ctx context.Context, userUID string, active bool) (*models.User, error)
}

// Sessions рассылает обновлённую запись открытым сессиям.
type Sessions interface {
	Publish(user models.User)
}

// Handler обрабатывает изменение активности.
type Handler struct {
	log      *slog.Logger
	users    Users
	sessions Sessions
}

// New создает новый Handler.
func New(log *slog.Logger, users Users, sessions Sessions) *Handler {
	return &Handler{log: log, users: users, sessions: sessions}
}

// ServeHTTP godoc
// @Summary Включить или отключить аккаунт
// @Tags Admin
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param id path string true "UID пользователя"
// @Param request body Request true "Новое состояние"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.ErrorResponse "Пользователь не найден"
// @Router /admin/users/{id}/active [put]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.activate"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}

	uid := chi.URLParam(r, "id")
	updated, err := h.users.SetActive(r.Context(), uid, *req.Active)
	if errors.Is(err, repository.ErrNotFound) {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Error("user not found"))
		return
	}
	if err != nil {
		log.Error("failed to change account state", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to change account state"))
		return
	}
	h.sessions.Publish(*updated)

	log.Info("account state changed", slog.String("uid", uid), slog.Bool("active", updated.IsActive))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{"user": updated}))
}
