// Package grant реализует административную выдачу плана без оплаты.
package grant

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/habit-entitlements/internal/http/response"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/upgrade"
	"github.com/magabrotheeeer/habit-entitlements/internal/storage/repository"
)

// Request: запрос на выдачу плана. Пустой expires_at означает бессрочный план.
type Request struct {
	UserID    string     `json:"user_id" validate:"required"`
	Plan      string     `json:"plan" validate:"required,oneof=free basic pro premium"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Users описывает чтение записи пользователя.
type Users interface {
	GetUser(ctx context.Context, userUID string) (*models.User, error)
}

// Granter описывает выдачу плана.
type Granter interface {
	GrantPlanAdministratively(ctx context.Context, user *models.User, plan plancatalog.Plan, expiry *time.Time) (*models.User, error)
}

// Handler обрабатывает выдачу плана.
type Handler struct {
	log      *slog.Logger
	users    Users
	granter  Granter
	validate *validator.Validate
	now      func() time.Time
}

// New создает новый Handler.
func New(log *slog.Logger, users Users, granter Granter) *Handler {
	return &Handler{
		log:      log,
		users:    users,
		granter:  granter,
		validate: validator.New(),
		now:      time.Now,
	}
}

// ServeHTTP godoc
// @Summary Выдать план
// @Description Выставляет план без оплаты. Доступно только администраторам.
// @Tags Admin
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param request body Request true "Пользователь и план"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.ErrorResponse "Нужна роль admin"
// @Failure 404 {object} response.ErrorResponse "Пользователь не найден"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Router /admin/grants [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.grant"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		log.Error("validation failed", sl.Err(err))
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(h.now()) {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error("field ExpiresAt must be in the future"))
		return
	}

	user, err := h.users.GetUser(r.Context(), req.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Error("user not found"))
		return
	}
	if err != nil {
		log.Error("failed to load user", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to grant plan"))
		return
	}

	updated, err := h.granter.GrantPlanAdministratively(r.Context(), user, plancatalog.Plan(req.Plan), req.ExpiresAt)
	if errors.Is(err, upgrade.ErrInvalidTarget) {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error("unknown plan"))
		return
	}
	if err != nil {
		log.Error("failed to grant plan", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to grant plan"))
		return
	}

	log.Info("plan granted", slog.String("uid", updated.UUID), slog.String("plan", string(updated.Plan)))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{"user": updated}))
}
