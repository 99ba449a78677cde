// Package status реализует HTTP-обработчик опроса апгрейда:
// текущая фаза незавершённой попытки или сохранённый итог.
package status

import (
	"context"
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
	"github.com/magabrotheeeer/habit-entitlements/internal/services/payment"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/upgrade"
)

// Service описывает получение состояния апгрейда.
type Service interface {
	Status(ctx context.Context, attemptID string) (*upgrade.Result, *payment.View, error)
}

// View: ответ на опрос.
type View struct {
	AttemptID string         `json:"attempt_id"`
	Phase     payment.Phase  `json:"phase"`
	Reason    payment.Reason `json:"reason,omitempty"`
	Finished  bool           `json:"finished"`
	Committed bool           `json:"committed"`
	User      *models.User   `json:"user,omitempty"`
}

// Handler обрабатывает опрос апгрейда.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создает новый Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// ServeHTTP godoc
// @Summary Состояние апгрейда
// @Tags Upgrades
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Идентификатор попытки"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.ErrorResponse "Попытка не найдена"
// @Router /upgrades/{id} [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.upgrades.status"
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

	id := chi.URLParam(r, "id")
	res, live, err := h.service.Status(r.Context(), id)
	if errors.Is(err, payment.ErrAttemptNotFound) {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Error("attempt not found"))
		return
	}
	if err != nil {
		log.Error("failed to read upgrade status", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not read upgrade status"))
		return
	}

	var view View
	switch {
	case live != nil && live.IntentKey == user.UUID:
		view = View{AttemptID: live.AttemptID, Phase: live.Phase, Reason: live.Reason}
	case res != nil && res.UserUID == user.UUID:
		view = View{
			AttemptID: res.AttemptID,
			Phase:     res.Outcome.Phase,
			Reason:    res.Outcome.Reason,
			Finished:  true,
			Committed: res.Committed,
			User:      res.User,
		}
	default:
		// чужая попытка неотличима от несуществующей
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Error("attempt not found"))
		return
	}
	render.JSON(w, r, response.StatusOKWithData(view))
}
