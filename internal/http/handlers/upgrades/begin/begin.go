// Package begin реализует HTTP-обработчик запуска апгрейда плана.
//
// Платный план запускает платёжную попытку и отвечает 202 с её
// идентификатором. Переход на Free фиксируется сразу и отвечает 200.
package begin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/habit-entitlements/internal/http/middlewarectx"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/response"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/payment"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/upgrade"
)

// MaxWait ограничивает ожидание итога при запросе с wait=true.
const MaxWait = 30 * time.Second

// Request: запрос на апгрейд.
type Request struct {
	Plan     string            `json:"plan" validate:"required,oneof=free basic pro premium"`
	Amount   float64           `json:"amount" validate:"gte=0"`
	Memo     string            `json:"memo" validate:"max=256"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Service описывает запуск апгрейда.
type Service interface {
	Begin(ctx context.Context, user *models.User, target plancatalog.Plan, params models.PaymentParams) (*upgrade.Pending, error)
}

// Handler обрабатывает запросы на апгрейд.
type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

// New создает новый Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// ServeHTTP godoc
// @Summary Апгрейд плана
// @Description Запускает оплату плана. С wait=true ждёт итога до 30 секунд.
// @Tags Upgrades
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param request body Request true "Целевой план и параметры платежа"
// @Param wait query bool false "Ждать итога"
// @Success 200 {object} response.Response "План изменён"
// @Success 202 {object} response.Response "Платёж запущен"
// @Failure 400 {object} response.ErrorResponse "Некорректный JSON"
// @Failure 403 {object} response.ErrorResponse "Пользователь деактивирован"
// @Failure 409 {object} response.ErrorResponse "Платёж уже выполняется"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Router /upgrades [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.upgrades.begin"
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
	target := plancatalog.Plan(req.Plan)
	if target != plancatalog.Free && req.Amount <= 0 {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error("field Amount must be greater than 0"))
		return
	}

	pending, err := h.service.Begin(r.Context(), user, target, models.PaymentParams{
		Amount:   req.Amount,
		Memo:     req.Memo,
		Metadata: req.Metadata,
	})
	switch {
	case errors.Is(err, upgrade.ErrInvalidTarget):
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error("plan is below the current plan"))
		return
	case errors.Is(err, upgrade.ErrInactiveUser):
		render.Status(r, http.StatusForbidden)
		render.JSON(w, r, response.Error("account is inactive"))
		return
	case errors.Is(err, payment.ErrAttemptAlreadyInProgress):
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, response.Error("payment attempt already in progress"))
		return
	case err != nil:
		log.Error("failed to begin upgrade", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to begin upgrade"))
		return
	}

	if pending.AttemptID == "" {
		res, _ := pending.Wait(r.Context())
		log.Info("plan changed without payment", slog.String("plan", req.Plan))
		render.JSON(w, r, response.StatusOKWithData(res))
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ctx, cancel := context.WithTimeout(r.Context(), MaxWait)
		defer cancel()
		res, err := pending.Wait(ctx)
		if res.AttemptID != "" {
			if err != nil && !res.Committed {
				log.Info("upgrade finished without commit", sl.Err(err))
			}
			render.JSON(w, r, response.StatusOKWithData(res))
			return
		}
	}

	log.Info("upgrade payment started", slog.String("attempt_id", pending.AttemptID))
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"attempt_id": pending.AttemptID,
		"plan":       target,
	}))
}
