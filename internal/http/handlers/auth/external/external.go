// Package external реализует HTTP-обработчик входа через внешнего провайдера личности.
package external

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/habit-entitlements/internal/http/response"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/jwt"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/session"
)

// Request: токен личности, выданный провайдером.
type Request struct {
	IDToken string `json:"id_token" validate:"required"`
}

// Verifier проверяет токен личности.
type Verifier interface {
	VerifyIdentity(token string) (*jwt.IdentityClaims, error)
}

// Service открывает сессию для подтверждённой личности.
type Service interface {
	SignInExternal(ctx context.Context, id session.Identity) *session.Session
}

// Handler обрабатывает вход через провайдера.
type Handler struct {
	log      *slog.Logger
	verifier Verifier
	service  Service
	validate *validator.Validate
}

// New создает новый Handler.
func New(log *slog.Logger, verifier Verifier, service Service) *Handler {
	return &Handler{
		log:      log,
		verifier: verifier,
		service:  service,
		validate: validator.New(),
	}
}

// ServeHTTP godoc
// @Summary Вход через провайдера личности
// @Description Проверяет токен провайдера и открывает сессию. При первом входе создаётся запись с планом Free.
// @Description Если хранилище недоступно, сессия выдаётся с запасным пользователем Free и флагом degraded.
// @Tags Auth
// @Accept  json
// @Produce  json
// @Param request body Request true "Токен личности"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.ErrorResponse "Некорректный JSON"
// @Failure 401 {object} response.ErrorResponse "Недействительный токен личности"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Router /auth/external [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.external"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request body", sl.Err(err))
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

	claims, err := h.verifier.VerifyIdentity(req.IDToken)
	if err != nil {
		log.Info("identity token rejected", sl.Err(err))
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("invalid identity token"))
		return
	}

	s := h.service.SignInExternal(r.Context(), session.Identity{
		ID:    claims.Subject,
		Email: claims.Email,
		Name:  claims.Name,
	})
	if s.Token == "" {
		log.Error("session token was not issued", slog.String("uid", claims.Subject))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to open session"))
		return
	}

	if s.Degraded {
		log.Warn("user signed in with fallback record", slog.String("uid", s.User.UUID))
	} else {
		log.Info("user signed in", slog.String("uid", s.User.UUID))
	}
	render.JSON(w, r, response.StatusOKWithData(s))
}
