// Package export реализует выгрузку данных аккаунта. Маршрут закрыт
// проверкой функции data_export.
package export

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/account/me"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/middlewarectx"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/response"
)

// Archive: выгрузка аккаунта.
type Archive struct {
	ExportedAt time.Time  `json:"exported_at"`
	Profile    me.Profile `json:"profile"`
}

// Handler отдаёт выгрузку.
type Handler struct {
	log    *slog.Logger
	engine me.Entitlements
	now    func() time.Time
}

// New создает новый Handler.
func New(log *slog.Logger, engine me.Entitlements) *Handler {
	return &Handler{log: log, engine: engine, now: time.Now}
}

// ServeHTTP godoc
// @Summary Выгрузка данных аккаунта
// @Description Доступна с плана Pro.
// @Tags Account
// @Produce  json
// @Security BearerAuth
// @Success 200 {object} response.Response
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 403 {object} response.Response "Функция недоступна на текущем плане"
// @Router /export [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, ok := middlewarectx.UserFrom(r.Context())
	if !ok {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("user identification missing"))
		return
	}
	h.log.Info("account exported", slog.String("uid", user.UUID))
	w.Header().Set("Content-Disposition", `attachment; filename="account.json"`)
	render.JSON(w, r, response.StatusOKWithData(Archive{
		ExportedAt: h.now().UTC(),
		Profile:    me.Build(h.engine, user),
	}))
}
