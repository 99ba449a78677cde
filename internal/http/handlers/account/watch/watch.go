// Package watch отдаёт профиль текущего пользователя по WebSocket
// и присылает новый профиль при каждом изменении записи сессии.
package watch

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"

	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/account/me"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/middlewarectx"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/response"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
)

const writeWait = 10 * time.Second

// Watcher подписывает на изменения пользователя сессии.
type Watcher interface {
	Watch(sessionID string) (<-chan models.User, func())
}

// Handler обслуживает подписку.
type Handler struct {
	log      *slog.Logger
	watcher  Watcher
	engine   me.Entitlements
	upgrader websocket.Upgrader
}

// New создает новый Handler.
func New(log *slog.Logger, watcher Watcher, engine me.Entitlements) *Handler {
	return &Handler{
		log:     log,
		watcher: watcher,
		engine:  engine,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// ServeHTTP godoc
// @Summary Подписка на профиль
// @Description Открывает WebSocket. Первое сообщение: текущий профиль, далее профиль после каждого изменения.
// @Description Соединение закрывается при выходе из сессии.
// @Tags Account
// @Security BearerAuth
// @Success 101 {object} me.Profile
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Router /me/watch [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.account.watch"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	sessionID := middlewarectx.SessionIDFrom(r.Context())
	if sessionID == "" {
		log.Error("session identification missing")
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("user identification missing"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("websocket upgrade failed", sl.Err(err))
		return
	}
	defer conn.Close()

	updates, cancel := h.watcher.Watch(sessionID)
	defer cancel()

	// входящие сообщения не ожидаются, чтение нужно только для
	// обработки control-фреймов и обнаружения закрытия клиентом
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case user, ok := <-updates:
			if !ok {
				log.Info("session closed, ending watch")
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(me.Build(h.engine, &user)); err != nil {
				log.Warn("failed to push profile", sl.Err(err))
				return
			}
		case <-gone:
			return
		}
	}
}
