package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/magabrotheeeer/habit-entitlements/internal/models"
)

// PlanChangedHandler возвращает обработчик событий plan.changed.
// Событие может прийти от другого экземпляра сервиса, поэтому запись
// пользователя перечитывается из хранилища и рассылается через Publish.
// Пользователи без открытых сессий пропускаются.
func (m *Manager) PlanChangedHandler(ctx context.Context) func([]byte) error {
	return func(body []byte) error {
		const op = "session.PlanChangedHandler"

		var ev models.PlanChangedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			m.log.Error("malformed plan.changed event dropped", slog.String("op", op), slog.String("body", string(body)))
			return nil
		}
		if ev.UserUID == "" || m.Sessions(ev.UserUID) == 0 {
			return nil
		}

		u, err := m.users.GetUser(ctx, ev.UserUID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		m.Publish(*u)
		m.log.Debug("session user refreshed from event",
			slog.String("uid", ev.UserUID),
			slog.String("plan", string(u.Plan)),
			slog.String("source", ev.Source))
		return nil
	}
}
