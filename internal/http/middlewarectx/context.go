package middlewarectx

import (
	"context"

	"github.com/magabrotheeeer/habit-entitlements/internal/models"
)

// Key тип для ключей контекста HTTP-запроса.
type Key string

const (
	// UserUID: ключ для UID пользователя в контексте
	UserUID Key = "user_uid"
	// Role: ключ для роли пользователя в контексте
	Role Key = "role"
	// SessionID: ключ для идентификатора сессии в контексте
	SessionID Key = "session_id"
	// Token: ключ для исходного токена сессии в контексте
	Token Key = "token"
	// CurrentUser: ключ для записи пользователя в контексте
	CurrentUser Key = "user"
)

// WithUser кладёт пользователя сессии в контекст.
func WithUser(ctx context.Context, sessionID, token string, user models.User) context.Context {
	ctx = context.WithValue(ctx, UserUID, user.UUID)
	ctx = context.WithValue(ctx, Role, user.Role)
	ctx = context.WithValue(ctx, SessionID, sessionID)
	ctx = context.WithValue(ctx, Token, token)
	return context.WithValue(ctx, CurrentUser, &user)
}

// UserFrom возвращает пользователя сессии из контекста.
func UserFrom(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(CurrentUser).(*models.User)
	return u, ok && u != nil
}

// TokenFrom возвращает токен сессии из контекста.
func TokenFrom(ctx context.Context) string {
	t, _ := ctx.Value(Token).(string)
	return t
}

// SessionIDFrom возвращает идентификатор сессии из контекста.
func SessionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(SessionID).(string)
	return id
}
