// Package session отвечает за вход, регистрацию и выход, а также хранит
// "текущего пользователя" каждой сессии с возможностью подписки на изменения.
//
// Ошибка загрузки записи пользователя при входе не блокирует сессию:
// вместо неё выдаётся пользователь с планом Free, а ошибка пишется в лог.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/habit-entitlements/internal/cache"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/jwt"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/password"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
	"github.com/magabrotheeeer/habit-entitlements/internal/storage/repository"
)

var (
	// ErrInvalidCredentials: неверный email или пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailTaken: email уже зарегистрирован.
	ErrEmailTaken = errors.New("email already registered")
	// ErrSessionResolutionFailed: запись пользователя не удалось загрузить,
	// сессия работает с запасным пользователем Free.
	ErrSessionResolutionFailed = errors.New("session user resolution failed")
	// ErrSessionRevoked: сессия завершена через Logout.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrUnauthenticated: токен отсутствует или недействителен.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// UserStore описывает доступ к записям пользователей.
type UserStore interface {
	GetUser(ctx context.Context, userUID string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, user models.User) (*models.User, error)
	UpdateUser(ctx context.Context, userUID string, patch models.UserPatch) (*models.User, error)
}

// Revocations хранит отозванные сессии до истечения их токенов.
type Revocations interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
}

// TokenMaker выпускает и проверяет токены сессий.
type TokenMaker interface {
	jwt.Maker
	TTL() time.Duration
}

// Identity: личность, подтверждённая внешним провайдером.
type Identity struct {
	ID    string
	Email string
	Name  string
}

// Session: выданная сессия.
type Session struct {
	ID        string      `json:"session_id"`
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      models.User `json:"user"`
	// Degraded: пользователь не загружен из хранилища, выдан запасной Free.
	Degraded bool `json:"degraded,omitempty"`
}

type state struct {
	user     models.User
	watchers map[int]chan models.User
}

// Manager управляет сессиями в памяти процесса.
type Manager struct {
	users       UserStore
	tokens      TokenMaker
	revocations Revocations
	log         *slog.Logger
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*state
	byUser   map[string]map[string]struct{}
	nextID   int
}

// NewManager создает новый экземпляр Manager.
func NewManager(users UserStore, tokens TokenMaker, revocations Revocations, log *slog.Logger) *Manager {
	return &Manager{
		users:       users,
		tokens:      tokens,
		revocations: revocations,
		log:         log,
		now:         time.Now,
		sessions:    make(map[string]*state),
		byUser:      make(map[string]map[string]struct{}),
	}
}

// Register создаёт пользователя с планом Free и открывает для него сессию.
func (m *Manager) Register(ctx context.Context, email, name, rawPassword string) (*Session, error) {
	const op = "session.Register"

	hashed, err := password.GetHash(rawPassword)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	u := models.DefaultUser("", email, name)
	u.PasswordHash = hashed

	created, err := m.users.CreateUser(ctx, u)
	if errors.Is(err, repository.ErrUserExists) {
		return nil, fmt.Errorf("%s: %w", op, ErrEmailTaken)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m.log.Info("user registered", slog.String("uid", created.UUID))
	return m.open(*created, false)
}

// Login проверяет пароль и открывает сессию.
func (m *Manager) Login(ctx context.Context, email, rawPassword string) (*Session, error) {
	const op = "session.Login"

	u, err := m.users.GetUserByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := password.CompareHash(u.PasswordHash, rawPassword); err != nil {
		if errors.Is(err, password.ErrMismatch) {
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return m.open(*u, false)
}

// SignInExternal открывает сессию для личности внешнего провайдера.
// Никогда не возвращает nil: при ошибке хранилища выдаётся запасной пользователь Free.
func (m *Manager) SignInExternal(ctx context.Context, id Identity) *Session {
	const op = "session.SignInExternal"
	log := m.log.With(sl.Op(op), slog.String("uid", id.ID))

	user, degraded := m.resolve(ctx, id, log)
	s, err := m.open(user, degraded)
	if err != nil {
		log.Error("failed to issue session token", sl.Err(err))
		return &Session{User: user, Degraded: true}
	}
	return s
}

// Authenticate проверяет токен и обновляет пользователя сессии из хранилища.
func (m *Manager) Authenticate(ctx context.Context, token string) (*Session, error) {
	const op = "session.Authenticate"

	claims, err := m.tokens.ParseToken(token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrUnauthenticated, err)
	}
	revoked, err := m.revocations.Exists(ctx, cache.RevokedTokenKey(claims.SessionID()))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if revoked {
		return nil, fmt.Errorf("%s: %w", op, ErrSessionRevoked)
	}

	u, err := m.users.GetUser(ctx, claims.UserUID())
	if err != nil {
		m.log.Warn("session user reload failed, keeping last known record",
			slog.String("uid", claims.UserUID()), sl.Err(err))
		if cur, ok := m.Current(claims.SessionID()); ok {
			u = &cur
		} else {
			fallback := models.DefaultUser(claims.UserUID(), "", "")
			u = &fallback
		}
	}
	m.attach(claims.SessionID(), *u)

	cur, _ := m.Current(claims.SessionID())
	return &Session{
		ID:        claims.SessionID(),
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
		User:      cur,
	}, nil
}

// Logout отзывает токен и закрывает подписки сессии.
func (m *Manager) Logout(ctx context.Context, token string) error {
	const op = "session.Logout"

	claims, err := m.tokens.ParseToken(token)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrUnauthenticated, err)
	}
	ttl := claims.ExpiresAt.Time.Sub(m.now())
	if ttl > 0 {
		if err := m.revocations.Set(ctx, cache.RevokedTokenKey(claims.SessionID()), true, ttl); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	m.drop(claims.SessionID())
	m.log.Info("session closed", slog.String("uid", claims.UserUID()))
	return nil
}

// Current возвращает текущего пользователя сессии.
func (m *Manager) Current(sessionID string) (models.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return models.User{}, false
	}
	return st.user, true
}

// Watch подписывает на изменения пользователя сессии. Канал сразу содержит
// текущее значение, хранит только последнее и закрывается при выходе
// из сессии или вызове cancel. Для неизвестной сессии канал уже закрыт.
func (m *Manager) Watch(sessionID string) (<-chan models.User, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan models.User, 1)
	st, ok := m.sessions[sessionID]
	if !ok {
		close(ch)
		return ch, func() {}
	}
	m.nextID++
	id := m.nextID
	st.watchers[id] = ch
	ch <- st.user

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if cur, ok := m.sessions[sessionID]; ok {
				if w, ok := cur.watchers[id]; ok {
					delete(cur.watchers, id)
					close(w)
				}
			}
		})
	}
	return ch, cancel
}

// Publish заменяет запись пользователя во всех его сессиях
// и уведомляет подписчиков, если запись изменилась.
func (m *Manager) Publish(user models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sid := range m.byUser[user.UUID] {
		m.setLocked(m.sessions[sid], user)
	}
}

// Sessions возвращает число открытых сессий пользователя.
func (m *Manager) Sessions(userUID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userUID])
}

func (m *Manager) resolve(ctx context.Context, id Identity, log *slog.Logger) (models.User, bool) {
	fallback := models.DefaultUser(id.ID, id.Email, id.Name)

	u, err := m.users.GetUser(ctx, id.ID)
	switch {
	case err == nil:
		return m.repair(ctx, *u, log), false
	case errors.Is(err, repository.ErrNotFound):
		created, cerr := m.users.CreateUser(ctx, fallback)
		if cerr != nil {
			log.Error("failed to create default user record", sl.Err(fmt.Errorf("%w: %w", ErrSessionResolutionFailed, cerr)))
			return fallback, true
		}
		log.Info("created default record for first sign-in")
		return *created, false
	default:
		log.Error("failed to resolve user record", sl.Err(fmt.Errorf("%w: %w", ErrSessionResolutionFailed, err)))
		return fallback, true
	}
}

// repair приводит запись с неизвестным планом к Free.
func (m *Manager) repair(ctx context.Context, u models.User, log *slog.Logger) models.User {
	if u.Plan.Valid() {
		return u
	}
	log.Warn("repairing user record with unknown plan", slog.String("plan", string(u.Plan)))
	free := plancatalog.Free
	patch := models.UserPatch{Plan: &free, ClearExpiry: true}
	fixed, err := m.users.UpdateUser(ctx, u.UUID, patch)
	if err != nil {
		log.Error("failed to persist repaired record", sl.Err(err))
		return patch.Apply(u)
	}
	return *fixed
}

func (m *Manager) open(user models.User, degraded bool) (*Session, error) {
	sid := uuid.New().String()
	token, err := m.tokens.GenerateToken(user.UUID, user.Role, sid)
	if err != nil {
		return nil, err
	}
	m.attach(sid, user)
	return &Session{
		ID:        sid,
		Token:     token,
		ExpiresAt: m.now().Add(m.tokens.TTL()),
		User:      user,
		Degraded:  degraded,
	}, nil
}

func (m *Manager) attach(sessionID string, user models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sessions[sessionID]; ok {
		m.setLocked(st, user)
		return
	}
	m.sessions[sessionID] = &state{user: user, watchers: make(map[int]chan models.User)}
	if m.byUser[user.UUID] == nil {
		m.byUser[user.UUID] = make(map[string]struct{})
	}
	m.byUser[user.UUID][sessionID] = struct{}{}
}

func (m *Manager) drop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	for id, w := range st.watchers {
		delete(st.watchers, id)
		close(w)
	}
	delete(m.sessions, sessionID)
	if set := m.byUser[st.user.UUID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.byUser, st.user.UUID)
		}
	}
}

// setLocked вызывается под m.mu.
func (m *Manager) setLocked(st *state, user models.User) {
	if st == nil || st.user.Equal(user) {
		return
	}
	st.user = user
	for _, w := range st.watchers {
		select {
		case <-w:
		default:
		}
		w <- user
	}
}
