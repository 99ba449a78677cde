package entitlementapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/habit-entitlements/internal/cache"
	"github.com/magabrotheeeer/habit-entitlements/internal/config"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/account/me"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/health"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/payment/callback"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/jwt"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/entitlement"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/payment"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/session"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/upgrade"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/users"
	"github.com/magabrotheeeer/habit-entitlements/internal/storage/repository"
)

const (
	webhookSecret  = "whsec"
	identitySecret = "idsec"
	identityIssuer = "habit-identity"
)

// memoryRepo: хранилище пользователей в памяти.
type memoryRepo struct {
	mu    sync.Mutex
	users map[string]models.User
	down  error
}

func (m *memoryRepo) setDown(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = err
}

func (m *memoryRepo) GetUser(_ context.Context, uid string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return nil, m.down
	}
	u, ok := m.users[uid]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (m *memoryRepo) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memoryRepo) CreateUser(_ context.Context, user models.User) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return nil, repository.ErrUserExists
		}
	}
	if user.UUID == "" {
		user.UUID = uuid.NewString()
	}
	m.users[user.UUID] = user
	return &user, nil
}

func (m *memoryRepo) UpdateUser(_ context.Context, uid string, patch models.UserPatch) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[uid]
	if !ok {
		return nil, repository.ErrNotFound
	}
	u = patch.Apply(u)
	m.users[uid] = u
	return &u, nil
}

func (m *memoryRepo) SetActive(_ context.Context, uid string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[uid]
	if !ok {
		return repository.ErrNotFound
	}
	u.IsActive = active
	m.users[uid] = u
	return nil
}

func (m *memoryRepo) ListPlansExpiringBefore(context.Context, time.Time, time.Time) ([]*models.User, error) {
	return nil, nil
}

type acceptingGateway struct{}

func (acceptingGateway) CreatePayment(context.Context, payment.CreateRequest) error { return nil }
func (acceptingGateway) Approve(context.Context, string) error                     { return nil }
func (acceptingGateway) Complete(context.Context, string, string) error            { return nil }

type discardEvents struct{}

func (discardEvents) Publish(context.Context, string, any) error { return nil }

func newTestRouter(t *testing.T) (http.Handler, *memoryRepo) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	c, err := cache.InitServer(context.Background(), config.RedisConnection{AddressRedis: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	repo := &memoryRepo{users: map[string]models.User{}}
	userService := users.NewService(repo, c, time.Minute, log)
	sessions := session.NewManager(userService, jwt.NewJWTMaker("secret", time.Hour), c, log)
	engine := entitlement.NewEngine(plancatalog.Default(), log)
	processor := payment.NewProcessor(acceptingGateway{}, payment.Config{}, log,
		payment.WithListener(upgrade.NewOutcomeEvents(discardEvents{}, log)))
	coordinator := upgrade.NewCoordinator(processor, userService, engine, sessions, discardEvents{}, c, upgrade.Config{}, log)

	r := chi.NewRouter()
	RegisterRoutes(r, log, Deps{
		Sessions:      sessions,
		Users:         userService,
		Engine:        engine,
		Upgrades:      coordinator,
		Payments:      processor,
		Health:        map[string]health.Checker{"redis": func(ctx context.Context) error { return c.Db.Ping(ctx).Err() }},
		Identities:    jwt.NewIdentityVerifier(identitySecret, identityIssuer),
		WebhookSecret: webhookSecret,
		RateLimit:     1000,
		RateBurst:     1000,
	})
	return r, repo
}

type envelope struct {
	Status string          `json:"status"`
	Error  string          `json:"error"`
	Data   json.RawMessage `json:"data"`
}

func call(t *testing.T, h http.Handler, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") != "" && rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &env)
	}
	return rec.Code, env
}

func signedCallback(t *testing.T, h http.Handler, cb payment.Callback) int {
	t.Helper()
	body, err := json.Marshal(cb)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/callbacks", bytes.NewReader(body))
	req.Header.Set(callback.SignatureHeader, callback.Sign(webhookSecret, body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRoutes_UpgradeFlow(t *testing.T) {
	h, _ := newTestRouter(t)

	code, env := call(t, h, http.MethodPost, "/api/v1/register", "", map[string]string{
		"name": "John", "email": "john@example.com", "password": "secret123",
	})
	require.Equal(t, http.StatusCreated, code, env.Error)
	var s session.Session
	require.NoError(t, json.Unmarshal(env.Data, &s))
	require.NotEmpty(t, s.Token)

	code, _ = call(t, h, http.MethodGet, "/api/v1/export", s.Token, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env = call(t, h, http.MethodPost, "/api/v1/upgrades", s.Token, map[string]any{
		"plan": "pro", "amount": 9.99, "memo": "Pro plan",
	})
	require.Equal(t, http.StatusAccepted, code, env.Error)
	var started struct {
		AttemptID string `json:"attempt_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &started))
	require.NotEmpty(t, started.AttemptID)

	code, _ = call(t, h, http.MethodPost, "/api/v1/upgrades", s.Token, map[string]any{
		"plan": "premium", "amount": 19.99,
	})
	assert.Equal(t, http.StatusConflict, code)

	require.Equal(t, http.StatusOK, signedCallback(t, h, payment.Callback{
		Event: payment.EventReadyForServerApproval, AttemptID: started.AttemptID, PaymentID: "pay-1",
	}))
	require.Equal(t, http.StatusOK, signedCallback(t, h, payment.Callback{
		Event: payment.EventReadyForServerCompletion, PaymentID: "pay-1", TxID: "tx-1",
	}))

	require.Eventually(t, func() bool {
		code, env := call(t, h, http.MethodGet, "/api/v1/upgrades/"+started.AttemptID, s.Token, nil)
		if code != http.StatusOK {
			return false
		}
		var v struct {
			Committed bool `json:"committed"`
		}
		return json.Unmarshal(env.Data, &v) == nil && v.Committed
	}, 2*time.Second, 20*time.Millisecond)

	code, _ = call(t, h, http.MethodGet, "/api/v1/export", s.Token, nil)
	assert.Equal(t, http.StatusOK, code)

	code, env = call(t, h, http.MethodGet, "/api/v1/me", s.Token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"effective_plan":"pro"`)
}

func TestRoutes_AccessControl(t *testing.T) {
	h, _ := newTestRouter(t)

	code, _ := call(t, h, http.MethodGet, "/api/v1/plans", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = call(t, h, http.MethodGet, "/api/v1/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env := call(t, h, http.MethodPost, "/api/v1/register", "", map[string]string{
		"name": "Jane", "email": "jane@example.com", "password": "secret123",
	})
	require.Equal(t, http.StatusCreated, code)
	var s session.Session
	require.NoError(t, json.Unmarshal(env.Data, &s))

	code, _ = call(t, h, http.MethodPost, "/api/v1/admin/grants", s.Token, map[string]string{
		"user_id": s.User.UUID, "plan": "premium",
	})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = call(t, h, http.MethodPost, "/api/v1/logout", s.Token, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = call(t, h, http.MethodGet, "/api/v1/me", s.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = call(t, h, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = call(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func identityToken(t *testing.T, subject, email string) string {
	t.Helper()
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, jwt.IdentityClaims{
		Email: email,
		Name:  "Ext",
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    identityIssuer,
			ExpiresAt: gojwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(identitySecret))
	require.NoError(t, err)
	return token
}

func TestRoutes_ExternalSignIn(t *testing.T) {
	t.Run("first sign-in creates free record", func(t *testing.T) {
		h, repo := newTestRouter(t)

		code, env := call(t, h, http.MethodPost, "/api/v1/auth/external", "", map[string]string{
			"id_token": identityToken(t, "ext-1", "ext@example.com"),
		})
		require.Equal(t, http.StatusOK, code, env.Error)
		var s session.Session
		require.NoError(t, json.Unmarshal(env.Data, &s))
		assert.False(t, s.Degraded)
		assert.Equal(t, plancatalog.Free, s.User.Plan)

		stored, err := repo.GetUser(context.Background(), "ext-1")
		require.NoError(t, err)
		assert.Equal(t, "ext@example.com", stored.Email)

		code, _ = call(t, h, http.MethodGet, "/api/v1/me", s.Token, nil)
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("store down yields degraded free session", func(t *testing.T) {
		h, repo := newTestRouter(t)
		repo.setDown(errors.New("connection refused"))

		code, env := call(t, h, http.MethodPost, "/api/v1/auth/external", "", map[string]string{
			"id_token": identityToken(t, "ext-2", "down@example.com"),
		})
		require.Equal(t, http.StatusOK, code, env.Error)
		var s session.Session
		require.NoError(t, json.Unmarshal(env.Data, &s))
		assert.True(t, s.Degraded)
		assert.Equal(t, "ext-2", s.User.UUID)
		assert.Equal(t, plancatalog.Free, s.User.Plan)
		require.NotEmpty(t, s.Token)

		code, env = call(t, h, http.MethodGet, "/api/v1/me", s.Token, nil)
		require.Equal(t, http.StatusOK, code)
		assert.Contains(t, string(env.Data), `"effective_plan":"free"`)
	})

	t.Run("forged identity is rejected", func(t *testing.T) {
		h, _ := newTestRouter(t)
		forged, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.RegisteredClaims{
			Subject: "ext-3", Issuer: identityIssuer, ExpiresAt: gojwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString([]byte("not-the-secret"))
		require.NoError(t, err)

		code, _ := call(t, h, http.MethodPost, "/api/v1/auth/external", "", map[string]string{"id_token": forged})
		assert.Equal(t, http.StatusUnauthorized, code)
	})
}

func TestRoutes_WatchFollowsUpgrade(t *testing.T) {
	h, _ := newTestRouter(t)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	code, env := call(t, h, http.MethodPost, "/api/v1/auth/external", "", map[string]string{
		"id_token": identityToken(t, "ext-1", "ext@example.com"),
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	var s session.Session
	require.NoError(t, json.Unmarshal(env.Data, &s))

	header := http.Header{"Authorization": []string{"Bearer " + s.Token}}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/me/watch", header)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var profile me.Profile
	require.NoError(t, conn.ReadJSON(&profile))
	assert.Equal(t, plancatalog.Free, profile.Status.EffectivePlan)

	code, env = call(t, h, http.MethodPost, "/api/v1/upgrades", s.Token, map[string]any{"plan": "pro", "amount": 9.99})
	require.Equal(t, http.StatusAccepted, code, env.Error)
	var started struct {
		AttemptID string `json:"attempt_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &started))
	require.Equal(t, http.StatusOK, signedCallback(t, h, payment.Callback{
		Event: payment.EventReadyForServerApproval, AttemptID: started.AttemptID, PaymentID: "pay-1",
	}))
	require.Equal(t, http.StatusOK, signedCallback(t, h, payment.Callback{
		Event: payment.EventReadyForServerCompletion, PaymentID: "pay-1", TxID: "tx-1",
	}))
	// повтор завершения после успеха не считается ошибкой доставки
	assert.Equal(t, http.StatusOK, signedCallback(t, h, payment.Callback{
		Event: payment.EventReadyForServerCompletion, PaymentID: "pay-1", TxID: "tx-1",
	}))

	require.NoError(t, conn.ReadJSON(&profile))
	assert.Equal(t, plancatalog.Pro, profile.Status.EffectivePlan)
	assert.True(t, profile.User.HasPaid)

	code, _ = call(t, h, http.MethodPost, "/api/v1/logout", s.Token, nil)
	require.Equal(t, http.StatusOK, code)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
