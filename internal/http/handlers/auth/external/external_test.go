package external

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/habit-entitlements/internal/lib/jwt"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/session"
)

type VerifierMock struct {
	mock.Mock
}

func (m *VerifierMock) VerifyIdentity(token string) (*jwt.IdentityClaims, error) {
	args := m.Called(token)
	c, _ := args.Get(0).(*jwt.IdentityClaims)
	return c, args.Error(1)
}

type ServiceMock struct {
	mock.Mock
}

func (m *ServiceMock) SignInExternal(ctx context.Context, id session.Identity) *session.Session {
	args := m.Called(ctx, id)
	return args.Get(0).(*session.Session)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func TestExternalHandler_ServeHTTP(t *testing.T) {
	claims := &jwt.IdentityClaims{
		Email:            "alice@example.com",
		Name:             "Alice",
		RegisteredClaims: gojwt.RegisteredClaims{Subject: "pi:alice"},
	}
	identity := session.Identity{ID: "pi:alice", Email: "alice@example.com", Name: "Alice"}
	fallback := models.DefaultUser("pi:alice", "alice@example.com", "Alice")

	tests := []struct {
		name        string
		body        string
		verifyErr   error
		signIn      *session.Session
		wantCode    int
		wantDegrade bool
	}{
		{
			name:     "first sign-in",
			body:     `{"id_token":"good"}`,
			signIn:   &session.Session{ID: "s-1", Token: "tok", User: fallback},
			wantCode: http.StatusOK,
		},
		{
			name:        "store unavailable",
			body:        `{"id_token":"good"}`,
			signIn:      &session.Session{ID: "s-1", Token: "tok", User: fallback, Degraded: true},
			wantCode:    http.StatusOK,
			wantDegrade: true,
		},
		{
			name:     "token not issued",
			body:     `{"id_token":"good"}`,
			signIn:   &session.Session{User: fallback, Degraded: true},
			wantCode: http.StatusInternalServerError,
		},
		{
			name:      "rejected identity",
			body:      `{"id_token":"forged"}`,
			verifyErr: jwt.ErrInvalidToken,
			wantCode:  http.StatusUnauthorized,
		},
		{
			name:     "missing token",
			body:     `{}`,
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "broken json",
			body:     `{`,
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier := new(VerifierMock)
			svc := new(ServiceMock)
			if tt.verifyErr != nil {
				verifier.On("VerifyIdentity", "forged").Return(nil, tt.verifyErr)
			} else {
				verifier.On("VerifyIdentity", "good").Return(claims, nil)
			}
			if tt.signIn != nil {
				svc.On("SignInExternal", mock.Anything, identity).Return(tt.signIn)
			}

			req := httptest.NewRequest(http.MethodPost, "/auth/external", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			New(newNoopLogger(), verifier, svc).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.signIn == nil {
				svc.AssertNumberOfCalls(t, "SignInExternal", 0)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var resp struct {
				Data session.Session `json:"data"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "tok", resp.Data.Token)
			assert.Equal(t, tt.wantDegrade, resp.Data.Degraded)
		})
	}
}

func TestExternalHandler_RealVerifier(t *testing.T) {
	verifier := jwt.NewIdentityVerifier("secret", "habit-identity")
	svc := new(ServiceMock)

	body, err := json.Marshal(Request{IDToken: "header.payload.signature"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/auth/external", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	New(newNoopLogger(), verifier, svc).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	svc.AssertNumberOfCalls(t, "SignInExternal", 0)
}
