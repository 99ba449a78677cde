package logout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/habit-entitlements/internal/http/middlewarectx"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
)

type ServiceMock struct {
	mock.Mock
}

func (m *ServiceMock) Logout(ctx context.Context, token string) error {
	return m.Called(ctx, token).Error(0)
}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestLogoutHandler_ServeHTTP(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		mockErr  error
		wantCode int
	}{
		{name: "success", token: "tok", wantCode: http.StatusOK},
		{name: "revocation failure", token: "tok", mockErr: errors.New("redis down"), wantCode: http.StatusInternalServerError},
		{name: "no session", wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(ServiceMock)
			if tt.token != "" {
				svc.On("Logout", mock.Anything, tt.token).Return(tt.mockErr).Once()
			}
			req := httptest.NewRequest(http.MethodPost, "/logout", nil)
			if tt.token != "" {
				req = req.WithContext(middlewarectx.WithUser(req.Context(), "s-1", tt.token, models.DefaultUser("u-1", "", "")))
			}
			rec := httptest.NewRecorder()
			New(newNoopLogger(), svc).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			svc.AssertExpectations(t)
		})
	}
}
