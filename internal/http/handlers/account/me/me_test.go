package me

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/habit-entitlements/internal/http/middlewarectx"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/entitlement"
)

func TestMeHandler_ServeHTTP(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := entitlement.NewEngine(plancatalog.Default(), log, entitlement.WithClock(func() time.Time { return now }))
	h := New(log, engine)

	t.Run("expired pro is served as free", func(t *testing.T) {
		expiry := now.Add(-time.Hour)
		u := models.DefaultUser("u-1", "john@example.com", "John")
		u.Plan, u.PlanExpiry = plancatalog.Pro, &expiry

		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req = req.WithContext(middlewarectx.WithUser(req.Context(), "s-1", "tok", u))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Data Profile `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Data.Status.Expired)
		assert.Equal(t, plancatalog.Free, resp.Data.Status.EffectivePlan)
		assert.Equal(t, plancatalog.Default().FeaturesFor(plancatalog.Free), resp.Data.Features)
		assert.Equal(t, plancatalog.Premium, resp.Data.RecommendedUpgrade)
		assert.Equal(t, plancatalog.Pro, resp.Data.User.Plan)
	})

	t.Run("no user", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
