package export

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

func TestExportHandler_BehindFeatureGate(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := entitlement.NewEngine(plancatalog.Default(), log, entitlement.WithClock(func() time.Time { return now }))

	h := New(log, engine)
	h.now = func() time.Time { return now }
	gated := middlewarectx.RequireFeature(log, engine, plancatalog.FeatureDataExport)(h)

	serve := func(plan plancatalog.Plan) *httptest.ResponseRecorder {
		expiry := now.Add(10 * 24 * time.Hour)
		u := models.DefaultUser("u-1", "john@example.com", "John")
		u.Plan, u.PlanExpiry = plan, &expiry

		req := httptest.NewRequest(http.MethodGet, "/export", nil)
		req = req.WithContext(middlewarectx.WithUser(req.Context(), "s-1", "tok", u))
		rec := httptest.NewRecorder()
		gated.ServeHTTP(rec, req)
		return rec
	}

	t.Run("pro user gets archive", func(t *testing.T) {
		rec := serve(plancatalog.Pro)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "account.json")

		var resp struct {
			Data Archive `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Data.ExportedAt.Equal(now))
		assert.Equal(t, "u-1", resp.Data.Profile.User.UUID)
		assert.Contains(t, resp.Data.Profile.Features, plancatalog.FeatureDataExport)
	})

	t.Run("basic user is denied", func(t *testing.T) {
		rec := serve(plancatalog.Basic)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), string(plancatalog.Pro))
	})

	t.Run("no user", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/export", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
