package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/habit-entitlements/internal/models"
	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
)

var columns = []string{"uid", "email", "name", "password_hash", "role", "plan", "plan_expiry", "has_paid", "is_active", "created_at"}

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Storage{DB: db}, mock
}

func TestStorage_GetUser(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	expiry := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		setup   func(m sqlmock.Sqlmock)
		want    *models.User
		wantErr error
	}{
		{
			name: "found with expiry",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE uid = $1`)).
					WithArgs("u-1").
					WillReturnRows(sqlmock.NewRows(columns).
						AddRow("u-1", "john@example.com", "John", "hash", "user", "pro", expiry, true, true, created))
			},
			want: &models.User{
				UUID: "u-1", Email: "john@example.com", Name: "John", PasswordHash: "hash", Role: "user",
				Plan: plancatalog.Pro, PlanExpiry: &expiry, HasPaid: true, IsActive: true, CreatedAt: created,
			},
		},
		{
			name: "free without expiry",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE uid = $1`)).
					WithArgs("u-1").
					WillReturnRows(sqlmock.NewRows(columns).
						AddRow("u-1", "john@example.com", "John", "", "user", "free", nil, false, true, created))
			},
			want: &models.User{
				UUID: "u-1", Email: "john@example.com", Name: "John", Role: "user",
				Plan: plancatalog.Free, IsActive: true, CreatedAt: created,
			},
		},
		{
			name: "not found",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE uid = $1`)).
					WithArgs("u-1").
					WillReturnError(sql.ErrNoRows)
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStorage(t)
			tt.setup(mock)

			got, err := s.GetUser(context.Background(), "u-1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStorage_CreateUser(t *testing.T) {
	s, mock := newMockStorage(t)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users`)).
		WithArgs(sqlmock.AnyArg(), "john@example.com", "John", "hash", "user", "free", nil, false, true).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("generated", "john@example.com", "John", "hash", "user", "free", nil, false, true, created))

	u := models.DefaultUser("", "John@Example.com", "John")
	u.PasswordHash = "hash"
	got, err := s.CreateUser(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, "generated", got.UUID)
	assert.Equal(t, plancatalog.Free, got.Plan)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_CreateUser_Duplicate(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users`)).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := s.CreateUser(context.Background(), models.DefaultUser("u-1", "john@example.com", "John"))
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestStorage_UpdateUser(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	expiry := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	pro := plancatalog.Pro
	free := plancatalog.Free
	paid := true

	tests := []struct {
		name  string
		patch models.UserPatch
		args  []driver.Value
		row   []driver.Value
	}{
		{
			name:  "paid upgrade",
			patch: models.UserPatch{Plan: &pro, PlanExpiry: &expiry, HasPaid: &paid},
			args: []driver.Value{"u-1", sql.NullString{String: "pro", Valid: true}, false,
				sql.NullTime{Time: expiry, Valid: true}, sql.NullBool{Bool: true, Valid: true}},
			row: []driver.Value{"u-1", "a@b.c", "A", "", "user", "pro", expiry, true, true, created},
		},
		{
			name:  "downgrade clears expiry",
			patch: models.UserPatch{Plan: &free, ClearExpiry: true},
			args:  []driver.Value{"u-1", sql.NullString{String: "free", Valid: true}, true, sql.NullTime{}, sql.NullBool{}},
			row:   []driver.Value{"u-1", "a@b.c", "A", "", "user", "free", nil, true, true, created},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStorage(t)
			mock.ExpectQuery(regexp.QuoteMeta(`UPDATE users`)).
				WithArgs(tt.args...).
				WillReturnRows(sqlmock.NewRows(columns).AddRow(tt.row...))

			got, err := s.UpdateUser(context.Background(), "u-1", tt.patch)
			require.NoError(t, err)
			assert.Equal(t, tt.patch.Apply(models.User{}).Plan, got.Plan)
			if tt.patch.ClearExpiry {
				assert.Nil(t, got.PlanExpiry)
			} else {
				require.NotNil(t, got.PlanExpiry)
				assert.True(t, got.PlanExpiry.Equal(expiry))
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStorage_UpdateUser_NotFound(t *testing.T) {
	s, mock := newMockStorage(t)
	pro := plancatalog.Pro

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE users`)).WillReturnError(sql.ErrNoRows)

	_, err := s.UpdateUser(context.Background(), "missing", models.UserPatch{Plan: &pro})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorage_ListPlansExpiringBefore(t *testing.T) {
	s, mock := newMockStorage(t)
	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	soon := now.Add(3 * 24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`plan_expiry <= $2`)).
		WithArgs(now, now.Add(7*24*time.Hour)).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("u-1", "a@b.c", "A", "", "user", "pro", soon, true, true, now).
			AddRow("u-2", "c@d.e", "C", "", "user", "basic", soon, true, true, now))

	got, err := s.ListPlansExpiringBefore(context.Background(), now, now.Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, plancatalog.Basic, got[1].Plan)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_SetActive(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET is_active`)).
		WithArgs(false, "u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET is_active`)).
		WithArgs(false, "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.SetActive(context.Background(), "u-1", false))
	assert.ErrorIs(t, s.SetActive(context.Background(), "missing", false), ErrNotFound)
}

func TestStorage_CanceledContext(t *testing.T) {
	s, _ := newMockStorage(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GetUser(ctx, "u-1")
	assert.True(t, errors.Is(err, context.Canceled))
}
