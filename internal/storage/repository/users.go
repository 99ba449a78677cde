package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/magabrotheeeer/habit-entitlements/internal/models"
	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
)

const userColumns = `uid, email, name, password_hash, role, plan, plan_expiry, has_paid, is_active, created_at`

// pgUniqueViolation: код ошибки PostgreSQL при нарушении уникальности.
const pgUniqueViolation = "23505"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u      models.User
		plan   string
		expiry sql.NullTime
	)
	if err := row.Scan(&u.UUID, &u.Email, &u.Name, &u.PasswordHash, &u.Role,
		&plan, &expiry, &u.HasPaid, &u.IsActive, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Plan = plancatalog.Plan(plan)
	if expiry.Valid {
		t := expiry.Time
		u.PlanExpiry = &t
	}
	return &u, nil
}

// CreateUser сохраняет нового пользователя. Пустой UUID заменяется новым.
func (s *Storage) CreateUser(ctx context.Context, user models.User) (*models.User, error) {
	const op = "storage.CreateUser"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	if user.UUID == "" {
		user.UUID = uuid.New().String()
	}
	if user.Plan == "" {
		user.Plan = plancatalog.Free
	}
	if user.Role == "" {
		user.Role = models.RoleUser
	}
	var expiry sql.NullTime
	if user.PlanExpiry != nil {
		expiry = sql.NullTime{Time: *user.PlanExpiry, Valid: true}
	}

	query := `INSERT INTO users (uid, email, name, password_hash, role, plan, plan_expiry, has_paid, is_active)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			  RETURNING ` + userColumns
	row := s.DB.QueryRowContext(ctx, query,
		user.UUID, strings.ToLower(user.Email), user.Name, user.PasswordHash, user.Role,
		string(user.Plan), expiry, user.HasPaid, user.IsActive)
	created, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("%s: %w", op, ErrUserExists)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return created, nil
}

// GetUser возвращает пользователя по его UID.
func (s *Storage) GetUser(ctx context.Context, userUID string) (*models.User, error) {
	const op = "storage.GetUser"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE uid = $1`
	u, err := scanUser(s.DB.QueryRowContext(ctx, query, userUID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// GetUserByEmail возвращает пользователя по email без учёта регистра.
func (s *Storage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.GetUserByEmail"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	u, err := scanUser(s.DB.QueryRowContext(ctx, query, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// UpdateUser атомарно применяет патч к полям плана и возвращает обновлённую запись.
func (s *Storage) UpdateUser(ctx context.Context, userUID string, patch models.UserPatch) (*models.User, error) {
	const op = "storage.UpdateUser"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	if patch.Empty() {
		return s.GetUser(ctx, userUID)
	}

	var (
		plan   sql.NullString
		expiry sql.NullTime
		paid   sql.NullBool
	)
	if patch.Plan != nil {
		plan = sql.NullString{String: string(*patch.Plan), Valid: true}
	}
	if patch.PlanExpiry != nil {
		expiry = sql.NullTime{Time: *patch.PlanExpiry, Valid: true}
	}
	if patch.HasPaid != nil {
		paid = sql.NullBool{Bool: *patch.HasPaid, Valid: true}
	}

	query := `UPDATE users
			  SET plan = COALESCE($2, plan),
			      plan_expiry = CASE WHEN $3 THEN NULL ELSE COALESCE($4, plan_expiry) END,
			      has_paid = COALESCE($5, has_paid)
			  WHERE uid = $1
			  RETURNING ` + userColumns
	u, err := scanUser(s.DB.QueryRowContext(ctx, query, userUID, plan, patch.ClearExpiry, expiry, paid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// ListPlansExpiringBefore находит активных пользователей платных планов,
// срок которых ещё не истёк, но истекает раньше before.
func (s *Storage) ListPlansExpiringBefore(ctx context.Context, now, before time.Time) ([]*models.User, error) {
	const op = "storage.ListPlansExpiringBefore"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + userColumns + `
			  FROM users
			  WHERE plan <> 'free'
			    AND is_active
			    AND plan_expiry IS NOT NULL
			    AND plan_expiry > $1
			    AND plan_expiry <= $2
			  ORDER BY plan_expiry`
	rows, err := s.DB.QueryContext(ctx, query, now, before)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, u)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// SetActive включает или отзывает доступ пользователя.
func (s *Storage) SetActive(ctx context.Context, userUID string, active bool) error {
	const op = "storage.SetActive"

	res, err := s.DB.ExecContext(ctx, `UPDATE users SET is_active = $1 WHERE uid = $2`, active, userUID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
