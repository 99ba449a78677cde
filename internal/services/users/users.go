// Package users: доступ к записям пользователей с кешированием в redis.
package users

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/habit-entitlements/internal/cache"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
)

// DefaultTTL: время жизни записи пользователя в кеше.
const DefaultTTL = 5 * time.Minute

// Repository определяет методы для работы с пользователями в хранилище.
type Repository interface {
	// GetUser возвращает пользователя по UID.
	GetUser(ctx context.Context, userUID string) (*models.User, error)
	// GetUserByEmail возвращает пользователя по email.
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	// CreateUser сохраняет нового пользователя.
	CreateUser(ctx context.Context, user models.User) (*models.User, error)
	// UpdateUser применяет частичное обновление и возвращает новую запись.
	UpdateUser(ctx context.Context, userUID string, patch models.UserPatch) (*models.User, error)
	// SetActive включает или отзывает доступ пользователя.
	SetActive(ctx context.Context, userUID string, active bool) error
	// ListPlansExpiringBefore находит платные планы, истекающие до before.
	ListPlansExpiringBefore(ctx context.Context, now, before time.Time) ([]*models.User, error)
}

// Cache описывает методы для кэширования данных.
type Cache interface {
	// Get пытается получить значение из кеша по ключу.
	Get(ctx context.Context, key string, result any) (bool, error)
	// Set сохраняет значение в кеш с временем жизни.
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	// Invalidate удаляет значение из кеша по ключу.
	Invalidate(ctx context.Context, key string) error
}

// Service реализует доступ к пользователям: чтение через кеш,
// запись в хранилище с обновлением кеша.
type Service struct {
	repo  Repository
	cache Cache
	ttl   time.Duration
	log   *slog.Logger
}

// NewService создает новый экземпляр Service.
func NewService(repo Repository, cache Cache, ttl time.Duration, log *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		repo:  repo,
		cache: cache,
		ttl:   ttl,
		log:   log,
	}
}

// GetUser возвращает пользователя, используя кеш или репозиторий.
// Ошибка кеша не прерывает чтение.
func (s *Service) GetUser(ctx context.Context, userUID string) (*models.User, error) {
	const op = "users.GetUser"

	key := cache.UserKey(userUID)
	var cached models.User
	found, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		s.log.Warn("failed to read user from cache", slog.String("key", key), sl.Err(err))
	}
	if found {
		return &cached, nil
	}

	u, err := s.repo.GetUser(ctx, userUID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.remember(ctx, u)
	return u, nil
}

// GetUserByEmail читает пользователя из хранилища вместе с хэшем пароля.
func (s *Service) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "users.GetUserByEmail"

	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// CreateUser сохраняет пользователя и кладёт его в кеш.
func (s *Service) CreateUser(ctx context.Context, user models.User) (*models.User, error) {
	const op = "users.CreateUser"

	u, err := s.repo.CreateUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.log.Info("created new user", slog.String("uid", u.UUID), slog.String("plan", string(u.Plan)))
	s.remember(ctx, u)
	return u, nil
}

// UpdateUser применяет патч в хранилище и обновляет кеш.
func (s *Service) UpdateUser(ctx context.Context, userUID string, patch models.UserPatch) (*models.User, error) {
	const op = "users.UpdateUser"

	u, err := s.repo.UpdateUser(ctx, userUID, patch)
	if err != nil {
		s.forget(ctx, userUID)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.remember(ctx, u)
	return u, nil
}

// SetActive меняет флаг активности и сбрасывает кеш.
func (s *Service) SetActive(ctx context.Context, userUID string, active bool) (*models.User, error) {
	const op = "users.SetActive"

	if err := s.repo.SetActive(ctx, userUID, active); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.forget(ctx, userUID)
	return s.GetUser(ctx, userUID)
}

// ListPlansExpiringBefore проксирует запрос в хранилище без кеша.
func (s *Service) ListPlansExpiringBefore(ctx context.Context, now, before time.Time) ([]*models.User, error) {
	const op = "users.ListPlansExpiringBefore"

	list, err := s.repo.ListPlansExpiringBefore(ctx, now, before)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return list, nil
}

func (s *Service) remember(ctx context.Context, u *models.User) {
	key := cache.UserKey(u.UUID)
	if err := s.cache.Set(ctx, key, u, s.ttl); err != nil {
		s.log.Warn("failed to cache user", slog.String("key", key), sl.Err(err))
		s.forget(ctx, u.UUID)
	}
}

func (s *Service) forget(ctx context.Context, userUID string) {
	key := cache.UserKey(userUID)
	if err := s.cache.Invalidate(ctx, key); err != nil {
		s.log.Warn("failed to remove user from cache", slog.String("key", key), sl.Err(err))
	}
}
