// Package models содержит доменную модель пользователя и вспомогательные
// структуры для частичного обновления записи.
// Структуры используются в бизнес‑логике и при работе с хранилищем.
package models

import (
	"time"

	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
)

const (
	// RoleUser: роль обычного пользователя.
	RoleUser = "user"
	// RoleAdmin: роль администратора, которому доступна выдача планов без оплаты.
	RoleAdmin = "admin"
)

// User представляет пользователя приложения вместе с его тарифным планом.
//
// PlanExpiry равен nil только для плана Free или для плана,
// выданного администратором без срока действия.
type User struct {
	UUID         string           `json:"id"`          // Стабильный идентификатор пользователя
	Email        string           `json:"email"`       // Электронная почта
	Name         string           `json:"name"`        // Отображаемое имя
	PasswordHash string           `json:"-"`           // Хэш пароля, пустой для внешних провайдеров
	Role         string           `json:"role"`        // Роль пользователя, admin или user
	Plan         plancatalog.Plan `json:"plan"`        // Текущий тарифный план
	PlanExpiry   *time.Time       `json:"plan_expiry"` // Дата истечения оплаченного плана
	HasPaid      bool             `json:"has_paid"`    // Был ли хотя бы один успешный платёж
	IsActive     bool             `json:"is_active"`   // false отзывает любой доступ
	CreatedAt    time.Time        `json:"created_at"`
}

// DefaultUser возвращает запись с планом Free для только что
// аутентифицированной личности, у которой ещё нет записи в хранилище.
func DefaultUser(id, email, name string) User {
	return User{
		UUID:     id,
		Email:    email,
		Name:     name,
		Role:     RoleUser,
		Plan:     plancatalog.Free,
		IsActive: true,
	}
}

// Equal сравнивает записи по значению. Моменты времени сравниваются
// через time.Time.Equal, поэтому запись, прошедшая через JSON, равна исходной.
func (u User) Equal(o User) bool {
	return u.UUID == o.UUID &&
		u.Email == o.Email &&
		u.Name == o.Name &&
		u.PasswordHash == o.PasswordHash &&
		u.Role == o.Role &&
		u.Plan == o.Plan &&
		sameInstant(u.PlanExpiry, o.PlanExpiry) &&
		u.HasPaid == o.HasPaid &&
		u.IsActive == o.IsActive &&
		u.CreatedAt.Equal(o.CreatedAt)
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// UserPatch описывает частичное обновление полей, связанных с планом.
// Поля со значением nil не изменяются.
type UserPatch struct {
	Plan        *plancatalog.Plan
	PlanExpiry  *time.Time
	ClearExpiry bool // сбросить PlanExpiry в NULL, имеет приоритет над PlanExpiry
	HasPaid     *bool
}

// Empty сообщает, что патч ничего не меняет.
func (p UserPatch) Empty() bool {
	return p.Plan == nil && p.PlanExpiry == nil && !p.ClearExpiry && p.HasPaid == nil
}

// Apply возвращает копию пользователя с применённым патчем.
func (p UserPatch) Apply(u User) User {
	if p.Plan != nil {
		u.Plan = *p.Plan
	}
	if p.ClearExpiry {
		u.PlanExpiry = nil
	} else if p.PlanExpiry != nil {
		t := *p.PlanExpiry
		u.PlanExpiry = &t
	}
	if p.HasPaid != nil {
		u.HasPaid = *p.HasPaid
	}
	return u
}
