package domain

import "time"

// Role определяет права пользователя.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Valid проверяет, что роль известна.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// User — учётная запись оператора API.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsAdmin сообщает, есть ли у пользователя права администратора.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// UserPatch — частичное обновление пользователя.
// Пароль передаётся уже в виде хеша.
type UserPatch struct {
	Username     *string
	Email        *string
	PasswordHash *string
	Role         *Role
	Active       *bool
}

// Apply применяет непустые поля патча.
func (p UserPatch) Apply(u User) User {
	if p.Username != nil {
		u.Username = *p.Username
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.PasswordHash != nil {
		u.PasswordHash = *p.PasswordHash
	}
	if p.Role != nil {
		u.Role = *p.Role
	}
	if p.Active != nil {
		u.Active = *p.Active
	}
	return u
}
