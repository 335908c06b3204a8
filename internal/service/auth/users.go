package auth

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

// UpdateUserInput — частичное обновление пользователя. Пароль передаётся открытым текстом.
type UpdateUserInput struct {
	Username *string
	Email    *string
	Password *string
	Role     *domain.Role
	Active   *bool
}

// UserService — администрирование учётных записей.
type UserService struct {
	users  domain.UserRepository
	auth   *Service
	logger *log.Entry
}

// NewUserService создаёт UserService. auth используется для хеширования паролей.
func NewUserService(users domain.UserRepository, auth *Service, logger *log.Entry) *UserService {
	if logger == nil {
		logger = log.WithField("component", "user-service")
	}
	return &UserService{users: users, auth: auth, logger: logger}
}

// List доступен только администратору.
func (s *UserService) List(ctx context.Context, actor domain.User, page domain.Page) ([]domain.User, error) {
	if !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	return s.users.List(ctx, page.Normalized())
}

// Get возвращает пользователя администратору или самому пользователю.
func (s *UserService) Get(ctx context.Context, actor domain.User, id int64) (domain.User, error) {
	if !actor.IsAdmin() && actor.ID != id {
		return domain.User{}, domain.ErrForbidden
	}
	return s.users.GetByID(ctx, id)
}

// Update меняет данные пользователя. Роль и активность меняет только администратор.
func (s *UserService) Update(ctx context.Context, actor domain.User, id int64, in UpdateUserInput) (domain.User, error) {
	if !actor.IsAdmin() {
		if actor.ID != id {
			return domain.User{}, domain.ErrForbidden
		}
		if in.Role != nil || in.Active != nil {
			return domain.User{}, fmt.Errorf("%w: only admin can change role or activity", domain.ErrForbidden)
		}
	}

	current, err := s.users.GetByID(ctx, id)
	if err != nil {
		return domain.User{}, err
	}

	patch := domain.UserPatch{Role: in.Role, Active: in.Active}
	if in.Username != nil {
		username := strings.TrimSpace(*in.Username)
		patch.Username = &username
	}
	if in.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*in.Email))
		patch.Email = &email
	}
	if in.Password != nil {
		hash, err := s.auth.HashPassword(*in.Password)
		if err != nil {
			return domain.User{}, err
		}
		patch.PasswordHash = &hash
	}

	next := patch.Apply(current)
	if err := validateCredentials(next.Username, next.Email, "-"); err != nil {
		return domain.User{}, err
	}
	if !next.Role.Valid() {
		return domain.User{}, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidArgument, next.Role)
	}

	updated, err := s.users.Update(ctx, next)
	if err != nil {
		return domain.User{}, err
	}
	s.logger.WithFields(log.Fields{
		"user_id":  id,
		"actor_id": actor.ID,
	}).Info("user updated")
	return updated, nil
}

// Delete доступен только администратору.
func (s *UserService) Delete(ctx context.Context, actor domain.User, id int64) error {
	if !actor.IsAdmin() {
		return domain.ErrForbidden
	}
	if err := s.users.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.WithFields(log.Fields{
		"user_id":  id,
		"actor_id": actor.ID,
	}).Info("user deleted")
	return nil
}
