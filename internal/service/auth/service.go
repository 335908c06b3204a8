package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

// maxPasswordBytes — ограничение bcrypt на длину пароля.
const maxPasswordBytes = 72

// RegisterInput — данные регистрации.
type RegisterInput struct {
	Username string
	Email    string
	Password string
	Role     domain.Role
}

// Option настраивает Service.
type Option func(*Service)

// WithBcryptCost задаёт стоимость bcrypt (в тестах удобно bcrypt.MinCost).
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		s.cost = cost
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// Service реализует регистрацию, логин и обновление токенов.
type Service struct {
	users  domain.UserRepository
	tokens *TokenIssuer
	logger *log.Entry
	cost   int
}

// NewService создаёт сервис аутентификации.
func NewService(users domain.UserRepository, tokens *TokenIssuer, options ...Option) *Service {
	s := &Service{users: users, tokens: tokens, cost: bcrypt.DefaultCost}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "auth-service")
	}
	return s
}

// Register создаёт активного пользователя. По умолчанию роль user.
func (s *Service) Register(ctx context.Context, in RegisterInput) (domain.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if in.Role == "" {
		in.Role = domain.RoleUser
	}
	if err := validateCredentials(in.Username, in.Email, in.Password); err != nil {
		return domain.User{}, err
	}
	if !in.Role.Valid() {
		return domain.User{}, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidArgument, in.Role)
	}

	hash, err := s.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, err
	}

	user, err := s.users.Create(ctx, domain.User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Role:         in.Role,
		Active:       true,
	})
	if err != nil {
		return domain.User{}, err
	}

	s.logger.WithFields(log.Fields{
		"user_id": user.ID,
		"role":    user.Role,
	}).Info("user registered")
	return user, nil
}

// Login проверяет email и пароль и выпускает пару токенов.
// Неизвестный email и неверный пароль неразличимы для вызывающего.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, error) {
	user, err := s.users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return TokenPair{}, fmt.Errorf("%w: incorrect email or password", domain.ErrUnauthorized)
		}
		return TokenPair{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.logger.WithField("user_id", user.ID).Warn("login failed: wrong password")
		return TokenPair{}, fmt.Errorf("%w: incorrect email or password", domain.ErrUnauthorized)
	}
	if !user.Active {
		return TokenPair{}, fmt.Errorf("%w: inactive user", domain.ErrForbidden)
	}

	pair, err := s.tokens.Issue(user)
	if err != nil {
		return TokenPair{}, err
	}
	s.logger.WithField("user_id", user.ID).Info("user logged in")
	return pair, nil
}

// Refresh выпускает новую пару по refresh токену. Access токен отклоняется.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.tokens.Parse(refreshToken, TokenTypeRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	user, err := s.activeUser(ctx, claims.Subject)
	if err != nil {
		return TokenPair{}, err
	}
	return s.tokens.Issue(user)
}

// Authenticate возвращает активного пользователя по access токену.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (domain.User, error) {
	claims, err := s.tokens.Parse(accessToken, TokenTypeAccess)
	if err != nil {
		return domain.User{}, err
	}
	return s.activeUser(ctx, claims.Subject)
}

// EnsureAdmin создаёт администратора, если пользователя с таким email ещё нет.
// Возвращает true, если пользователь был создан.
func (s *Service) EnsureAdmin(ctx context.Context, in RegisterInput) (bool, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" {
		return false, nil
	}

	_, err := s.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, domain.ErrUserNotFound):
		return false, fmt.Errorf("lookup bootstrap admin: %w", err)
	}

	in.Role = domain.RoleAdmin
	if _, err := s.Register(ctx, in); err != nil {
		return false, fmt.Errorf("create bootstrap admin: %w", err)
	}
	return true, nil
}

// HashPassword хеширует пароль bcrypt.
func (s *Service) HashPassword(password string) (string, error) {
	if password == "" || len(password) > maxPasswordBytes {
		return "", fmt.Errorf("%w: password must be 1..%d bytes", domain.ErrInvalidArgument, maxPasswordBytes)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (s *Service) activeUser(ctx context.Context, email string) (domain.User, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return domain.User{}, fmt.Errorf("%w: user no longer exists", domain.ErrUnauthorized)
		}
		return domain.User{}, err
	}
	if !user.Active {
		return domain.User{}, fmt.Errorf("%w: inactive user", domain.ErrForbidden)
	}
	return user, nil
}

func validateCredentials(username, email, password string) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", domain.ErrInvalidArgument)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("%w: invalid email", domain.ErrInvalidArgument)
	}
	if password == "" {
		return fmt.Errorf("%w: password is required", domain.ErrInvalidArgument)
	}
	return nil
}
