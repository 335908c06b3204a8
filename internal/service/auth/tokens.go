// Package auth выпускает и проверяет JWT, регистрирует и аутентифицирует пользователей.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

// TokenType различает access и refresh токены.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"

	// BearerTokenType возвращается клиенту в поле token_type.
	BearerTokenType = "bearer"
)

// Claims — полезная нагрузка токена. Subject содержит email пользователя.
type Claims struct {
	Type TokenType   `json:"typ"`
	Role domain.Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair — результат логина или обновления токенов.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    time.Duration
}

// TokenConfig задаёт параметры подписи.
type TokenConfig struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenIssuer подписывает и проверяет HS256 токены.
type TokenIssuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenIssuer создаёт TokenIssuer. Пустой секрет недопустим.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 30 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &TokenIssuer{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}, nil
}

// Issue выпускает пару access/refresh для пользователя.
func (t *TokenIssuer) Issue(user domain.User) (TokenPair, error) {
	access, err := t.sign(user, TokenTypeAccess, t.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := t.sign(user, TokenTypeRefresh, t.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    BearerTokenType,
		ExpiresIn:    t.accessTTL,
	}, nil
}

func (t *TokenIssuer) sign(user domain.User, typ TokenType, ttl time.Duration) (string, error) {
	now := t.now().UTC()
	claims := Claims{
		Type: typ,
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   user.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, nil
}

// Parse проверяет подпись, срок действия и тип токена.
// Любая ошибка проверки возвращается как ErrUnauthorized.
func (t *TokenIssuer) Parse(raw string, expected TokenType) (Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		options = append(options, jwt.WithIssuer(t.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, options...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}
	if claims.Type != expected {
		return Claims{}, fmt.Errorf("%w: expected %s token", domain.ErrUnauthorized, expected)
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: token subject is empty", domain.ErrUnauthorized)
	}
	return claims, nil
}
