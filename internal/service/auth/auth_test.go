package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/bcrypt"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
	"github.com/vladislavdragonenkov/commerce-api/internal/storage/memory"
)

type AuthTestSuite struct {
	suite.Suite
	ctx    context.Context
	users  domain.UserRepository
	tokens *TokenIssuer
	svc    *Service
	admin  *UserService
}

func (s *AuthTestSuite) SetupTest() {
	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	entry := logger.WithField("component", "auth-test")

	tokens, err := NewTokenIssuer(TokenConfig{Secret: "test-secret", Issuer: "commerce-api"})
	s.Require().NoError(err)

	s.ctx = context.Background()
	s.users = memory.NewUserRepository(memory.NewStore())
	s.tokens = tokens
	s.svc = NewService(s.users, tokens, WithBcryptCost(bcrypt.MinCost), WithLogger(entry))
	s.admin = NewUserService(s.users, s.svc, entry)
}

func (s *AuthTestSuite) register(username, email string) domain.User {
	user, err := s.svc.Register(s.ctx, RegisterInput{Username: username, Email: email, Password: "testpassword"})
	s.Require().NoError(err)
	return user
}

func (s *AuthTestSuite) TestRegisterHashesPassword() {
	user := s.register("ana", "Ana@Example.com")

	s.Equal("ana@example.com", user.Email)
	s.Equal(domain.RoleUser, user.Role)
	s.True(user.Active)
	s.NotEqual("testpassword", user.PasswordHash)
	s.NoError(bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("testpassword")))
}

func (s *AuthTestSuite) TestRegisterRejectsDuplicates() {
	s.register("ana", "ana@example.com")

	_, err := s.svc.Register(s.ctx, RegisterInput{Username: "other", Email: "ANA@example.com", Password: "x"})
	s.ErrorIs(err, domain.ErrUserEmailTaken)

	_, err = s.svc.Register(s.ctx, RegisterInput{Username: "ana", Email: "new@example.com", Password: "x"})
	s.ErrorIs(err, domain.ErrUsernameTaken)

	_, err = s.svc.Register(s.ctx, RegisterInput{Username: "bob", Email: "bob", Password: "x"})
	s.ErrorIs(err, domain.ErrInvalidArgument)
}

func (s *AuthTestSuite) TestLoginAndRefresh() {
	user := s.register("ana", "ana@example.com")

	pair, err := s.svc.Login(s.ctx, "ana@example.com", "testpassword")
	s.Require().NoError(err)
	s.Equal(BearerTokenType, pair.TokenType)

	authed, err := s.svc.Authenticate(s.ctx, pair.AccessToken)
	s.Require().NoError(err)
	s.Equal(user.ID, authed.ID)

	_, err = s.svc.Authenticate(s.ctx, pair.RefreshToken)
	s.ErrorIs(err, domain.ErrUnauthorized, "refresh token must not authenticate requests")

	_, err = s.svc.Refresh(s.ctx, pair.AccessToken)
	s.ErrorIs(err, domain.ErrUnauthorized, "access token must not refresh")

	refreshed, err := s.svc.Refresh(s.ctx, pair.RefreshToken)
	s.Require().NoError(err)
	s.NotEmpty(refreshed.AccessToken)
}

func (s *AuthTestSuite) TestLoginFailures() {
	s.register("ana", "ana@example.com")

	_, err := s.svc.Login(s.ctx, "ana@example.com", "wrong")
	s.ErrorIs(err, domain.ErrUnauthorized)

	_, err = s.svc.Login(s.ctx, "nobody@example.com", "testpassword")
	s.ErrorIs(err, domain.ErrUnauthorized)
}

func (s *AuthTestSuite) TestInactiveUserIsRejected() {
	user := s.register("ana", "ana@example.com")
	pair, err := s.svc.Login(s.ctx, "ana@example.com", "testpassword")
	s.Require().NoError(err)

	inactive := false
	_, err = s.admin.Update(s.ctx, domain.User{ID: 999, Role: domain.RoleAdmin}, user.ID, UpdateUserInput{Active: &inactive})
	s.Require().NoError(err)

	_, err = s.svc.Login(s.ctx, "ana@example.com", "testpassword")
	s.ErrorIs(err, domain.ErrForbidden)
	_, err = s.svc.Authenticate(s.ctx, pair.AccessToken)
	s.ErrorIs(err, domain.ErrForbidden)
}

func (s *AuthTestSuite) TestExpiredToken() {
	user := s.register("ana", "ana@example.com")
	s.tokens.now = func() time.Time { return time.Now().Add(-time.Hour) }
	pair, err := s.tokens.Issue(user)
	s.Require().NoError(err)
	s.tokens.now = time.Now

	_, err = s.svc.Authenticate(s.ctx, pair.AccessToken)
	s.ErrorIs(err, domain.ErrUnauthorized)
}

func (s *AuthTestSuite) TestForeignSignatureIsRejected() {
	user := s.register("ana", "ana@example.com")
	other, err := NewTokenIssuer(TokenConfig{Secret: "another-secret", Issuer: "commerce-api"})
	s.Require().NoError(err)
	pair, err := other.Issue(user)
	s.Require().NoError(err)

	_, err = s.svc.Authenticate(s.ctx, pair.AccessToken)
	s.ErrorIs(err, domain.ErrUnauthorized)
}

func (s *AuthTestSuite) TestEnsureAdmin() {
	created, err := s.svc.EnsureAdmin(s.ctx, RegisterInput{Username: "root", Email: "root@example.com", Password: "secret"})
	s.Require().NoError(err)
	s.True(created)

	created, err = s.svc.EnsureAdmin(s.ctx, RegisterInput{Username: "root", Email: "root@example.com", Password: "secret"})
	s.Require().NoError(err)
	s.False(created)

	admin, err := s.users.GetByEmail(s.ctx, "root@example.com")
	s.Require().NoError(err)
	s.True(admin.IsAdmin())
}

func (s *AuthTestSuite) TestUserServicePermissions() {
	ana := s.register("ana", "ana@example.com")
	bob := s.register("bob", "bob@example.com")
	root := domain.User{ID: 1000, Role: domain.RoleAdmin}

	_, err := s.admin.List(s.ctx, ana, domain.Page{})
	s.ErrorIs(err, domain.ErrForbidden)

	_, err = s.admin.Get(s.ctx, ana, bob.ID)
	s.ErrorIs(err, domain.ErrForbidden)

	self, err := s.admin.Get(s.ctx, ana, ana.ID)
	s.Require().NoError(err)
	s.Equal(ana.Email, self.Email)

	role := domain.RoleAdmin
	_, err = s.admin.Update(s.ctx, ana, ana.ID, UpdateUserInput{Role: &role})
	s.ErrorIs(err, domain.ErrForbidden)

	password := "new-password"
	_, err = s.admin.Update(s.ctx, ana, ana.ID, UpdateUserInput{Password: &password})
	s.Require().NoError(err)
	_, err = s.svc.Login(s.ctx, "ana@example.com", "new-password")
	s.NoError(err)

	promoted, err := s.admin.Update(s.ctx, root, bob.ID, UpdateUserInput{Role: &role})
	s.Require().NoError(err)
	s.True(promoted.IsAdmin())

	s.ErrorIs(s.admin.Delete(s.ctx, ana, bob.ID), domain.ErrForbidden)
	s.NoError(s.admin.Delete(s.ctx, root, bob.ID))

	list, err := s.admin.List(s.ctx, root, domain.Page{})
	s.Require().NoError(err)
	s.Len(list, 1)
}

func TestAuthTestSuite(t *testing.T) {
	suite.Run(t, new(AuthTestSuite))
}

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	_, err := NewTokenIssuer(TokenConfig{})
	require.Error(t, err)
}

func TestTokenClaims(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenConfig{Secret: "s", Issuer: "commerce-api", AccessTTL: time.Minute})
	require.NoError(t, err)

	pair, err := issuer.Issue(domain.User{Email: "ana@example.com", Role: domain.RoleAdmin})
	require.NoError(t, err)
	require.Equal(t, time.Minute, pair.ExpiresIn)

	claims, err := issuer.Parse(pair.AccessToken, TokenTypeAccess)
	require.NoError(t, err)
	require.Equal(t, "ana@example.com", claims.Subject)
	require.Equal(t, domain.RoleAdmin, claims.Role)
	require.NotEmpty(t, claims.ID)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = issuer.Parse(unsigned, TokenTypeAccess)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}
