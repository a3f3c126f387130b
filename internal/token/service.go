// Package token issues and verifies the portal's signed access and refresh
// tokens. Tokens are stateless HS256 JWTs; validity depends only on the
// signature, the expiry and the type claim.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"

	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// ErrUnauthorized is the only error Verify and VerifyRefresh return.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is what gets embedded in a token pair.
type Identity struct {
	Subject     string
	Role        string
	RoleLabel   string
	DisplayName string
	Email       string
}

type Claims struct {
	jwt.RegisteredClaims
	Role        string `json:"role"`
	RoleLabel   string `json:"roleLabel"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	Type        string `json:"type"`
}

// TokenID returns the identifier shared by an access/refresh pair.
func (c *Claims) TokenID() string {
	return c.ID
}

func (c *Claims) Identity() Identity {
	return Identity{
		Subject:     c.Subject,
		Role:        c.Role,
		RoleLabel:   c.RoleLabel,
		DisplayName: c.DisplayName,
		Email:       c.Email,
	}
}

type Pair struct {
	AccessToken           string
	RefreshToken          string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
}

type AccessGrant struct {
	AccessToken string
	ExpiresAt   time.Time
}

type Options struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	ClockSkew     time.Duration
	Issuer        string
	Now           func() time.Time
}

type Service struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	clockSkew     time.Duration
	issuer        string
	now           func() time.Time
}

// NewService validates options. An empty access secret is rejected; an
// empty refresh secret is derived from the access secret.
func NewService(options Options) (*Service, error) {
	accessSecret := strings.TrimSpace(options.AccessSecret)
	if accessSecret == "" {
		return nil, errors.New("token service: access secret is required")
	}

	refreshSecret := []byte(strings.TrimSpace(options.RefreshSecret))
	if len(refreshSecret) == 0 {
		refreshSecret = deriveSecret([]byte(accessSecret), TypeRefresh)
	}

	s := &Service{
		accessSecret:  []byte(accessSecret),
		refreshSecret: refreshSecret,
		accessTTL:     options.AccessTTL,
		refreshTTL:    options.RefreshTTL,
		clockSkew:     options.ClockSkew,
		issuer:        options.Issuer,
		now:           options.Now,
	}
	if s.accessTTL <= 0 {
		s.accessTTL = defaultAccessTTL
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = defaultRefreshTTL
	}
	if s.clockSkew < 0 {
		s.clockSkew = 0
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Issue signs a fresh access/refresh pair for identity.
func (s *Service) Issue(identity Identity) (Pair, error) {
	if err := validateIdentity(identity); err != nil {
		return Pair{}, err
	}

	now := s.now().UTC()
	tokenID := uuid.NewString()

	accessExp := now.Add(s.accessTTL)
	access, err := s.sign(identity, TypeAccess, tokenID, now, accessExp, s.accessSecret)
	if err != nil {
		return Pair{}, err
	}

	refreshExp := now.Add(s.refreshTTL)
	refresh, err := s.sign(identity, TypeRefresh, tokenID, now, refreshExp, s.refreshSecret)
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:           access,
		RefreshToken:          refresh,
		AccessTokenExpiresAt:  accessExp,
		RefreshTokenExpiresAt: refreshExp,
	}, nil
}

// Verify checks an access token.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	return s.parse(tokenString, TypeAccess, s.accessSecret)
}

// VerifyRefresh checks a refresh token.
func (s *Service) VerifyRefresh(tokenString string) (*Claims, error) {
	return s.parse(tokenString, TypeRefresh, s.refreshSecret)
}

// Refresh mints a new access token from a valid refresh token. The new
// token keeps the refresh token's identifier.
func (s *Service) Refresh(refreshToken string) (AccessGrant, *Claims, error) {
	claims, err := s.VerifyRefresh(refreshToken)
	if err != nil {
		return AccessGrant{}, nil, err
	}

	now := s.now().UTC()
	exp := now.Add(s.accessTTL)
	access, err := s.sign(claims.Identity(), TypeAccess, claims.ID, now, exp, s.accessSecret)
	if err != nil {
		return AccessGrant{}, nil, err
	}

	return AccessGrant{AccessToken: access, ExpiresAt: exp}, claims, nil
}

func (s *Service) sign(identity Identity, tokenType, tokenID string, now, exp time.Time, secret []byte) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   identity.Subject,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role:        identity.Role,
		RoleLabel:   identity.RoleLabel,
		DisplayName: strings.TrimSpace(identity.DisplayName),
		Email:       identity.Email,
		Type:        tokenType,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", tokenType, err)
	}
	return signed, nil
}

// parse collapses every failure into ErrUnauthorized so callers cannot
// tell an expired token from a forged one.
func (s *Service) parse(tokenString, tokenType string, secret []byte) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrUnauthorized
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.clockSkew),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		options = append(options, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, options...)
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthorized
	}

	if claims.Type != tokenType {
		return nil, ErrUnauthorized
	}
	if claims.Subject == "" || claims.Role == "" || claims.RoleLabel == "" || claims.ID == "" {
		return nil, ErrUnauthorized
	}
	if strings.TrimSpace(claims.DisplayName) == "" {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

func validateIdentity(identity Identity) error {
	switch {
	case identity.Subject == "":
		return errors.New("token identity: subject is required")
	case identity.Role == "":
		return errors.New("token identity: role is required")
	case identity.RoleLabel == "":
		return errors.New("token identity: role label is required")
	case strings.TrimSpace(identity.DisplayName) == "":
		return errors.New("token identity: display name is required")
	}
	return nil
}

func deriveSecret(secret []byte, label string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("school-portal/" + label))
	return mac.Sum(nil)
}
