package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-access-secret"

var issuedAt = time.Date(2026, time.September, 1, 7, 30, 0, 0, time.UTC)

func teacherIdentity() Identity {
	return Identity{
		Subject:     "usr_teacher_1",
		Role:        "teacher",
		RoleLabel:   "Teacher",
		DisplayName: "Amani Njoroge",
		Email:       "teacher@example.com",
	}
}

func newTestService(t *testing.T, now *time.Time) *Service {
	t.Helper()
	svc, err := NewService(Options{
		AccessSecret: testSecret,
		AccessTTL:    15 * time.Minute,
		RefreshTTL:   7 * 24 * time.Hour,
		ClockSkew:    30 * time.Second,
		Now:          func() time.Time { return *now },
	})
	require.NoError(t, err)
	return svc
}

func signMap(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func validMapClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":         "usr_1",
		"role":        "student",
		"roleLabel":   "Student",
		"displayName": "Wanjiru",
		"jti":         uuid.NewString(),
		"type":        TypeAccess,
		"iat":         now.Unix(),
		"exp":         now.Add(time.Minute).Unix(),
	}
}

func TestNewService_RequiresAccessSecret(t *testing.T) {
	_, err := NewService(Options{AccessSecret: "   "})
	require.Error(t, err)
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	now := issuedAt
	svc := newTestService(t, &now)

	pair, err := svc.Issue(teacherIdentity())
	require.NoError(t, err)
	assert.Equal(t, issuedAt.Add(15*time.Minute), pair.AccessTokenExpiresAt)
	assert.Equal(t, issuedAt.Add(7*24*time.Hour), pair.RefreshTokenExpiresAt)

	claims, err := svc.Verify(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "usr_teacher_1", claims.Subject)
	assert.Equal(t, "teacher", claims.Role)
	assert.Equal(t, "Teacher", claims.RoleLabel)
	assert.Equal(t, "Amani Njoroge", claims.DisplayName)
	assert.Equal(t, "teacher@example.com", claims.Email)
	assert.Equal(t, TypeAccess, claims.Type)

	_, err = uuid.Parse(claims.TokenID())
	assert.NoError(t, err)
}

func TestIssue_UniqueTokenIDs(t *testing.T) {
	now := issuedAt
	svc := newTestService(t, &now)

	first, err := svc.Issue(teacherIdentity())
	require.NoError(t, err)
	second, err := svc.Issue(teacherIdentity())
	require.NoError(t, err)

	c1, err := svc.Verify(first.AccessToken)
	require.NoError(t, err)
	c2, err := svc.Verify(second.AccessToken)
	require.NoError(t, err)
	assert.NotEqual(t, c1.TokenID(), c2.TokenID())
}

func TestIssue_RejectsIncompleteIdentity(t *testing.T) {
	now := issuedAt
	svc := newTestService(t, &now)

	identity := teacherIdentity()
	identity.DisplayName = "  "
	_, err := svc.Issue(identity)
	assert.Error(t, err)
}

func TestVerify_Rejects(t *testing.T) {
	now := issuedAt
	svc := newTestService(t, &now)
	pair, err := svc.Issue(teacherIdentity())
	require.NoError(t, err)

	other, err := NewService(Options{AccessSecret: "someone-else", Now: func() time.Time { return issuedAt }})
	require.NoError(t, err)
	foreign, err := other.Issue(teacherIdentity())
	require.NoError(t, err)

	missingDisplayName := validMapClaims(issuedAt)
	delete(missingDisplayName, "displayName")

	blankDisplayName := validMapClaims(issuedAt)
	blankDisplayName["displayName"] = "   "

	missingType := validMapClaims(issuedAt)
	delete(missingType, "type")

	numericRole := validMapClaims(issuedAt)
	numericRole["role"] = 7

	missingJTI := validMapClaims(issuedAt)
	delete(missingJTI, "jti")

	missingExp := validMapClaims(issuedAt)
	delete(missingExp, "exp")

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, validMapClaims(issuedAt)).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not.a.jwt"},
		{name: "refresh token as access", token: pair.RefreshToken},
		{name: "different secret", token: foreign.AccessToken},
		{name: "missing display name", token: signMap(t, missingDisplayName, testSecret)},
		{name: "blank display name", token: signMap(t, blankDisplayName, testSecret)},
		{name: "missing type", token: signMap(t, missingType, testSecret)},
		{name: "role of wrong type", token: signMap(t, numericRole, testSecret)},
		{name: "missing token id", token: signMap(t, missingJTI, testSecret)},
		{name: "missing expiry", token: signMap(t, missingExp, testSecret)},
		{name: "alg none", token: noneToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := svc.Verify(tt.token)
			assert.Nil(t, claims)
			assert.ErrorIs(t, err, ErrUnauthorized)
			assert.Equal(t, ErrUnauthorized, err)
		})
	}
}

func TestVerify_Expiry(t *testing.T) {
	now := issuedAt
	svc := newTestService(t, &now)
	pair, err := svc.Issue(teacherIdentity())
	require.NoError(t, err)

	now = issuedAt.Add(15*time.Minute + 10*time.Second)
	_, err = svc.Verify(pair.AccessToken)
	assert.NoError(t, err, "within clock skew")

	now = issuedAt.Add(16 * time.Minute)
	_, err = svc.Verify(pair.AccessToken)
	assert.Equal(t, ErrUnauthorized, err)
}

func TestVerify_TokenFromTheFutureIsRejected(t *testing.T) {
	now := issuedAt
	svc := newTestService(t, &now)
	pair, err := svc.Issue(teacherIdentity())
	require.NoError(t, err)

	now = issuedAt.Add(-5 * time.Minute)
	_, err = svc.Verify(pair.AccessToken)
	assert.Equal(t, ErrUnauthorized, err)
}

func TestVerifyRefresh(t *testing.T) {
	now := issuedAt
	svc := newTestService(t, &now)
	pair, err := svc.Issue(teacherIdentity())
	require.NoError(t, err)

	claims, err := svc.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, TypeRefresh, claims.Type)

	_, err = svc.VerifyRefresh(pair.AccessToken)
	assert.Equal(t, ErrUnauthorized, err)
}

func TestVerifyRefresh_RejectsRefreshTypeSignedWithAccessSecret(t *testing.T) {
	now := issuedAt
	svc := newTestService(t, &now)

	claims := validMapClaims(issuedAt)
	claims["type"] = TypeRefresh
	_, err := svc.VerifyRefresh(signMap(t, claims, testSecret))
	assert.Equal(t, ErrUnauthorized, err)
}

func TestRefresh_MintsAccessToken(t *testing.T) {
	now := issuedAt
	svc := newTestService(t, &now)
	pair, err := svc.Issue(teacherIdentity())
	require.NoError(t, err)

	now = issuedAt.Add(2 * time.Hour)
	grant, refreshClaims, err := svc.Refresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, now.Add(15*time.Minute), grant.ExpiresAt)

	claims, err := svc.Verify(grant.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, teacherIdentity(), claims.Identity())
	assert.Equal(t, refreshClaims.TokenID(), claims.TokenID())

	_, _, err = svc.Refresh(pair.AccessToken)
	assert.Equal(t, ErrUnauthorized, err)
}

func TestExplicitRefreshSecret(t *testing.T) {
	svc, err := NewService(Options{AccessSecret: testSecret, RefreshSecret: "refresh-only", Now: func() time.Time { return issuedAt }})
	require.NoError(t, err)

	pair, err := svc.Issue(teacherIdentity())
	require.NoError(t, err)

	claims := validMapClaims(issuedAt)
	claims["type"] = TypeRefresh
	forged := signMap(t, claims, "refresh-only")
	_, err = svc.VerifyRefresh(forged)
	assert.NoError(t, err)

	_, err = svc.VerifyRefresh(pair.RefreshToken)
	assert.NoError(t, err)
}
