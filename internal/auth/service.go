package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"school-portal/internal/observability"
	"school-portal/internal/throttle"
	"school-portal/internal/token"
)

// Bucket names of the persisted throttle counters.
const (
	IPAttemptsBucket      = "auth.login.ipAttempts"
	AccountAttemptsBucket = "auth.login.accountAttempts"
)

type Service struct {
	users           UserStore
	tokens          *token.Service
	ipThrottle      *throttle.Throttle
	accountThrottle *throttle.Throttle
	logger          *observability.Logger
	now             func() time.Time
}

// NewService wires the login flow. ipThrottle limits attempts per source
// address; accountThrottle is the per-account lockout.
func NewService(users UserStore, tokens *token.Service, ipThrottle, accountThrottle *throttle.Throttle, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{
		users:           users,
		tokens:          tokens,
		ipThrottle:      ipThrottle,
		accountThrottle: accountThrottle,
		logger:          logger,
		now:             time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Login runs the lockout and throttle checks before any password work.
// Each admitted attempt is counted on both the account and the IP key
// before the password is checked, so concurrent guesses cannot exceed
// either limit. Counted attempts are never rolled back; a successful login
// clears both keys.
func (s *Service) Login(ctx context.Context, input LoginInput) (LoginResult, error) {
	email := normalizeEmail(input.Email)
	if email == "" || input.Password == "" {
		return LoginResult{}, ErrValidation
	}
	if s.tokens == nil {
		return LoginResult{}, MisconfiguredError(errors.New("token service not configured"))
	}
	ip := strings.TrimSpace(input.IP)
	if ip == "" {
		ip = "unknown"
	}

	now := s.now().UTC()

	if decision := s.accountThrottle.Evaluate(ctx, email, now); decision.Blocked {
		return LoginResult{}, s.locked(email, ip, decision)
	}

	ipDecision := s.ipThrottle.Acquire(ctx, ip, now)
	if ipDecision.Blocked {
		s.logger.Warn("login_ip_throttled", map[string]any{
			"ip":             ip,
			"retry_after_ms": ipDecision.RetryAfter.Milliseconds(),
		})
		return LoginResult{}, throttledError(ipDecision.RetryAfter)
	}

	accountDecision := s.accountThrottle.Acquire(ctx, email, now)
	if accountDecision.Blocked {
		return LoginResult{}, s.locked(email, ip, accountDecision)
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		s.logger.Error("login_user_lookup_failed", map[string]any{"error": err.Error()})
		return LoginResult{}, internalError(ErrInternal.Message, err)
	}

	if err != nil {
		// Same bcrypt cost as a real account so response time does not
		// reveal which emails exist.
		checkBcrypt(dummyPasswordHash(), input.Password)
		return LoginResult{}, s.failed(email, ip, ipDecision, accountDecision)
	}
	if !s.users.CheckPassword(user, input.Password) {
		return LoginResult{}, s.failed(email, ip, ipDecision, accountDecision)
	}

	s.ipThrottle.Clear(ctx, ip)
	s.accountThrottle.Clear(ctx, email)

	pair, err := s.tokens.Issue(user.identity())
	if err != nil {
		s.logger.Error("login_issue_tokens_failed", map[string]any{"error": err.Error(), "user_id": user.ID})
		return LoginResult{}, internalError(ErrInternal.Message, err)
	}

	s.logger.Info("login_succeeded", map[string]any{"user_id": user.ID, "role": string(user.Role), "ip": ip})

	return LoginResult{User: user.Public(), Tokens: pair}, nil
}

func (s *Service) locked(email, ip string, decision throttle.Decision) error {
	s.logger.Warn("login_account_locked", map[string]any{
		"email":          email,
		"ip":             ip,
		"retry_after_ms": decision.RetryAfter.Milliseconds(),
	})
	return lockedError(decision.RetryAfter)
}

func (s *Service) failed(email, ip string, ipDecision, accountDecision throttle.Decision) error {
	remaining := min(ipDecision.Remaining, accountDecision.Remaining)
	s.logger.Warn("login_failed", map[string]any{
		"email":              email,
		"ip":                 ip,
		"remaining_attempts": remaining,
		"account_locked":     accountDecision.Remaining == 0,
	})

	return invalidCredentialsError(remaining)
}

// Refresh exchanges a refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (RefreshResult, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return RefreshResult{}, validationError("Refresh token is required")
	}
	if s.tokens == nil {
		return RefreshResult{}, MisconfiguredError(errors.New("token service not configured"))
	}

	grant, claims, err := s.tokens.Refresh(refreshToken)
	if err != nil {
		if errors.Is(err, token.ErrUnauthorized) {
			s.logger.Debug("refresh_token_rejected", nil)
			return RefreshResult{}, ErrUnauthorized
		}
		return RefreshResult{}, internalError("Failed to refresh token", err)
	}

	s.logger.Info("access_token_refreshed", map[string]any{"user_id": claims.Subject})

	return RefreshResult{AccessToken: grant.AccessToken, ExpiresAt: grant.ExpiresAt}, nil
}

// VerifyAccessToken checks an Authorization header value of the form
// "Bearer <token>".
func (s *Service) VerifyAccessToken(authorization string) (*token.Claims, error) {
	if s.tokens == nil {
		return nil, MisconfiguredError(errors.New("token service not configured"))
	}

	raw, ok := bearerToken(authorization)
	if !ok {
		return nil, ErrUnauthorized
	}

	claims, err := s.tokens.Verify(raw)
	if err != nil {
		s.logger.Debug("access_token_rejected", nil)
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// ResetLoginThrottling forgets every IP and account counter.
func (s *Service) ResetLoginThrottling(ctx context.Context) error {
	err := errors.Join(s.ipThrottle.Reset(ctx), s.accountThrottle.Reset(ctx))
	if err != nil {
		s.logger.Error("login_throttling_reset_failed", map[string]any{"error": err.Error()})
		return internalError("Failed to reset login throttling", err)
	}
	s.logger.Info("login_throttling_reset", nil)
	return nil
}

// PruneLoginThrottling drops counters whose window has elapsed.
func (s *Service) PruneLoginThrottling(ctx context.Context) PruneResult {
	now := s.now().UTC()
	return PruneResult{
		DeletedIPEntries:      s.ipThrottle.Prune(ctx, now),
		DeletedAccountEntries: s.accountThrottle.Prune(ctx, now),
	}
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	raw := strings.TrimSpace(parts[1])
	if raw == "" {
		return "", false
	}
	return raw, true
}
