package auth

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"

	"school-portal/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service  *Service
	validate *validator.Validate
}

func NewHandler(service *Service) *Handler {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{service: service, validate: validate}
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=200"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type loginResponse struct {
	User             PublicUser `json:"user"`
	Token            string     `json:"token"`
	RefreshToken     string     `json:"refreshToken"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	RefreshExpiresAt time.Time  `json:"refreshExpiresAt"`
	Message          string     `json:"message"`
}

type refreshResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Message   string    `json:"message"`
}

type meResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	RoleLabel string    `json:"roleLabel"`
	TokenID   string    `json:"tokenId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decode(w, r, &body) {
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	if err := h.validate.Struct(body); err != nil {
		WriteError(w, validationError(validationMessage(err, "Email and password are required")))
		return
	}

	result, err := h.service.Login(r.Context(), LoginInput{
		Email:    body.Email,
		Password: body.Password,
		IP:       observability.ClientIP(r),
	})
	if err != nil {
		WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		User:             result.User,
		Token:            result.Tokens.AccessToken,
		RefreshToken:     result.Tokens.RefreshToken,
		ExpiresAt:        result.Tokens.AccessTokenExpiresAt,
		RefreshExpiresAt: result.Tokens.RefreshTokenExpiresAt,
		Message:          "Login successful",
	})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !h.decode(w, r, &body) {
		return
	}

	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if err := h.validate.Struct(body); err != nil {
		WriteError(w, validationError("Refresh token is required"))
		return
	}

	result, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{
		Token:     result.AccessToken,
		ExpiresAt: result.ExpiresAt,
		Message:   "Token refreshed",
	})
}

// Me echoes the verified claims of the caller.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, ErrUnauthorized)
		return
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time.UTC()
	}

	writeJSON(w, http.StatusOK, meResponse{
		ID:        claims.Subject,
		Email:     claims.Email,
		Name:      claims.DisplayName,
		Role:      claims.Role,
		RoleLabel: claims.RoleLabel,
		TokenID:   claims.TokenID(),
		ExpiresAt: expiresAt,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		WriteError(w, validationError("invalid json body"))
		return false
	}
	return true
}

// WriteError renders err as {"error": ...} with the status of its kind.
// Internal details never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	authErr := AsAuthError(err)

	if authErr.Status >= http.StatusInternalServerError {
		sentry.CaptureException(err)
	}

	body := map[string]any{"error": authErr.Message}
	if authErr.RetryAfter > 0 || authErr.Kind == KindLocked || authErr.Kind == KindThrottled {
		body["retryAfterMs"] = authErr.RetryAfter.Milliseconds()
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(authErr.RetryAfter)))
	}
	if authErr.RemainingAttempts != nil {
		body["remainingAttempts"] = *authErr.RemainingAttempts
	}

	writeJSON(w, authErr.Status, body)
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func validationMessage(err error, fallback string) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fallback
	}

	switch fe := fieldErrs[0]; fe.Tag() {
	case "required":
		return fallback
	case "email":
		return "email format is invalid"
	default:
		return fe.Field() + " format is invalid"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
