package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"entity-registry/internal/observability"
)

const (
	maxJSONBodyBytes   = 1 << 20
	sessionTokenHeader = "X-Session-Token"
)

type Handler struct {
	service *Service
	signer  *AccessTokenSigner
	logger  *observability.Logger
}

func NewHandler(service *Service, signer *AccessTokenSigner, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handler{service: service, signer: signer, logger: logger}
}

// Routes registers the auth endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux, loginLimiter *LoginRateLimiter) {
	login := http.Handler(http.HandlerFunc(h.Login))
	if loginLimiter != nil {
		login = loginLimiter.Middleware(login)
	}

	mux.HandleFunc("POST /auth/register", h.Register)
	mux.Handle("POST /auth/login", login)
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.HandleFunc("POST /auth/logout", h.Logout)
	mux.HandleFunc("POST /auth/password/forgot", h.ForgotPassword)
	mux.HandleFunc("POST /auth/password/reset", h.ResetPassword)
	mux.Handle("POST /auth/password/change", Middleware(h.signer, http.HandlerFunc(h.ChangePassword)))
	mux.HandleFunc("POST /auth/email/verify", h.VerifyEmail)
	mux.HandleFunc("POST /auth/email/resend", h.ResendVerification)
	mux.HandleFunc("GET /auth/session", h.Session)
}

type registerRequest struct {
	UsernameOrEmail string `json:"username_or_email"`
	Password        string `json:"password"`
	DisplayName     string `json:"display_name"`
	IdentityRef     string `json:"identity_ref"`
}

type loginRequest struct {
	UsernameOrEmail string `json:"username_or_email"`
	Password        string `json:"password"`
	RememberMe      bool   `json:"remember_me"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	SessionToken string `json:"session_token"`
}

type identifierRequest struct {
	UsernameOrEmail string `json:"username_or_email"`
}

type resetRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type changeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type tokensResponse struct {
	AccessToken        string      `json:"access_token"`
	TokenType          string      `json:"token_type"`
	ExpiresIn          int64       `json:"expires_in"`
	SessionToken       string      `json:"session_token"`
	RefreshToken       string      `json:"refresh_token"`
	SessionExpiresAt   time.Time   `json:"session_expires_at"`
	MustChangePassword bool        `json:"must_change_password,omitempty"`
	Credential         *PublicView `json:"credential,omitempty"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	view, err := h.service.Register(r.Context(), RegisterInput{
		Identifier:  body.UsernameOrEmail,
		Password:    body.Password,
		DisplayName: body.DisplayName,
		IdentityRef: body.IdentityRef,
	})
	if err != nil {
		h.writeServiceError(w, r, err, "failed to register")
		return
	}

	writeJSON(w, http.StatusCreated, view)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.Login(r.Context(), body.UsernameOrEmail, body.Password, observability.ClientIP(r), body.RememberMe)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to login")
		return
	}

	access, expiresIn, err := h.signer.Sign(result.View.ID, result.View.Role, time.Now().UTC(), result.SessionExpiresAt)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to login")
		return
	}

	view := result.View
	writeJSON(w, http.StatusOK, tokensResponse{
		AccessToken:        access,
		TokenType:          "Bearer",
		ExpiresIn:          expiresIn,
		SessionToken:       result.SessionToken,
		RefreshToken:       result.RefreshToken,
		SessionExpiresAt:   result.SessionExpiresAt,
		MustChangePassword: result.MustChangePassword,
		Credential:         &view,
	})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	tokens, err := h.service.RefreshSession(r.Context(), body.RefreshToken)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to refresh token")
		return
	}

	access, expiresIn, err := h.signer.Sign(tokens.CredentialID, tokens.Role, time.Now().UTC(), tokens.SessionExpiresAt)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokensResponse{
		AccessToken:      access,
		TokenType:        "Bearer",
		ExpiresIn:        expiresIn,
		SessionToken:     tokens.SessionToken,
		RefreshToken:     tokens.RefreshToken,
		SessionExpiresAt: tokens.SessionExpiresAt,
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var body logoutRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.SessionToken = strings.TrimSpace(body.SessionToken)
	if body.SessionToken == "" {
		writeError(w, http.StatusBadRequest, "session_token is required")
		return
	}

	if err := h.service.Logout(r.Context(), body.SessionToken); err != nil {
		h.writeServiceError(w, r, err, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body identifierRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), body.UsernameOrEmail); err != nil {
		h.writeServiceError(w, r, err, "failed to request password reset")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		h.writeServiceError(w, r, err, "failed to reset password")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	var body changeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ChangePassword(r.Context(), claims.CredentialID, body.CurrentPassword, body.NewPassword); err != nil {
		h.writeServiceError(w, r, err, "failed to change password")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.VerifyEmail(r.Context(), body.Token); err != nil {
		h.writeServiceError(w, r, err, "failed to verify email")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var body identifierRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ResendVerification(r.Context(), body.UsernameOrEmail); err != nil {
		h.writeServiceError(w, r, err, "failed to resend verification")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.Header.Get(sessionTokenHeader))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing session token")
		return
	}

	view, err := h.service.ValidateSession(r.Context(), token)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to load session")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var weak *WeakPasswordError
	var invalid *InvalidCredentialsError
	var locked ErrLoginLocked

	switch {
	case errors.As(err, &weak):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "password does not meet policy", "unmet": weak.Unmet})
	case errors.Is(err, ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDuplicateIdentity):
		writeError(w, http.StatusConflict, "identity already registered")
	case errors.As(err, &invalid):
		body := map[string]any{"error": "invalid credentials"}
		if invalid.AttemptsRemaining != nil {
			body["attempts_remaining"] = *invalid.AttemptsRemaining
		}
		writeJSON(w, http.StatusUnauthorized, body)
	case errors.As(err, &locked):
		retryAfter := int(time.Until(locked.Until).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     "login temporarily locked",
			"unlock_at": locked.Until.UTC().Format(time.RFC3339),
		})
	case errors.Is(err, ErrAccountDeactivated):
		writeError(w, http.StatusForbidden, "account deactivated")
	case errors.Is(err, ErrEmailVerificationRequired):
		writeError(w, http.StatusForbidden, "email verification required")
	case errors.Is(err, ErrInvalidRefreshToken):
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
	case errors.Is(err, ErrInvalidOrExpiredToken):
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, ErrIncorrectCurrentPassword):
		writeError(w, http.StatusUnauthorized, "incorrect current password")
	case errors.Is(err, ErrCredentialNotFound):
		writeError(w, http.StatusNotFound, "credential not found")
	default:
		sentry.CaptureException(err)
		h.logger.LogError("auth_request_failed", err, map[string]any{
			"path":       r.URL.Path,
			"request_id": observability.RequestIDFromContext(r.Context()),
		})
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
