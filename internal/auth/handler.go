package auth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"
)

const maxJSONBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

type Handler struct {
	service *Service
	now     func() time.Time
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service, now: service.now}
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=200"`
}

type refreshRequest struct {
	AccessToken  string `json:"accessToken" validate:"required,max=4096"`
	RefreshToken string `json:"refreshToken" validate:"required,hexadecimal,max=256"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}

	// malformed credentials get the same answer as wrong ones
	body.Email = strings.TrimSpace(body.Email)
	if err := validate.Struct(body); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	session, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		var lockedErr ErrLoginLocked
		switch {
		case errors.As(err, &lockedErr):
			retryAfter := int(lockedErr.Until.Sub(h.now()).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusUnauthorized, "account temporarily locked")
		case errors.Is(err, ErrAccountInactive):
			writeError(w, http.StatusForbidden, "account inactive")
		case errors.Is(err, ErrInvalidCredential):
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to login")
		}
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body, false) {
		return
	}

	body.AccessToken = strings.TrimSpace(body.AccessToken)
	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if err := validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid refresh request")
		return
	}

	session, err := h.service.Refresh(r.Context(), body.AccessToken, body.RefreshToken)
	if err != nil {
		if isClientRefreshError(err) {
			writeError(w, http.StatusBadRequest, "invalid refresh request")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	var body logoutRequest
	if !decodeJSON(w, r, &body, true) {
		return
	}

	if err := h.service.LogoutSession(r.Context(), principal, body.RefreshToken); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	writeJSON(w, http.StatusOK, principal)
}

func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "credential id is required")
		return
	}

	if err := h.service.Unlock(r.Context(), userID); err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			writeError(w, http.StatusNotFound, "credential not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to unlock credential")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "credential unlocked"})
}

func isClientRefreshError(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrInvalidRefresh) ||
		errors.Is(err, ErrReplayDetected) ||
		errors.Is(err, ErrInvalidCredential)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
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
	writeJSON(w, status, map[string]string{"message": message})
}
