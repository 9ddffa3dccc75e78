package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"otp-service/internal/otp"
	"otp-service/internal/util"
)

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	phonePattern = regexp.MustCompile(`^(\+91|91)?[6-9][0-9]{9}$`)
	codePattern  = regexp.MustCompile(`^[0-9]{4,8}$`)
)

// OTPService is the subset of the passcode manager the HTTP layer needs.
type OTPService interface {
	Request(ctx context.Context, identifier string, ch otp.Channel) (*otp.Challenge, error)
	Verify(ctx context.Context, sessionID, identifier, code string) (*otp.VerifyResult, error)
	Resend(ctx context.Context, sessionID string) (*otp.Challenge, error)
	ChannelAvailable(ch otp.Channel) bool
}

// OTPHandler serves the passcode endpoints.
type OTPHandler struct {
	service OTPService
	config  otp.Config
}

func NewOTPHandler(service OTPService, config otp.Config) *OTPHandler {
	return &OTPHandler{service: service, config: config}
}

// RegisterRoutes mounts the passcode endpoints on the given router.
func (h *OTPHandler) RegisterRoutes(r chi.Router) {
	r.Post("/request", h.RequestOTP)
	r.Post("/verify", h.VerifyOTP)
	r.Post("/resend", h.ResendOTP)
	r.Get("/config", h.GetConfig)
}

type requestOTPRequest struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
	Type  string `json:"type"`
}

type verifyOTPRequest struct {
	Identifier string `json:"identifier"`
	OTP        string `json:"otp"`
	SessionID  string `json:"sessionId"`
}

type resendOTPRequest struct {
	SessionID string `json:"sessionId"`
}

// RequestOTP handles POST /api/otp/request.
func (h *OTPHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req requestOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload", "")
		return
	}

	ch := otp.Channel(req.Type)
	if !ch.Valid() {
		writeError(w, http.StatusBadRequest, `Type must be either "email" or "sms"`, "")
		return
	}

	var identifier string
	switch ch {
	case otp.ChannelEmail:
		if req.Email == "" {
			writeError(w, http.StatusBadRequest, "Email is required for email OTP", "")
			return
		}
		if !emailPattern.MatchString(req.Email) {
			writeError(w, http.StatusBadRequest, "Please provide a valid email address", "")
			return
		}
		identifier = strings.ToLower(req.Email)
	case otp.ChannelSMS:
		if req.Phone == "" {
			writeError(w, http.StatusBadRequest, "Phone number is required for SMS OTP", "")
			return
		}
		normalized, ok := normalizePhone(req.Phone)
		if !ok {
			writeError(w, http.StatusBadRequest, "Please provide a valid phone number", "")
			return
		}
		identifier = normalized
	}

	challenge, err := h.service.Request(r.Context(), identifier, ch)
	if err != nil {
		h.writeRequestError(w, err)
		return
	}

	noun := "email"
	if ch == otp.ChannelSMS {
		noun = "phone number"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"message":     "OTP sent to your " + noun,
		"sessionId":   challenge.SessionID,
		"expiryTime":  challenge.ExpiresAt.UTC().Format(time.RFC3339),
		"canResendAt": challenge.ResendAllowedAt.UTC().Format(time.RFC3339),
	})
}

func (h *OTPHandler) writeRequestError(w http.ResponseWriter, err error) {
	var rateLimited *otp.RateLimitedError
	switch {
	case errors.As(err, &rateLimited):
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":      "Too many OTP requests, please wait before requesting again",
			"retryAfter": int(rateLimited.RetryAfter.Seconds()),
		})
	case errors.Is(err, otp.ErrChannelUnavailable):
		writeError(w, http.StatusServiceUnavailable, "OTP delivery is not configured for this channel", "")
	case errors.Is(err, otp.ErrDeliveryFailed):
		writeError(w, http.StatusInternalServerError, "Failed to send OTP", "Please try again later")
	default:
		writeError(w, http.StatusInternalServerError, "Failed to send OTP", "Please try again later")
	}
}

// VerifyOTP handles POST /api/otp/verify.
func (h *OTPHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload", "")
		return
	}

	if req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "Identifier (email or phone) is required", "")
		return
	}
	if !codePattern.MatchString(req.OTP) {
		writeError(w, http.StatusBadRequest, "OTP must be 4-8 digits", "")
		return
	}
	if _, err := uuid.Parse(req.SessionID); err != nil {
		writeError(w, http.StatusBadRequest, "Valid session ID is required", "")
		return
	}

	identifier := normalizeIdentifier(req.Identifier)

	result, err := h.service.Verify(r.Context(), req.SessionID, identifier, req.OTP)
	if err != nil {
		h.writeVerifyError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"message":    "OTP verified successfully",
		"verifiedAt": result.VerifiedAt.UTC().Format(time.RFC3339),
		"type":       string(result.Channel),
		"identifier": result.Identifier,
	})
}

func (h *OTPHandler) writeVerifyError(w http.ResponseWriter, err error) {
	var invalidCode *otp.InvalidCodeError
	switch {
	case errors.Is(err, otp.ErrSessionNotFound):
		writeErrorCode(w, http.StatusBadRequest, "Invalid or expired session", "SESSION_NOT_FOUND")
	case errors.Is(err, otp.ErrExpired):
		writeErrorCode(w, http.StatusBadRequest, "OTP has expired", "OTP_EXPIRED")
	case errors.Is(err, otp.ErrAttemptsExhausted):
		writeErrorCode(w, http.StatusBadRequest, "Maximum verification attempts exceeded", "MAX_ATTEMPTS_EXCEEDED")
	case errors.Is(err, otp.ErrIdentifierMismatch):
		writeErrorCode(w, http.StatusBadRequest, "Identifier mismatch", "IDENTIFIER_MISMATCH")
	case errors.As(err, &invalidCode):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":             "Invalid OTP",
			"code":              "INVALID_OTP",
			"remainingAttempts": invalidCode.RemainingAttempts,
		})
	default:
		writeError(w, http.StatusInternalServerError, "Verification failed", "Please try again later")
	}
}

// ResendOTP handles POST /api/otp/resend.
func (h *OTPHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req resendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload", "")
		return
	}

	if _, err := uuid.Parse(req.SessionID); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "Invalid session ID", "SESSION_NOT_FOUND")
		return
	}

	challenge, err := h.service.Resend(r.Context(), req.SessionID)
	if err != nil {
		h.writeResendError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"message":     "OTP resent successfully",
		"expiryTime":  challenge.ExpiresAt.UTC().Format(time.RFC3339),
		"canResendAt": challenge.ResendAllowedAt.UTC().Format(time.RFC3339),
	})
}

func (h *OTPHandler) writeResendError(w http.ResponseWriter, err error) {
	var tooSoon *otp.TooSoonError
	switch {
	case errors.Is(err, otp.ErrSessionNotFound):
		writeErrorCode(w, http.StatusBadRequest, "Invalid session ID", "SESSION_NOT_FOUND")
	case errors.Is(err, otp.ErrExpired):
		writeErrorCode(w, http.StatusBadRequest, "OTP has expired", "OTP_EXPIRED")
	case errors.As(err, &tooSoon):
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":    "Please wait before requesting another OTP",
			"waitTime": int(tooSoon.Wait.Seconds()),
		})
	case errors.Is(err, otp.ErrChannelUnavailable):
		writeError(w, http.StatusServiceUnavailable, "OTP delivery is not configured for this channel", "")
	default:
		writeError(w, http.StatusInternalServerError, "Failed to resend OTP", "Please try again later")
	}
}

// GetConfig handles GET /api/otp/config.
func (h *OTPHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"emailEnabled":  h.service.ChannelAvailable(otp.ChannelEmail),
		"smsEnabled":    h.service.ChannelAvailable(otp.ChannelSMS),
		"otpLength":     h.config.CodeLength,
		"expiryMinutes": int(h.config.Expiry.Minutes()),
		"maxAttempts":   h.config.MaxAttempts,
	})
}

// normalizeIdentifier lowercases emails and converts phone numbers to
// E.164 so lookups match what was stored at request time.
func normalizeIdentifier(identifier string) string {
	if normalized, ok := normalizePhone(identifier); ok {
		return normalized
	}
	return strings.ToLower(identifier)
}

func normalizePhone(phone string) (string, bool) {
	if !phonePattern.MatchString(phone) {
		return "", false
	}
	digits := strings.TrimPrefix(phone, "+")
	if len(digits) == 12 && strings.HasPrefix(digits, "91") {
		digits = digits[2:]
	}
	if len(digits) != 10 {
		return "", false
	}
	return "+91" + digits, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		util.Error("failed to encode response", util.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, status int, message, detail string) {
	payload := map[string]interface{}{"error": message}
	if detail != "" {
		payload["message"] = detail
	}
	writeJSON(w, status, payload)
}

func writeErrorCode(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]interface{}{
		"error": message,
		"code":  code,
	})
}
