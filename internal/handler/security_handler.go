package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"security-core/internal/audit"
	"security-core/internal/crypto"
	"security-core/internal/session"
	"security-core/internal/token"
	"security-core/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SecurityHandler exposes the security core to the embedding application
// over HTTP: sessions, tokens, payload encryption, and the audit log.
type SecurityHandler struct {
	sessions   *session.Manager
	tokens     *token.Manager
	encryption *crypto.Manager
	auditLog   *audit.Logger
	logger     *zap.Logger
}

func NewSecurityHandler(sessions *session.Manager, tokens *token.Manager, encryption *crypto.Manager, auditLog *audit.Logger, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{
		sessions:   sessions,
		tokens:     tokens,
		encryption: encryption,
		auditLog:   auditLog,
		logger:     logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

// RegisterRoutes registers all security core routes
func (h *SecurityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Post("/validate", h.ValidateSession)
		r.Patch("/{sessionID}", h.UpdateSession)
		r.Delete("/{sessionID}", h.TerminateSession)
	})

	router.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/sessions", h.GetActiveSessions)
		r.Delete("/sessions", h.TerminateAllSessions)
		r.Post("/rotate-key", h.RotateUserKey)
	})

	router.Route("/tokens", func(r chi.Router) {
		r.Post("/", h.GenerateToken)
		r.Post("/verify", h.VerifyToken)
		r.Post("/revoke", h.RevokeToken)
	})

	router.Post("/encrypt", h.EncryptPayload)
	router.Post("/decrypt", h.DecryptPayload)

	router.Route("/audit", func(r chi.Router) {
		r.Get("/logs", h.GetLogs)
		r.Get("/verify", h.VerifyIntegrity)
	})
}

type createSessionRequest struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
	IPAddress   string `json:"ip_address"`
	UserAgent   string `json:"user_agent"`
}

func (h *SecurityHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.UserID == "" || req.Fingerprint == "" || req.IPAddress == "" {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("user_id, fingerprint and ip_address are required"), "Missing required fields")
		return
	}
	if util.ContainsSuspicious(req.DeviceID) {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("device_id contains disallowed characters"), "Invalid device identifier")
		return
	}

	sessionID, err := h.sessions.CreateSession(
		req.UserID,
		req.DeviceID,
		req.Fingerprint,
		req.IPAddress,
		util.SanitizeInput(req.UserAgent),
	)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to create session")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(map[string]string{
		"session_id": sessionID,
	}, "Session created"))
}

type validateSessionRequest struct {
	SessionID   string `json:"session_id"`
	Fingerprint string `json:"fingerprint"`
	IPAddress   string `json:"ip_address"`
}

func (h *SecurityHandler) ValidateSession(w http.ResponseWriter, r *http.Request) {
	var req validateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	valid := h.sessions.ValidateSession(req.SessionID, req.Fingerprint, req.IPAddress)
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{
		"valid": valid,
	}, "Session validated"))
}

type updateSessionRequest struct {
	IPAddress string `json:"ip_address"`
}

func (h *SecurityHandler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	h.sessions.UpdateSession(sessionID, req.IPAddress)
	w.WriteHeader(http.StatusNoContent)
}

func (h *SecurityHandler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	h.sessions.TerminateSession(chi.URLParam(r, "sessionID"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *SecurityHandler) TerminateAllSessions(w http.ResponseWriter, r *http.Request) {
	h.sessions.TerminateAllUserSessions(chi.URLParam(r, "userID"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *SecurityHandler) GetActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.GetActiveSessions(chi.URLParam(r, "userID"))
	h.respondWithJSON(w, http.StatusOK, successResponse(sessions, "Active sessions retrieved"))
}

func (h *SecurityHandler) RotateUserKey(w http.ResponseWriter, r *http.Request) {
	h.tokens.RotateUserKey(chi.URLParam(r, "userID"))
	w.WriteHeader(http.StatusNoContent)
}

type generateTokenRequest struct {
	UserID  string                 `json:"user_id"`
	Payload map[string]interface{} `json:"payload"`
}

func (h *SecurityHandler) GenerateToken(w http.ResponseWriter, r *http.Request) {
	var req generateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.UserID == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("user_id is required"), "Missing required fields")
		return
	}

	signed, err := h.tokens.GenerateToken(req.Payload, req.UserID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to generate token")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(map[string]string{
		"token": signed,
	}, "Token issued"))
}

type verifyTokenRequest struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

func (h *SecurityHandler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	var req verifyTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	payload, err := h.tokens.VerifyToken(req.Token, req.UserID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Token rejected")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(payload, "Token verified"))
}

type revokeTokenRequest struct {
	Token string `json:"token"`
}

func (h *SecurityHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	var req revokeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	h.tokens.InvalidateToken(req.Token)
	w.WriteHeader(http.StatusNoContent)
}

type encryptRequest struct {
	UserID string      `json:"user_id"`
	Data   interface{} `json:"data"`
}

func (h *SecurityHandler) EncryptPayload(w http.ResponseWriter, r *http.Request) {
	var req encryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.UserID == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("user_id is required"), "Missing required fields")
		return
	}

	blob, err := h.encryption.Encrypt(req.Data, req.UserID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to encrypt payload")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"encrypted": blob,
	}, "Payload encrypted"))
}

type decryptRequest struct {
	UserID    string `json:"user_id"`
	Encrypted string `json:"encrypted"`
}

func (h *SecurityHandler) DecryptPayload(w http.ResponseWriter, r *http.Request) {
	var req decryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	data, err := h.encryption.Decrypt(req.Encrypted, req.UserID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to decrypt payload")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(data, "Payload decrypted"))
}

func (h *SecurityHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	filter := audit.Filter{
		Severity: audit.Severity(r.URL.Query().Get("severity")),
		Type:     r.URL.Query().Get("type"),
	}
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid start timestamp")
			return
		}
		filter.Start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid end timestamp")
			return
		}
		filter.End = t
	}

	entries := h.auditLog.GetLogs(filter)
	h.respondWithJSON(w, http.StatusOK, successResponse(entries, "Audit log retrieved"))
}

func (h *SecurityHandler) VerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{
		"intact": h.auditLog.VerifyIntegrity(),
	}, "Audit log integrity checked"))
}

// Helper Methods

func (h *SecurityHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *SecurityHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *SecurityHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, session.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, token.ErrVerificationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, crypto.ErrDecryptionFailed):
		return http.StatusBadRequest
	case errors.Is(err, crypto.ErrEncryptionFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
