package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"legacyplan/api/internal/auth"
	"legacyplan/api/internal/autosave"
	"legacyplan/api/internal/export"
	"legacyplan/api/internal/plan"
	"legacyplan/api/internal/rbac"
	"legacyplan/api/internal/store"
)

var validate = validator.New()

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
	metrics    http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger, metrics: promhttp.Handler()}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	s.logger.Warn("request forbidden",
		zap.String("request_id", requestID(r.Context())),
		zap.String("owner_id", session.OwnerID),
		zap.String("role", string(session.Role)),
		zap.String("action", string(action)),
	)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/api/plan") && r.URL.Path != "/api/session/end" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/end":
		s.handleSessionEnd(w, r, session)
	case r.Method == http.MethodGet && r.URL.Path == "/api/plan":
		s.withAction(w, r, session, rbac.ActionRead, s.handleGetPlan)
	case r.Method == http.MethodPatch && r.URL.Path == "/api/plan":
		s.withAction(w, r, session, rbac.ActionWrite, s.handlePatchPlan)
	case r.Method == http.MethodGet && r.URL.Path == "/api/plan/save-state":
		s.withAction(w, r, session, rbac.ActionRead, s.handleSaveState)
	case r.Method == http.MethodPost && r.URL.Path == "/api/plan/retry":
		s.withAction(w, r, session, rbac.ActionWrite, s.handleRetry)
	case r.Method == http.MethodGet && r.URL.Path == "/api/plan/sections":
		s.withAction(w, r, session, rbac.ActionRead, s.handleSections)
	case r.Method == http.MethodGet && r.URL.Path == "/api/plan/readiness":
		s.withAction(w, r, session, rbac.ActionRead, s.handleReadiness)
	case r.Method == http.MethodGet && r.URL.Path == "/api/plan/revisions":
		s.withAction(w, r, session, rbac.ActionRead, s.handleRevisions)
	case r.Method == http.MethodPost && r.URL.Path == "/api/plan/export":
		s.withAction(w, r, session, rbac.ActionExport, s.handleExport)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, session Session)

func (s *HTTPServer) withAction(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action, next sessionHandler) {
	if !s.service.Can(session, action) {
		s.forbid(w, r, session, action)
		return
	}
	next(w, r, session)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":       status == "ready",
		"status":   status,
		"checks":   checks,
		"sessions": s.service.openSessions(),
	})
}

func (s *HTTPServer) handleGetPlan(w http.ResponseWriter, r *http.Request, session Session) {
	state, err := s.service.GetPlan(r.Context(), session)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handlePatchPlan(w http.ResponseWriter, r *http.Request, session Session) {
	var patch plan.Patch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	applied, status, err := s.service.ApplyPatch(r.Context(), session, patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"applied":    applied,
		"save_state": status,
	})
}

func (s *HTTPServer) handleSaveState(w http.ResponseWriter, r *http.Request, session Session) {
	status, err := s.service.SaveState(r.Context(), session)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request, session Session) {
	status, err := s.service.Retry(r.Context(), session)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleSections(w http.ResponseWriter, r *http.Request, session Session) {
	visible, err := s.service.Sections(r.Context(), session)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sections": visible})
}

func (s *HTTPServer) handleReadiness(w http.ResponseWriter, r *http.Request, session Session) {
	report, err := s.service.Readiness(r.Context(), session)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleRevisions(w http.ResponseWriter, r *http.Request, session Session) {
	revisions, err := s.service.Revisions(r.Context(), session)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revisions})
}

type exportRequest struct {
	Mode       string      `json:"mode" validate:"required,oneof=final draft"`
	Signature  string      `json:"signature" validate:"required_if=Mode final,max=200"`
	PreparedBy string      `json:"prepared_by" validate:"max=200"`
	PII        *export.PII `json:"pii"`
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session) {
	var body exportRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := validate.Struct(body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid export request", validationDetails(err))
		return
	}

	result, err := s.service.Export(r.Context(), session, export.Mode(body.Mode), body.Signature, body.PreparedBy, body.PII)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", result.MimeType)
	header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	header.Set("Content-Length", strconv.Itoa(len(result.Data)))
	if result.Revision != nil {
		header.Set("X-Plan-Revision-Date", result.Revision.RevisionDate.UTC().Format(time.RFC3339))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleSessionEnd(w http.ResponseWriter, r *http.Request, session Session) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.service.EndSession(ctx, session.OwnerID); err != nil {
		// unsaved changes stay in the draft and resume next session
		s.logger.Warn("session ended with unsaved changes",
			zap.String("request_id", requestID(r.Context())),
			zap.String("owner_id", session.OwnerID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "saved": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "saved": true})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", reqID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID, X-Plan-Revision-Date")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func validationDetails(err error) any {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, map[string]string{"field": fe.Namespace(), "rule": fe.Tag()})
	}
	return map[string]any{"fields": fields}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var notReady *export.NotReadyError
	if errors.As(err, &notReady) {
		return http.StatusConflict, "EXPORT_NOT_READY", "Required sections are incomplete", map[string]any{"missing": notReady.Missing}
	}
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, store.ErrAccessDenied):
		return http.StatusForbidden, "ACCESS_DENIED", "Access denied", nil
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "REPOSITORY_UNAVAILABLE", "Plan storage is unavailable", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, plan.ErrInvalidPatch):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, export.ErrExportNotReady):
		return http.StatusConflict, "EXPORT_NOT_READY", "Required sections are incomplete", nil
	case errors.Is(err, export.ErrEntitlementRequired):
		return http.StatusPaymentRequired, "ENTITLEMENT_REQUIRED", "An active subscription is required", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export renderer unavailable", nil
	case errors.Is(err, autosave.ErrClosed):
		return http.StatusConflict, "SESSION_CLOSED", "Session ended", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
