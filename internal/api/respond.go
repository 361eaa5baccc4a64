package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/themadorg/madgate/internal/config"
	"github.com/themadorg/madgate/internal/exterrors"
)

// errorBody is the wire error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// kindStatus maps an error kind to its HTTP status and wire code.
func kindStatus(kind exterrors.Kind) (int, string) {
	switch kind {
	case exterrors.Validation:
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case exterrors.Authentication:
		return http.StatusUnauthorized, "AUTHENTICATION_ERROR"
	case exterrors.Authorization:
		return http.StatusForbidden, "AUTHORIZATION_ERROR"
	case exterrors.NotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case exterrors.Conflict:
		return http.StatusConflict, "CONFLICT"
	case exterrors.RateLimit:
		return http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"
	case exterrors.POP3:
		return http.StatusBadGateway, "POP3_ERROR"
	case exterrors.Encryption:
		return http.StatusInternalServerError, "ENCRYPTION_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// writeError renders err as the wire envelope. 5xx causes are masked in
// production and logged server-side instead.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := exterrors.KindOf(err)
	status, code := kindStatus(kind)

	detail := errorDetail{Code: code, Message: err.Error()}
	var ee *exterrors.Error
	if errors.As(err, &ee) {
		detail.Message = ee.Message
		detail.Details = ee.Details
	}

	if status >= 500 {
		s.logger.Error("request failed", zap.String("code", code), zap.Error(err))
		if s.cfg.Env == config.Production {
			detail.Message = "internal error"
			detail.Details = nil
		}
	}

	writeJSON(w, status, errorBody{Error: detail})
}

// decodeJSON parses a bounded request body into dst.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return exterrors.Wrap(exterrors.Validation, "invalid JSON body", err)
	}
	return nil
}
