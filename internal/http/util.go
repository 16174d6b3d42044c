package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"hokhau/internal/domain"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

// readBodyJSON 解析请求体；空请求体不报错，未知字段报错
func readBodyJSON(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return domain.NewValidationError("failed to read request body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return domain.NewValidationError("malformed request body",
			domain.FieldError{Field: "body", Reason: err.Error()})
	}
	return nil
}

// actorFrom 调用者身份由网关注入的请求头给出
func actorFrom(r *http.Request) domain.Actor {
	return domain.Actor{
		UserID: strings.TrimSpace(r.Header.Get("X-User-Id")),
		Name:   strings.TrimSpace(r.Header.Get("X-User-Name")),
		Role:   domain.Role(strings.ToLower(strings.TrimSpace(r.Header.Get("X-User-Role")))),
	}
}

// writeError 领域错误 -> HTTP 状态码
func writeError(w http.ResponseWriter, logger *zap.Logger, r *http.Request, err error) {
	var (
		ve *domain.ValidationError
		ce *domain.ConflictError
		ne *domain.NotFoundError
		ie *domain.InvalidStateError
		fe *domain.ForbiddenError
	)
	switch {
	case errors.As(err, &ve):
		kind := ErrorValidation
		if len(ve.Fields) == 0 {
			kind = ve.Message
		}
		res := Fail(kind, ve.Message)
		res.Fields = ve.Fields
		writeJSON(w, http.StatusBadRequest, res)
	case errors.As(err, &ne):
		writeJSON(w, http.StatusNotFound, Fail(ErrorNotFound, ne.Error()))
	case errors.As(err, &ce):
		res := Fail(ErrorConflict, ce.Error())
		res.Code = ce.Code
		writeJSON(w, http.StatusConflict, res)
	case errors.As(err, &ie):
		writeJSON(w, http.StatusConflict, Fail(ErrorInvalidState, ie.Error()))
	case errors.As(err, &fe):
		writeJSON(w, http.StatusForbidden, Fail(ErrorForbidden, fe.Error()))
	default:
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, Fail(ErrorInternal, "internal error"))
	}
}
