package httpapi

import "hokhau/internal/domain"

// Result 成功响应包
// - code: 2000
// - type: 'success'
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

const ResultSuccess = 2000

// ErrorBody 失败响应体
// - error: 错误类别；没有字段明细的校验错误直接给出原因
// - code: 冲突码，仅 ConflictError 携带
// - fields: 字段错误
type ErrorBody struct {
	Type    string              `json:"type"`
	Error   string              `json:"error"`
	Message string              `json:"message"`
	Code    string              `json:"code,omitempty"`
	Fields  []domain.FieldError `json:"fields,omitempty"`
}

// 错误类别
const (
	ErrorValidation   = "ValidationError"
	ErrorConflict     = "ConflictError"
	ErrorNotFound     = "NotFoundError"
	ErrorInvalidState = "InvalidStateError"
	ErrorForbidden    = "ForbiddenError"
	ErrorInternal     = "InternalError"
)

func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

func Fail(kind, message string) ErrorBody {
	return ErrorBody{Type: "error", Error: kind, Message: message}
}

// Page 列表结果
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}
