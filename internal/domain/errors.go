package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Conflict codes surfaced to callers.
const (
	ConflictHouseholdHeadExists   = "HOUSEHOLD_HEAD_EXISTS"
	ConflictHouseholdInactive     = "HOUSEHOLD_NOT_ACTIVE"
	ConflictHouseholdHeadMissing  = "HOUSEHOLD_HEAD_MISSING"
	ConflictHouseholdCodeTaken    = "HOUSEHOLD_CODE_TAKEN"
	ConflictHeadRemoval           = "HOUSEHOLD_HEAD_REMOVAL"
	ConflictPersonStatusTerminal  = "PERSON_STATUS_TERMINAL"
	ConflictSplitRemovesHead      = "SPLIT_REMOVES_SOURCE_HEAD"
	ConflictFeedbackAlreadyClosed = "FEEDBACK_ALREADY_CLOSED"
	ConflictIdempotencyInProgress = "IDEMPOTENCY_KEY_IN_USE"
)

// FieldError describes one missing or invalid payload field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError 请求格式错误或字段缺失，调用方需修正后重新提交
type ValidationError struct {
	Message string
	Fields  []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Field)
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(names, ", "))
}

// NewValidationError builds a ValidationError without field detail.
func NewValidationError(message string, fields ...FieldError) *ValidationError {
	return &ValidationError{Message: message, Fields: fields}
}

// ConflictError 违反户主唯一性等业务约束
type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewConflictError builds a ConflictError.
func NewConflictError(code, message string) *ConflictError {
	return &ConflictError{Code: code, Message: message}
}

// NotFoundError 引用的户口/人口/申请/反映不存在
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// InvalidStateError 申请不处于 PENDING
type InvalidStateError struct {
	Current string
	Message string
}

func (e *InvalidStateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("invalid state: %s", e.Current)
}

// ForbiddenError 调用者角色无权执行该操作
type ForbiddenError struct {
	Action string
	Role   Role
}

func (e *ForbiddenError) Error() string {
	role := string(e.Role)
	if role == "" {
		role = "anonymous"
	}
	return fmt.Sprintf("%s is not permitted for role %s", e.Action, role)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// ConflictCode returns the conflict code carried by err, or "".
func ConflictCode(err error) string {
	var e *ConflictError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}

func IsForbidden(err error) bool {
	var e *ForbiddenError
	return errors.As(err, &e)
}
