package domain

import (
	"encoding/json"
	"time"
)

// RequestType 申请类型（封闭集合）
type RequestType string

const (
	RequestAddPerson      RequestType = "ADD_PERSON"
	RequestAddNewborn     RequestType = "ADD_NEWBORN"
	RequestTamTru         RequestType = "TAM_TRU"  // temporary residence
	RequestTamVang        RequestType = "TAM_VANG" // temporary absence
	RequestUpdatePerson   RequestType = "UPDATE_PERSON"
	RequestRemovePerson   RequestType = "XOA_NHAN_KHAU"
	RequestMoveOut        RequestType = "MOVE_OUT"
	RequestDeceased       RequestType = "DECEASED"
	RequestSplitHousehold RequestType = "SPLIT_HOUSEHOLD"
)

// RequestRemovePersonAlias is accepted on input and normalized to RequestRemovePerson.
const RequestRemovePersonAlias RequestType = "REMOVE_PERSON"

// Normalize maps accepted aliases onto the canonical type.
func (t RequestType) Normalize() RequestType {
	if t == RequestRemovePersonAlias {
		return RequestRemovePerson
	}
	return t
}

// Valid reports whether t (after normalization) is a known request type.
func (t RequestType) Valid() bool {
	switch t.Normalize() {
	case RequestAddPerson, RequestAddNewborn, RequestTamTru, RequestTamVang, RequestUpdatePerson,
		RequestRemovePerson, RequestMoveOut, RequestDeceased, RequestSplitHousehold:
		return true
	}
	return false
}

// RequestStatus 申请状态：PENDING -> APPROVED | REJECTED，不可回退
type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestRejected RequestStatus = "REJECTED"
)

// Request 居民申请（对应 requests 表）
type Request struct {
	RequestID         string          `json:"id" db:"request_id"`
	Type              RequestType     `json:"type" db:"type"`
	Status            RequestStatus   `json:"status" db:"status"`
	Payload           json.RawMessage `json:"payload" db:"payload"` // JSONB
	TargetHouseholdID *string         `json:"targetHouseholdId,omitempty" db:"target_household_id"`
	TargetPersonID    *string         `json:"targetPersonId,omitempty" db:"target_person_id"`
	SubmittedBy       string          `json:"submittedBy" db:"submitted_by"`
	RejectionReason   *string         `json:"rejectionReason,omitempty" db:"rejection_reason"`
	ReviewedBy        *string         `json:"reviewedBy,omitempty" db:"reviewed_by"`
	ReviewedAt        *time.Time      `json:"reviewedAt,omitempty" db:"reviewed_at"`
	CreatedAt         time.Time       `json:"createdAt" db:"created_at"`
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = append(json.RawMessage(nil), r.Payload...)
	c.TargetHouseholdID = cloneString(r.TargetHouseholdID)
	c.TargetPersonID = cloneString(r.TargetPersonID)
	c.RejectionReason = cloneString(r.RejectionReason)
	c.ReviewedBy = cloneString(r.ReviewedBy)
	c.ReviewedAt = cloneTime(r.ReviewedAt)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns nil for empty strings.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
