// Package events publishes committed domain transitions to external sinks.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	RequestSubmitted     = "request.submitted"
	RequestApproved      = "request.approved"
	RequestRejected      = "request.rejected"
	HouseholdCreated     = "household.created"
	HouseholdActivated   = "household.activated"
	HouseholdHeadChanged = "household.head_changed"
	PersonCreated        = "person.created"
	FeedbackSubmitted    = "feedback.submitted"
	FeedbackMerged       = "feedback.merged"
	FeedbackResponded    = "feedback.responded"
	FeedbackRejected     = "feedback.rejected"
)

// Event 已提交的状态变更
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	ActorID    string          `json:"actorId,omitempty"`
	Subject    string          `json:"subject"` // id of the primary entity
	Data       json.RawMessage `json:"data,omitempty"`
}

// New 构造事件；data 编码失败时 Data 为空
func New(eventType, actorID, subject string, data any) Event {
	e := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		ActorID:    actorID,
		Subject:    subject,
	}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			e.Data = b
		}
	}
	return e
}

// Publisher 单个投递目标
type Publisher interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}
