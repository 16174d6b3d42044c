package domain

import (
	"fmt"
	"time"
)

// FeedbackStatus 反映状态
type FeedbackStatus string

const (
	FeedbackPending    FeedbackStatus = "pending"
	FeedbackInProgress FeedbackStatus = "in_progress"
	FeedbackResolved   FeedbackStatus = "resolved"
	FeedbackRejected   FeedbackStatus = "rejected"
)

// Closed reports whether the feedback has been answered or rejected.
func (s FeedbackStatus) Closed() bool {
	return s == FeedbackResolved || s == FeedbackRejected
}

// Feedback 居民反映（对应 feedback 表）
// PrimaryFeedbackID 非空表示已合并到另一条主反映
type Feedback struct {
	FeedbackID string         `json:"id" db:"feedback_id"`
	Title      string         `json:"title" db:"title"`
	Body       string         `json:"body" db:"body"`
	Category   string         `json:"category" db:"category"`
	Status     FeedbackStatus `json:"status" db:"status"`

	SubmittedAt   time.Time `json:"submittedAt" db:"submitted_at"`
	SubmitterID   string    `json:"submitterId" db:"submitter_id"`
	SubmitterName string    `json:"submitterName" db:"submitter_name"`
	// Submitters is the union of submitter names folded into this report (JSONB).
	Submitters []string `json:"submitters" db:"submitters"`

	Resolution     string     `json:"resolution,omitempty" db:"resolution"`
	RespondingUnit string     `json:"respondingUnit,omitempty" db:"responding_unit"`
	RespondedAt    *time.Time `json:"respondedAt,omitempty" db:"responded_at"`

	ReportCount       int     `json:"reportCount" db:"report_count"`
	PrimaryFeedbackID *string `json:"primaryFeedbackId,omitempty" db:"primary_feedback_id"`
}

// IsSecondary reports whether the feedback has been merged into a primary.
func (f *Feedback) IsSecondary() bool { return f.PrimaryFeedbackID != nil && *f.PrimaryFeedbackID != "" }

// Clone returns a deep copy of f.
func (f *Feedback) Clone() *Feedback {
	if f == nil {
		return nil
	}
	c := *f
	c.Submitters = append([]string(nil), f.Submitters...)
	c.RespondedAt = cloneTime(f.RespondedAt)
	c.PrimaryFeedbackID = cloneString(f.PrimaryFeedbackID)
	return &c
}

// MergeMarker is the human readable note shown to the submitter of a merged report.
func MergeMarker(primaryID string) string {
	return fmt.Sprintf("Đã gộp vào phản ánh ID:%s", primaryID)
}
