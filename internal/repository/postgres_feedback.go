package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"hokhau/internal/domain"
)

const feedbackColumns = `
	feedback_id::text,
	title,
	COALESCE(body, ''),
	COALESCE(category, ''),
	status,
	submitted_at,
	COALESCE(submitter_id, ''),
	COALESCE(submitter_name, ''),
	COALESCE(submitters, '[]'::jsonb),
	COALESCE(resolution, ''),
	COALESCE(responding_unit, ''),
	responded_at,
	report_count,
	primary_feedback_id::text`

func scanFeedback(row rowScanner) (*domain.Feedback, error) {
	var f domain.Feedback
	var status string
	var submitters []byte
	var respondedAt sql.NullTime
	var primary sql.NullString
	err := row.Scan(
		&f.FeedbackID,
		&f.Title,
		&f.Body,
		&f.Category,
		&status,
		&f.SubmittedAt,
		&f.SubmitterID,
		&f.SubmitterName,
		&submitters,
		&f.Resolution,
		&f.RespondingUnit,
		&respondedAt,
		&f.ReportCount,
		&primary,
	)
	if err != nil {
		return nil, err
	}
	f.Status = domain.FeedbackStatus(status)
	f.RespondedAt = timePtr(respondedAt)
	f.PrimaryFeedbackID = stringPtr(primary)
	f.Submitters = []string{}
	if len(submitters) > 0 {
		if err := json.Unmarshal(submitters, &f.Submitters); err != nil {
			return nil, fmt.Errorf("failed to decode submitters: %w", err)
		}
	}
	return &f, nil
}

func scanFeedbackRows(rows *sql.Rows) ([]*domain.Feedback, error) {
	defer rows.Close()
	out := []*domain.Feedback{}
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetFeedback 根据 feedback_id 获取反映
func (r *pgQueries) GetFeedback(ctx context.Context, feedbackID string) (*domain.Feedback, error) {
	if feedbackID == "" {
		return nil, fmt.Errorf("feedback_id is required")
	}
	id, err := uuidArg(feedbackID, "feedback")
	if err != nil {
		return nil, err
	}
	f, err := scanFeedback(r.q.QueryRowContext(ctx,
		`SELECT `+feedbackColumns+` FROM feedback WHERE feedback_id = $1::uuid`, id))
	if err != nil {
		return nil, notFound(err, "feedback")
	}
	return f, nil
}

// ListFeedback 分页查询反映；ExcludeSecondaries 用于管理员列表
func (r *pgQueries) ListFeedback(ctx context.Context, filters FeedbackFilters, page, size int) ([]*domain.Feedback, int, error) {
	page, size = normalizePage(page, size)

	where := []string{"1=1"}
	args := []any{}
	argN := 1
	add := func(cond string, v any) {
		where = append(where, fmt.Sprintf(cond, argN))
		args = append(args, v)
		argN++
	}
	if filters.Status != "" {
		add("status = $%d", string(filters.Status))
	}
	if filters.Category != "" {
		add("category = $%d", filters.Category)
	}
	if filters.SubmitterID != "" {
		add("submitter_id = $%d", filters.SubmitterID)
	}
	if filters.ExcludeSecondaries {
		where = append(where, "primary_feedback_id IS NULL")
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feedback WHERE `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count feedback: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM feedback WHERE %s ORDER BY submitted_at DESC, feedback_id ASC LIMIT $%d OFFSET $%d`,
		feedbackColumns, whereClause, argN, argN+1)
	args = append(args, size, (page-1)*size)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list feedback: %w", err)
	}
	out, err := scanFeedbackRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ListSecondaries 查询直接挂在 primaryID 下的反映
func (r *pgQueries) ListSecondaries(ctx context.Context, primaryID string) ([]*domain.Feedback, error) {
	id, err := uuidArg(primaryID, "feedback")
	if err != nil {
		return []*domain.Feedback{}, nil
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+feedbackColumns+` FROM feedback
		 WHERE primary_feedback_id = $1::uuid
		 ORDER BY submitted_at ASC, feedback_id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list secondaries: %w", err)
	}
	return scanFeedbackRows(rows)
}

// LockFeedbacks 按 feedback_id 顺序加锁，避免两个 merge 互相死锁
func (r *postgresTx) LockFeedbacks(ctx context.Context, feedbackIDs []string) ([]*domain.Feedback, error) {
	if len(feedbackIDs) == 0 {
		return []*domain.Feedback{}, nil
	}
	ids := make([]string, 0, len(feedbackIDs))
	for _, raw := range uniqueStrings(feedbackIDs) {
		id, err := uuidArg(raw, "feedback")
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+feedbackColumns+` FROM feedback
		 WHERE feedback_id = ANY($1::uuid[])
		 ORDER BY feedback_id
		 FOR UPDATE`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to lock feedback: %w", err)
	}
	out, err := scanFeedbackRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) != len(ids) {
		return nil, fmt.Errorf("feedback: %w", ErrNotFound)
	}
	return out, nil
}

// CreateFeedback 创建反映
func (r *postgresTx) CreateFeedback(ctx context.Context, f *domain.Feedback) (string, error) {
	if f == nil {
		return "", fmt.Errorf("feedback is required")
	}
	submitters, err := json.Marshal(nonNilStrings(f.Submitters))
	if err != nil {
		return "", fmt.Errorf("failed to encode submitters: %w", err)
	}
	if f.ReportCount <= 0 {
		f.ReportCount = 1
	}
	err = r.q.QueryRowContext(ctx,
		`INSERT INTO feedback (title, body, category, status, submitter_id, submitter_name, submitters, report_count, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, COALESCE($9, NOW()))
		 RETURNING feedback_id::text, submitted_at`,
		f.Title, nullString(f.Body), nullString(f.Category), string(f.Status),
		nullString(f.SubmitterID), nullString(f.SubmitterName), string(submitters), f.ReportCount,
		nullZeroTime(f.SubmittedAt),
	).Scan(&f.FeedbackID, &f.SubmittedAt)
	if err != nil {
		return "", fmt.Errorf("failed to create feedback: %w", err)
	}
	return f.FeedbackID, nil
}

// UpdateFeedback 更新状态、答复、合并关系
func (r *postgresTx) UpdateFeedback(ctx context.Context, f *domain.Feedback) error {
	id, err := uuidArg(f.FeedbackID, "feedback")
	if err != nil {
		return err
	}
	submitters, err := json.Marshal(nonNilStrings(f.Submitters))
	if err != nil {
		return fmt.Errorf("failed to encode submitters: %w", err)
	}
	res, err := r.q.ExecContext(ctx,
		`UPDATE feedback
		 SET status = $2, submitters = $3::jsonb, resolution = $4, responding_unit = $5,
		     responded_at = $6, report_count = $7, primary_feedback_id = $8::uuid
		 WHERE feedback_id = $1::uuid`,
		id, string(f.Status), string(submitters), nullString(f.Resolution),
		nullString(f.RespondingUnit), nullTime(f.RespondedAt), f.ReportCount, nullStringPtr(f.PrimaryFeedbackID),
	)
	if err != nil {
		return fmt.Errorf("failed to update feedback: %w", err)
	}
	return requireAffected(res, "feedback")
}

func nullZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
