package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"hokhau/internal/domain"
)

const requestColumns = `
	request_id::text,
	type,
	status,
	payload,
	target_household_id::text,
	target_person_id::text,
	submitted_by,
	rejection_reason,
	reviewed_by,
	reviewed_at,
	created_at`

func scanRequest(row rowScanner) (*domain.Request, error) {
	var r domain.Request
	var typ, status string
	var payload []byte
	var targetHH, targetPerson, reason, reviewer sql.NullString
	var reviewedAt sql.NullTime
	err := row.Scan(
		&r.RequestID,
		&typ,
		&status,
		&payload,
		&targetHH,
		&targetPerson,
		&r.SubmittedBy,
		&reason,
		&reviewer,
		&reviewedAt,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Type = domain.RequestType(typ)
	r.Status = domain.RequestStatus(status)
	r.Payload = payload
	r.TargetHouseholdID = stringPtr(targetHH)
	r.TargetPersonID = stringPtr(targetPerson)
	r.RejectionReason = stringPtr(reason)
	r.ReviewedBy = stringPtr(reviewer)
	r.ReviewedAt = timePtr(reviewedAt)
	return &r, nil
}

// GetRequest 根据 request_id 获取申请
func (r *pgQueries) GetRequest(ctx context.Context, requestID string) (*domain.Request, error) {
	if requestID == "" {
		return nil, fmt.Errorf("request_id is required")
	}
	id, err := uuidArg(requestID, "request")
	if err != nil {
		return nil, err
	}
	req, err := scanRequest(r.q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE request_id = $1::uuid`, id))
	if err != nil {
		return nil, notFound(err, "request")
	}
	return req, nil
}

// ListRequests 分页查询申请（最新在前）
func (r *pgQueries) ListRequests(ctx context.Context, filters RequestFilters, page, size int) ([]*domain.Request, int, error) {
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
	if filters.Type != "" {
		add("type = $%d", string(filters.Type.Normalize()))
	}
	if filters.TargetHouseholdID != "" {
		id, err := uuidArg(filters.TargetHouseholdID, "household")
		if err != nil {
			return []*domain.Request{}, 0, nil
		}
		add("target_household_id = $%d::uuid", id)
	}
	if filters.SubmittedBy != "" {
		add("submitted_by = $%d", filters.SubmittedBy)
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count requests: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM requests WHERE %s ORDER BY created_at DESC, request_id ASC LIMIT $%d OFFSET $%d`,
		requestColumns, whereClause, argN, argN+1)
	args = append(args, size, (page-1)*size)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	out := []*domain.Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, req)
	}
	return out, total, rows.Err()
}

// LockRequest 锁定申请行，approve/reject 并发时只有一个能看到 PENDING
func (r *postgresTx) LockRequest(ctx context.Context, requestID string) (*domain.Request, error) {
	id, err := uuidArg(requestID, "request")
	if err != nil {
		return nil, err
	}
	req, err := scanRequest(r.q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE request_id = $1::uuid FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "request")
	}
	return req, nil
}

// CreateRequest 持久化新申请
func (r *postgresTx) CreateRequest(ctx context.Context, req *domain.Request) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is required")
	}
	payload := []byte(req.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	err := r.q.QueryRowContext(ctx,
		`INSERT INTO requests (type, status, payload, target_household_id, target_person_id, submitted_by)
		 VALUES ($1, $2, $3::jsonb, $4::uuid, $5::uuid, $6)
		 RETURNING request_id::text, created_at`,
		string(req.Type), string(req.Status), string(payload),
		nullStringPtr(req.TargetHouseholdID), nullStringPtr(req.TargetPersonID), req.SubmittedBy,
	).Scan(&req.RequestID, &req.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	return req.RequestID, nil
}

// UpdateRequest 写入审核结果
func (r *postgresTx) UpdateRequest(ctx context.Context, req *domain.Request) error {
	id, err := uuidArg(req.RequestID, "request")
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx,
		`UPDATE requests
		 SET status = $2, rejection_reason = $3, reviewed_by = $4, reviewed_at = $5
		 WHERE request_id = $1::uuid`,
		id, string(req.Status),
		nullStringPtr(req.RejectionReason), nullStringPtr(req.ReviewedBy), nullTime(req.ReviewedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	return requireAffected(res, "request")
}
