package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"hokhau/internal/domain"
)

const householdColumns = `
	household_id::text,
	code,
	COALESCE(address_line, ''),
	COALESCE(ward, ''),
	COALESCE(district, ''),
	COALESCE(province, ''),
	issued_at,
	COALESCE(note, ''),
	status,
	created_at,
	updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHousehold(row rowScanner) (*domain.Household, error) {
	var h domain.Household
	var issuedAt sql.NullTime
	var status string
	err := row.Scan(
		&h.HouseholdID,
		&h.Code,
		&h.AddressLine,
		&h.Ward,
		&h.District,
		&h.Province,
		&issuedAt,
		&h.Note,
		&status,
		&h.CreatedAt,
		&h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	h.IssuedAt = timePtr(issuedAt)
	h.Status = domain.HouseholdStatus(status)
	return &h, nil
}

// GetHousehold 根据 household_id 获取户口
func (r *pgQueries) GetHousehold(ctx context.Context, householdID string) (*domain.Household, error) {
	if householdID == "" {
		return nil, fmt.Errorf("household_id is required")
	}
	id, err := uuidArg(householdID, "household")
	if err != nil {
		return nil, err
	}
	h, err := scanHousehold(r.q.QueryRowContext(ctx,
		`SELECT `+householdColumns+` FROM households WHERE household_id = $1::uuid`, id))
	if err != nil {
		return nil, notFound(err, "household")
	}
	return h, nil
}

// GetHouseholdByCode 根据户口编号获取户口（TAM_TRU 使用）
func (r *pgQueries) GetHouseholdByCode(ctx context.Context, code string) (*domain.Household, error) {
	if code == "" {
		return nil, fmt.Errorf("code is required")
	}
	h, err := scanHousehold(r.q.QueryRowContext(ctx,
		`SELECT `+householdColumns+` FROM households WHERE code = $1`, strings.ToUpper(code)))
	if err != nil {
		return nil, notFound(err, "household")
	}
	return h, nil
}

// ListHouseholds 分页查询户口
func (r *pgQueries) ListHouseholds(ctx context.Context, filters HouseholdFilters, page, size int) ([]*domain.Household, int, error) {
	page, size = normalizePage(page, size)

	where := []string{"1=1"}
	args := []any{}
	argN := 1
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", argN))
		args = append(args, string(filters.Status))
		argN++
	}
	if filters.Search != "" {
		where = append(where, fmt.Sprintf("(code ILIKE $%d OR address_line ILIKE $%d)", argN, argN))
		args = append(args, "%"+filters.Search+"%")
		argN++
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM households WHERE `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count households: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM households WHERE %s ORDER BY code ASC LIMIT $%d OFFSET $%d`,
		householdColumns, whereClause, argN, argN+1)
	args = append(args, size, (page-1)*size)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list households: %w", err)
	}
	defer rows.Close()

	out := []*domain.Household{}
	for rows.Next() {
		h, err := scanHousehold(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan household: %w", err)
		}
		out = append(out, h)
	}
	return out, total, rows.Err()
}

// LockHousehold SELECT ... FOR UPDATE，串行化同一户口上的户主变更
func (r *postgresTx) LockHousehold(ctx context.Context, householdID string) (*domain.Household, error) {
	id, err := uuidArg(householdID, "household")
	if err != nil {
		return nil, err
	}
	h, err := scanHousehold(r.q.QueryRowContext(ctx,
		`SELECT `+householdColumns+` FROM households WHERE household_id = $1::uuid FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "household")
	}
	return h, nil
}

// CreateHousehold 创建户口，返回 household_id
func (r *postgresTx) CreateHousehold(ctx context.Context, h *domain.Household) (string, error) {
	if h == nil {
		return "", fmt.Errorf("household is required")
	}
	if h.Code == "" {
		return "", fmt.Errorf("code is required")
	}
	status := h.Status
	if status == "" {
		status = domain.HouseholdInactive
	}
	err := r.q.QueryRowContext(ctx,
		`INSERT INTO households (code, address_line, ward, district, province, issued_at, note, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING household_id::text, created_at, updated_at`,
		h.Code, nullString(h.AddressLine), nullString(h.Ward), nullString(h.District), nullString(h.Province),
		nullTime(h.IssuedAt), nullString(h.Note), string(status),
	).Scan(&h.HouseholdID, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to create household: %w", mapPQError(err))
	}
	h.Status = status
	return h.HouseholdID, nil
}

// UpdateHousehold 更新户口地址、备注和状态
func (r *postgresTx) UpdateHousehold(ctx context.Context, h *domain.Household) error {
	id, err := uuidArg(h.HouseholdID, "household")
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx,
		`UPDATE households
		 SET address_line = $2, ward = $3, district = $4, province = $5,
		     issued_at = $6, note = $7, status = $8, updated_at = NOW()
		 WHERE household_id = $1::uuid`,
		id, nullString(h.AddressLine), nullString(h.Ward), nullString(h.District), nullString(h.Province),
		nullTime(h.IssuedAt), nullString(h.Note), string(h.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to update household: %w", mapPQError(err))
	}
	return requireAffected(res, "household")
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
