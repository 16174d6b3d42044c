package repository

import (
	"context"
	"database/sql"
	"fmt"

	"hokhau/internal/domain"
)

const personColumns = `
	person_id::text,
	household_id::text,
	relation,
	name,
	COALESCE(alias, ''),
	COALESCE(national_id, ''),
	national_id_issued_at,
	COALESCE(national_id_issued_place, ''),
	birth_date,
	COALESCE(sex, ''),
	COALESCE(birthplace, ''),
	COALESCE(origin, ''),
	COALESCE(ethnicity, ''),
	COALESCE(religion, ''),
	COALESCE(nationality, ''),
	prior_residence_date,
	COALESCE(prior_address, ''),
	COALESCE(occupation, ''),
	COALESCE(workplace, ''),
	residency_status,
	COALESCE(note, ''),
	created_at,
	updated_at`

func scanPerson(row rowScanner) (*domain.Person, error) {
	var p domain.Person
	var relation, status string
	var nidIssuedAt, birthDate, priorDate sql.NullTime
	err := row.Scan(
		&p.PersonID,
		&p.HouseholdID,
		&relation,
		&p.Name,
		&p.Alias,
		&p.NationalID,
		&nidIssuedAt,
		&p.NationalIDIssuedBy,
		&birthDate,
		&p.Sex,
		&p.Birthplace,
		&p.Origin,
		&p.Ethnicity,
		&p.Religion,
		&p.Nationality,
		&priorDate,
		&p.PriorAddress,
		&p.Occupation,
		&p.Workplace,
		&status,
		&p.Note,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Relation = domain.Relation(relation)
	p.ResidencyStatus = domain.ResidencyStatus(status)
	p.NationalIDIssuedAt = timePtr(nidIssuedAt)
	p.BirthDate = timePtr(birthDate)
	p.PriorResidenceDate = timePtr(priorDate)
	return &p, nil
}

// GetPerson 根据 person_id 获取人口
func (r *pgQueries) GetPerson(ctx context.Context, personID string) (*domain.Person, error) {
	if personID == "" {
		return nil, fmt.Errorf("person_id is required")
	}
	id, err := uuidArg(personID, "person")
	if err != nil {
		return nil, err
	}
	p, err := scanPerson(r.q.QueryRowContext(ctx,
		`SELECT `+personColumns+` FROM persons WHERE person_id = $1::uuid`, id))
	if err != nil {
		return nil, notFound(err, "person")
	}
	return p, nil
}

// ListMembers 查询户口下全部成员（户主排在最前）
func (r *pgQueries) ListMembers(ctx context.Context, householdID string) ([]*domain.Person, error) {
	id, err := uuidArg(householdID, "household")
	if err != nil {
		return []*domain.Person{}, nil
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+personColumns+` FROM persons
		 WHERE household_id = $1::uuid
		 ORDER BY (relation = 'head_of_household') DESC, created_at ASC, person_id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	out := []*domain.Person{}
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan person: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func personArgs(p *domain.Person) []any {
	return []any{
		p.HouseholdID,
		string(p.Relation),
		p.Name,
		nullString(p.Alias),
		nullString(p.NationalID),
		nullTime(p.NationalIDIssuedAt),
		nullString(p.NationalIDIssuedBy),
		nullTime(p.BirthDate),
		nullString(p.Sex),
		nullString(p.Birthplace),
		nullString(p.Origin),
		nullString(p.Ethnicity),
		nullString(p.Religion),
		nullString(p.Nationality),
		nullTime(p.PriorResidenceDate),
		nullString(p.PriorAddress),
		nullString(p.Occupation),
		nullString(p.Workplace),
		string(p.ResidencyStatus),
		nullString(p.Note),
	}
}

// CreatePerson 创建人口；户主唯一性由 persons_one_head_per_household 保证
func (r *postgresTx) CreatePerson(ctx context.Context, p *domain.Person) (string, error) {
	if p == nil {
		return "", fmt.Errorf("person is required")
	}
	if p.HouseholdID == "" {
		return "", fmt.Errorf("household_id is required")
	}
	if p.ResidencyStatus == "" {
		p.ResidencyStatus = domain.ResidencyActive
	}
	err := r.q.QueryRowContext(ctx,
		`INSERT INTO persons (
			household_id, relation, name, alias,
			national_id, national_id_issued_at, national_id_issued_place,
			birth_date, sex, birthplace, origin, ethnicity, religion, nationality,
			prior_residence_date, prior_address, occupation, workplace,
			residency_status, note
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING person_id::text, created_at, updated_at`,
		personArgs(p)...,
	).Scan(&p.PersonID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to create person: %w", mapPQError(err))
	}
	return p.PersonID, nil
}

// UpdatePerson 整行更新人口
func (r *postgresTx) UpdatePerson(ctx context.Context, p *domain.Person) error {
	id, err := uuidArg(p.PersonID, "person")
	if err != nil {
		return err
	}
	args := append([]any{id}, personArgs(p)...)
	res, err := r.q.ExecContext(ctx,
		`UPDATE persons SET
			household_id = $2::uuid, relation = $3, name = $4, alias = $5,
			national_id = $6, national_id_issued_at = $7, national_id_issued_place = $8,
			birth_date = $9, sex = $10, birthplace = $11, origin = $12, ethnicity = $13,
			religion = $14, nationality = $15, prior_residence_date = $16, prior_address = $17,
			occupation = $18, workplace = $19, residency_status = $20, note = $21,
			updated_at = NOW()
		 WHERE person_id = $1::uuid`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update person: %w", mapPQError(err))
	}
	return requireAffected(res, "person")
}

// DeletePerson 删除人口（XOA_NHAN_KHAU）
func (r *postgresTx) DeletePerson(ctx context.Context, personID string) error {
	id, err := uuidArg(personID, "person")
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, `DELETE FROM persons WHERE person_id = $1::uuid`, id)
	if err != nil {
		return fmt.Errorf("failed to delete person: %w", err)
	}
	return requireAffected(res, "person")
}
