package domain

import "time"

// Relation 与户主关系（封闭集合）
type Relation string

const (
	RelationHead        Relation = "head_of_household"
	RelationSpouse      Relation = "spouse"
	RelationChild       Relation = "child"
	RelationParent      Relation = "parent"
	RelationSibling     Relation = "sibling"
	RelationGrandparent Relation = "grandparent"
	RelationGrandchild  Relation = "grandchild"
	RelationOther       Relation = "other"
)

var relations = map[Relation]bool{
	RelationHead:        true,
	RelationSpouse:      true,
	RelationChild:       true,
	RelationParent:      true,
	RelationSibling:     true,
	RelationGrandparent: true,
	RelationGrandchild:  true,
	RelationOther:       true,
}

// Valid reports whether r belongs to the closed relation set.
func (r Relation) Valid() bool { return relations[r] }

// ResidencyStatus 居住状态
type ResidencyStatus string

const (
	ResidencyActive             ResidencyStatus = "active" // thường trú
	ResidencyTemporaryResidence ResidencyStatus = "temporary_residence"
	ResidencyTemporaryAbsence   ResidencyStatus = "temporary_absence"
	ResidencyDeceased           ResidencyStatus = "deceased"
	ResidencyMovedOut           ResidencyStatus = "moved_out"
)

// Terminal reports whether the status can never change again.
func (s ResidencyStatus) Terminal() bool {
	return s == ResidencyDeceased || s == ResidencyMovedOut
}

// Valid reports whether s is a known residency status.
func (s ResidencyStatus) Valid() bool {
	switch s {
	case ResidencyActive, ResidencyTemporaryResidence, ResidencyTemporaryAbsence, ResidencyDeceased, ResidencyMovedOut:
		return true
	}
	return false
}

// Person 人口（对应 persons 表）
type Person struct {
	PersonID    string   `json:"id" db:"person_id"`                  // UUID, PRIMARY KEY
	HouseholdID string   `json:"householdId" db:"household_id"`      // UUID, NOT NULL
	Relation    Relation `json:"relation" db:"relation"`             // unique head per household (partial index)

	Name  string `json:"name" db:"name"`
	Alias string `json:"alias,omitempty" db:"alias"`

	// CCCD/CMND：号码为空时三项才可修改
	NationalID          string     `json:"nationalId,omitempty" db:"national_id"`
	NationalIDIssuedAt  *time.Time `json:"nationalIdIssuedAt,omitempty" db:"national_id_issued_at"`
	NationalIDIssuedBy  string     `json:"nationalIdIssuedPlace,omitempty" db:"national_id_issued_place"`

	BirthDate   *time.Time `json:"birthDate,omitempty" db:"birth_date"`
	Sex         string     `json:"sex,omitempty" db:"sex"`
	Birthplace  string     `json:"birthplace,omitempty" db:"birthplace"`
	Origin      string     `json:"origin,omitempty" db:"origin"`
	Ethnicity   string     `json:"ethnicity,omitempty" db:"ethnicity"`
	Religion    string     `json:"religion,omitempty" db:"religion"`
	Nationality string     `json:"nationality,omitempty" db:"nationality"`

	PriorResidenceDate *time.Time `json:"priorResidenceDate,omitempty" db:"prior_residence_date"`
	PriorAddress       string     `json:"priorAddress,omitempty" db:"prior_address"`
	Occupation         string     `json:"occupation,omitempty" db:"occupation"`
	Workplace          string     `json:"workplace,omitempty" db:"workplace"`

	ResidencyStatus ResidencyStatus `json:"status" db:"residency_status"`
	Note            string          `json:"note,omitempty" db:"note"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// IsHead is a projection of Relation; there is no stored head flag.
func (p *Person) IsHead() bool { return p.Relation == RelationHead }

// Clone returns a deep copy so stores never share pointers with callers.
func (p *Person) Clone() *Person {
	if p == nil {
		return nil
	}
	c := *p
	c.NationalIDIssuedAt = cloneTime(p.NationalIDIssuedAt)
	c.BirthDate = cloneTime(p.BirthDate)
	c.PriorResidenceDate = cloneTime(p.PriorResidenceDate)
	return &c
}

// Clone returns a deep copy of h.
func (h *Household) Clone() *Household {
	if h == nil {
		return nil
	}
	c := *h
	c.IssuedAt = cloneTime(h.IssuedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
