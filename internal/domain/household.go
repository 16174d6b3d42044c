package domain

import "time"

// HouseholdStatus 户籍状态
type HouseholdStatus string

const (
	HouseholdInactive HouseholdStatus = "inactive"
	HouseholdActive   HouseholdStatus = "active"
)

// Household 户口（对应 households 表）
// active 的户口必须恰好有一名 head_of_household，inactive 的户口不能有
type Household struct {
	HouseholdID string `json:"id" db:"household_id"` // UUID, PRIMARY KEY
	Code        string `json:"code" db:"code"`       // "HK" + zero padded sequence, UNIQUE

	// 地址
	AddressLine string `json:"addressLine" db:"address_line"`
	Ward        string `json:"ward" db:"ward"`
	District    string `json:"district" db:"district"`
	Province    string `json:"province" db:"province"`

	IssuedAt *time.Time      `json:"issuedAt,omitempty" db:"issued_at"` // DATE, nullable
	Note     string          `json:"note,omitempty" db:"note"`
	Status   HouseholdStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Address 户口地址，用于创建和分户
type Address struct {
	AddressLine string `json:"addressLine" validate:"required"`
	Ward        string `json:"ward"`
	District    string `json:"district"`
	Province    string `json:"province"`
}

// ApplyTo copies the address onto h.
func (a Address) ApplyTo(h *Household) {
	h.AddressLine = a.AddressLine
	h.Ward = a.Ward
	h.District = a.District
	h.Province = a.Province
}

// HouseholdDetail 户口及其成员
type HouseholdDetail struct {
	Household *Household `json:"household"`
	Members   []*Person  `json:"members"`
	// HeadPersonID is derived from Members on every read, never stored.
	HeadPersonID string `json:"headPersonId,omitempty"`
}

// NewHouseholdDetail builds the detail view and derives the head from relations.
func NewHouseholdDetail(h *Household, members []*Person) *HouseholdDetail {
	d := &HouseholdDetail{Household: h, Members: members}
	for _, m := range members {
		if m.Relation == RelationHead {
			d.HeadPersonID = m.PersonID
			break
		}
	}
	return d
}
