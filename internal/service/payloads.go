package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"hokhau/internal/domain"
)

const dateLayout = "2006-01-02"

// PersonParticulars 人口基本信息，ADD_PERSON / ADD_NEWBORN / TAM_TRU 和直接录入共用。
// 必填项随申请类型变化，由 requiredPersonFields 决定
type PersonParticulars struct {
	Name                  string `json:"name,omitempty" validate:"omitempty,max=200"`
	Alias                 string `json:"alias,omitempty"`
	NationalID            string `json:"nationalId,omitempty" validate:"omitempty,numeric,min=9,max=12"`
	NationalIDIssuedAt    string `json:"nationalIdIssuedAt,omitempty" validate:"omitempty,datetime=2006-01-02"`
	NationalIDIssuedPlace string `json:"nationalIdIssuedPlace,omitempty"`
	BirthDate             string `json:"birthDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Sex                   string `json:"sex,omitempty"`
	Birthplace            string `json:"birthplace,omitempty"`
	Origin                string `json:"origin,omitempty"`
	Ethnicity             string `json:"ethnicity,omitempty"`
	Religion              string `json:"religion,omitempty"`
	Nationality           string `json:"nationality,omitempty"`
	PriorResidenceDate    string `json:"priorResidenceDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PriorAddress          string `json:"priorAddress,omitempty"`
	Occupation            string `json:"occupation,omitempty"`
	Workplace             string `json:"workplace,omitempty"`
	Relation              string `json:"relation,omitempty" validate:"omitempty,relation"`
	Note                  string `json:"note,omitempty"`
}

func (p *PersonParticulars) field(name string) string {
	switch name {
	case "name":
		return p.Name
	case "nationalId":
		return p.NationalID
	case "birthDate":
		return p.BirthDate
	case "sex":
		return p.Sex
	case "birthplace":
		return p.Birthplace
	case "origin":
		return p.Origin
	case "ethnicity":
		return p.Ethnicity
	case "religion":
		return p.Religion
	case "nationality":
		return p.Nationality
	case "priorResidenceDate":
		return p.PriorResidenceDate
	case "priorAddress":
		return p.PriorAddress
	case "occupation":
		return p.Occupation
	case "workplace":
		return p.Workplace
	case "relation":
		return p.Relation
	}
	return ""
}

var (
	addPersonRequired = []string{"name", "nationalId", "birthDate", "sex", "relation", "birthplace",
		"origin", "ethnicity", "religion", "nationality"}
	// may be left empty only when note explains why
	addPersonWaivable = []string{"priorResidenceDate", "priorAddress", "occupation", "workplace"}

	newbornRequired = []string{"name", "birthDate", "sex", "birthplace"}
	tamTruRequired  = []string{"name", "birthDate", "sex", "birthplace", "relation"}
)

func (p *PersonParticulars) requiredPersonFields(required, waivable []string) []domain.FieldError {
	var out []domain.FieldError
	for _, f := range required {
		if strings.TrimSpace(p.field(f)) == "" {
			out = append(out, domain.FieldError{Field: f, Reason: "required"})
		}
	}
	if strings.TrimSpace(p.Note) != "" {
		return out
	}
	for _, f := range waivable {
		if strings.TrimSpace(p.field(f)) == "" {
			out = append(out, domain.FieldError{Field: f, Reason: "required unless note explains the omission"})
		}
	}
	return out
}

// toPerson 构造人口记录；日期已通过校验
func (p *PersonParticulars) toPerson() *domain.Person {
	return &domain.Person{
		Relation:           domain.Relation(p.Relation),
		Name:               strings.TrimSpace(p.Name),
		Alias:              p.Alias,
		NationalID:         p.NationalID,
		NationalIDIssuedAt: parseDate(p.NationalIDIssuedAt),
		NationalIDIssuedBy: p.NationalIDIssuedPlace,
		BirthDate:          parseDate(p.BirthDate),
		Sex:                p.Sex,
		Birthplace:         p.Birthplace,
		Origin:             p.Origin,
		Ethnicity:          p.Ethnicity,
		Religion:           p.Religion,
		Nationality:        p.Nationality,
		PriorResidenceDate: parseDate(p.PriorResidenceDate),
		PriorAddress:       p.PriorAddress,
		Occupation:         p.Occupation,
		Workplace:          p.Workplace,
		ResidencyStatus:    domain.ResidencyActive,
		Note:               p.Note,
	}
}

type AddPersonPayload struct {
	PersonParticulars
}

type AddNewbornPayload struct {
	PersonParticulars
}

type TamTruPayload struct {
	PersonParticulars
	// HouseholdCode binds the person to the household by its code, not its id.
	HouseholdCode string `json:"householdCode" validate:"required"`
	StartDate     string `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate       string `json:"endDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Reason        string `json:"reason,omitempty"`
}

type TamVangPayload struct {
	StartDate   string `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate     string `json:"endDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Reason      string `json:"reason" validate:"required"`
	Destination string `json:"destination,omitempty"`
}

// UpdatePersonPayload 字段级补丁；nil 表示不修改
type UpdatePersonPayload struct {
	Name                  *string `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Alias                 *string `json:"alias,omitempty"`
	NationalID            *string `json:"nationalId,omitempty" validate:"omitempty,numeric,min=9,max=12"`
	NationalIDIssuedAt    *string `json:"nationalIdIssuedAt,omitempty" validate:"omitempty,datetime=2006-01-02"`
	NationalIDIssuedPlace *string `json:"nationalIdIssuedPlace,omitempty"`
	BirthDate             *string `json:"birthDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Sex                   *string `json:"sex,omitempty"`
	Birthplace            *string `json:"birthplace,omitempty"`
	Origin                *string `json:"origin,omitempty"`
	Ethnicity             *string `json:"ethnicity,omitempty"`
	Religion              *string `json:"religion,omitempty"`
	Nationality           *string `json:"nationality,omitempty"`
	PriorResidenceDate    *string `json:"priorResidenceDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PriorAddress          *string `json:"priorAddress,omitempty"`
	Occupation            *string `json:"occupation,omitempty"`
	Workplace             *string `json:"workplace,omitempty"`
	Relation              *string `json:"relation,omitempty" validate:"omitempty,relation,nothead"`
	Note                  *string `json:"note,omitempty"`
}

func (u *UpdatePersonPayload) empty() bool {
	v := reflect.ValueOf(u).Elem()
	for i := 0; i < v.NumField(); i++ {
		if !v.Field(i).IsNil() {
			return false
		}
	}
	return true
}

func (u *UpdatePersonPayload) touchesNationalID() bool {
	return u.NationalID != nil || u.NationalIDIssuedAt != nil || u.NationalIDIssuedPlace != nil
}

// apply 把补丁写到 p 上
func (u *UpdatePersonPayload) apply(p *domain.Person) {
	setStr := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setDate := func(dst **time.Time, v *string) {
		if v != nil {
			*dst = parseDate(*v)
		}
	}
	setStr(&p.Name, u.Name)
	setStr(&p.Alias, u.Alias)
	setStr(&p.NationalID, u.NationalID)
	setDate(&p.NationalIDIssuedAt, u.NationalIDIssuedAt)
	setStr(&p.NationalIDIssuedBy, u.NationalIDIssuedPlace)
	setDate(&p.BirthDate, u.BirthDate)
	setStr(&p.Sex, u.Sex)
	setStr(&p.Birthplace, u.Birthplace)
	setStr(&p.Origin, u.Origin)
	setStr(&p.Ethnicity, u.Ethnicity)
	setStr(&p.Religion, u.Religion)
	setStr(&p.Nationality, u.Nationality)
	setDate(&p.PriorResidenceDate, u.PriorResidenceDate)
	setStr(&p.PriorAddress, u.PriorAddress)
	setStr(&p.Occupation, u.Occupation)
	setStr(&p.Workplace, u.Workplace)
	setStr(&p.Note, u.Note)
	if u.Relation != nil {
		p.Relation = domain.Relation(*u.Relation)
	}
}

type RemovePersonPayload struct {
	Reason string `json:"reason" validate:"required"`
}

type MoveOutPayload struct {
	MoveOutDate string `json:"moveOutDate" validate:"required,datetime=2006-01-02"`
	Reason      string `json:"reason" validate:"required"`
	Destination string `json:"destination,omitempty"`
}

type DeceasedPayload struct {
	DateOfDeath string `json:"dateOfDeath" validate:"required,datetime=2006-01-02"`
	Reason      string `json:"reason" validate:"required"`
}

type SplitHouseholdPayload struct {
	// SourceHouseholdID may be omitted when the request's targetHouseholdId names the source.
	SourceHouseholdID string         `json:"sourceHouseholdId,omitempty"`
	MemberIDs         []string       `json:"memberIds" validate:"required,min=1,unique,dive,required"`
	NewHeadID         string         `json:"newHeadId" validate:"required"`
	NewAddress        domain.Address `json:"newAddress"`
	EffectiveDate     string         `json:"effectiveDate" validate:"required,datetime=2006-01-02"`
	Reason            string         `json:"reason" validate:"required"`
	// Relations optionally overrides each mover's relation to the new head.
	Relations map[string]string `json:"relations,omitempty" validate:"omitempty,dive,keys,required,endkeys,relation,nothead"`
}

// PayloadValidator 按申请类型解码并校验 payload
type PayloadValidator struct {
	v *validator.Validate
}

func NewPayloadValidator() *PayloadValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("relation", func(fl validator.FieldLevel) bool {
		return domain.Relation(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("nothead", func(fl validator.FieldLevel) bool {
		return domain.Relation(fl.Field().String()) != domain.RelationHead
	})
	return &PayloadValidator{v: v}
}

// Struct validates any tagged struct and converts failures into a ValidationError.
func (pv *PayloadValidator) Struct(s any) error {
	err := pv.v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.NewValidationError(err.Error())
	}
	fields := make([]domain.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, domain.FieldError{Field: fieldPath(fe), Reason: reasonFor(fe)})
	}
	return domain.NewValidationError("invalid payload", fields...)
}

// fieldPath drops the root struct name and embedded struct names from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ReplaceAll(ns, "PersonParticulars.", "")
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "datetime":
		return "must be a date (YYYY-MM-DD)"
	case "relation":
		return "unknown relation"
	case "nothead":
		return "head of household can only be assigned through activate or change-head"
	case "unique":
		return "must not contain duplicates"
	}
	if fe.Param() != "" {
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
	return "failed " + fe.Tag()
}

// Decode parses the payload for t, rejecting unknown fields.
func (pv *PayloadValidator) Decode(t domain.RequestType, raw json.RawMessage) (any, error) {
	var target any
	switch t.Normalize() {
	case domain.RequestAddPerson:
		target = &AddPersonPayload{}
	case domain.RequestAddNewborn:
		target = &AddNewbornPayload{}
	case domain.RequestTamTru:
		target = &TamTruPayload{}
	case domain.RequestTamVang:
		target = &TamVangPayload{}
	case domain.RequestUpdatePerson:
		target = &UpdatePersonPayload{}
	case domain.RequestRemovePerson:
		target = &RemovePersonPayload{}
	case domain.RequestMoveOut:
		target = &MoveOutPayload{}
	case domain.RequestDeceased:
		target = &DeceasedPayload{}
	case domain.RequestSplitHousehold:
		target = &SplitHouseholdPayload{}
	default:
		return nil, domain.NewValidationError("unknown request type",
			domain.FieldError{Field: "type", Reason: fmt.Sprintf("unsupported value %q", t)})
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, domain.NewValidationError("malformed payload",
			domain.FieldError{Field: "payload", Reason: err.Error()})
	}
	return target, nil
}

// Validate checks the decoded payload together with the request-level target ids.
// It may fill targetHouseholdID for SPLIT_HOUSEHOLD from the payload.
func (pv *PayloadValidator) Validate(t domain.RequestType, payload any, targetHouseholdID, targetPersonID *string) error {
	var fields []domain.FieldError
	if err := pv.Struct(payload); err != nil {
		var ve *domain.ValidationError
		if !errors.As(err, &ve) {
			return err
		}
		fields = append(fields, ve.Fields...)
	}

	requirePerson := func() {
		if domain.Deref(targetPersonID) == "" {
			fields = append(fields, domain.FieldError{Field: "targetPersonId", Reason: "required"})
		}
	}

	switch p := payload.(type) {
	case *AddPersonPayload:
		fields = append(fields, p.requiredPersonFields(addPersonRequired, addPersonWaivable)...)
	case *AddNewbornPayload:
		fields = append(fields, p.requiredPersonFields(newbornRequired, nil)...)
		if domain.Deref(targetHouseholdID) == "" {
			fields = append(fields, domain.FieldError{Field: "targetHouseholdId", Reason: "required"})
		}
	case *TamTruPayload:
		fields = append(fields, p.requiredPersonFields(tamTruRequired, nil)...)
	case *UpdatePersonPayload:
		requirePerson()
		if p.empty() {
			fields = append(fields, domain.FieldError{Field: "payload", Reason: "at least one field must change"})
		}
	case *TamVangPayload, *RemovePersonPayload, *MoveOutPayload, *DeceasedPayload:
		requirePerson()
	case *SplitHouseholdPayload:
		src := p.SourceHouseholdID
		target := domain.Deref(targetHouseholdID)
		switch {
		case src == "" && target == "":
			fields = append(fields, domain.FieldError{Field: "sourceHouseholdId", Reason: "required"})
		case src != "" && target != "" && src != target:
			fields = append(fields, domain.FieldError{Field: "sourceHouseholdId", Reason: "must match targetHouseholdId"})
		case src == "":
			p.SourceHouseholdID = target
		}
		if p.NewHeadID != "" && !contains(p.MemberIDs, p.NewHeadID) {
			fields = append(fields, domain.FieldError{Field: "newHeadId", Reason: "must be one of memberIds"})
		}
		for id := range p.Relations {
			if !contains(p.MemberIDs, id) {
				fields = append(fields, domain.FieldError{Field: "relations." + id, Reason: "not one of memberIds"})
			}
		}
	}

	if len(fields) > 0 {
		return domain.NewValidationError("invalid payload", fields...)
	}
	return nil
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil
	}
	return &t
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
