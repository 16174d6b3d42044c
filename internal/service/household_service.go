package service

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"hokhau/internal/domain"
	"hokhau/internal/events"
	"hokhau/internal/metrics"
	"hokhau/internal/repository"
)

// HouseholdService 户口与人口的直接管理（不经过申请流程）
type HouseholdService interface {
	CreateHousehold(ctx context.Context, actor domain.Actor, req CreateHouseholdRequest) (*domain.Household, error)
	CreatePerson(ctx context.Context, actor domain.Actor, req CreatePersonRequest) (*domain.Person, error)

	GetHousehold(ctx context.Context, householdID string) (*domain.HouseholdDetail, error)
	ListHouseholds(ctx context.Context, req ListHouseholdsRequest) (*ListHouseholdsResponse, error)
	GetPerson(ctx context.Context, personID string) (*domain.Person, error)

	// ExportHouseholds 返回全部户口及成员（导出 xlsx 用）
	ExportHouseholds(ctx context.Context, actor domain.Actor, filters repository.HouseholdFilters) ([]*domain.HouseholdDetail, error)
}

// CreateHouseholdRequest 创建户口（未激活、无成员）
type CreateHouseholdRequest struct {
	Address  domain.Address
	IssuedAt string // YYYY-MM-DD, optional
	Note     string
}

// CreatePersonRequest 管理员直接录入人口，校验规则与 ADD_PERSON 相同
type CreatePersonRequest struct {
	HouseholdID string
	Person      PersonParticulars
}

// ListHouseholdsRequest 查询户口列表
type ListHouseholdsRequest struct {
	Filters  repository.HouseholdFilters
	Page     int
	PageSize int
}

// ListHouseholdsResponse 户口列表
type ListHouseholdsResponse struct {
	Items []*domain.Household
	Total int
}

type householdService struct {
	store     repository.Store
	guard     *Guard
	codes     *CodeAllocator
	validator *PayloadValidator
	emitter   Emitter
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewHouseholdService(st repository.Store, guard *Guard, codes *CodeAllocator, emitter Emitter, m *metrics.Metrics, logger *zap.Logger) HouseholdService {
	return &householdService{
		store:     st,
		guard:     guard,
		codes:     codes,
		validator: NewPayloadValidator(),
		emitter:   emitterOrNop(emitter),
		metrics:   m,
		logger:    logger,
	}
}

func (s *householdService) CreateHousehold(ctx context.Context, actor domain.Actor, req CreateHouseholdRequest) (h *domain.Household, err error) {
	ctx, span := startSpan(ctx, "household.create")
	defer func() { finishSpan(span, err) }()

	if err := actor.RequireReviewer("create household"); err != nil {
		return nil, err
	}
	req.Address.AddressLine = strings.TrimSpace(req.Address.AddressLine)
	if err := s.validator.Struct(req.Address); err != nil {
		return nil, err
	}
	var issuedAt *time.Time
	if req.IssuedAt != "" {
		if issuedAt = parseDate(req.IssuedAt); issuedAt == nil {
			return nil, domain.NewValidationError("invalid issue date",
				domain.FieldError{Field: "issuedAt", Reason: "must be a date (YYYY-MM-DD)"})
		}
	}

	code, err := s.codes.NextHouseholdCode(ctx)
	if err != nil {
		return nil, err
	}
	h = &domain.Household{Code: code, IssuedAt: issuedAt, Note: req.Note, Status: domain.HouseholdInactive}
	req.Address.ApplyTo(h)

	err = s.store.RunInTx(ctx, func(tx repository.Tx) error {
		_, err := tx.CreateHousehold(ctx, h)
		return storeErr(err, "household", code)
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("household.code", code))

	s.metrics.HouseholdCreated()
	s.logger.Info("Household created",
		zap.String("household_id", h.HouseholdID),
		zap.String("code", h.Code),
		zap.String("actor", actor.UserID),
	)
	s.emitter.Emit(ctx, events.New(events.HouseholdCreated, actor.UserID, h.HouseholdID,
		map[string]string{"householdId": h.HouseholdID, "code": h.Code}))
	return h, nil
}

func (s *householdService) CreatePerson(ctx context.Context, actor domain.Actor, req CreatePersonRequest) (p *domain.Person, err error) {
	ctx, span := startSpan(ctx, "household.create_person", attribute.String("household.id", req.HouseholdID))
	defer func() { finishSpan(span, err) }()

	if err := actor.RequireReviewer("create person"); err != nil {
		return nil, err
	}
	payload := &AddPersonPayload{PersonParticulars: req.Person}
	hh := domain.StringPtr(req.HouseholdID)
	if err := s.validator.Validate(domain.RequestAddPerson, payload, hh, nil); err != nil {
		return nil, err
	}

	res := &effectResult{}
	err = s.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		p, err = addPersonTx(ctx, tx, s.guard, actor, req.HouseholdID, payload.toPerson(), res)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Person created",
		zap.String("person_id", p.PersonID),
		zap.String("household_id", p.HouseholdID),
		zap.String("relation", string(p.Relation)),
		zap.String("actor", actor.UserID),
	)
	if p.IsHead() {
		s.metrics.HeadDesignated("activate")
	}
	for _, e := range res.events {
		s.emitter.Emit(ctx, e)
	}
	return p, nil
}

func (s *householdService) GetHousehold(ctx context.Context, householdID string) (*domain.HouseholdDetail, error) {
	return loadDetail(ctx, s.store, householdID)
}

func (s *householdService) ListHouseholds(ctx context.Context, req ListHouseholdsRequest) (*ListHouseholdsResponse, error) {
	items, total, err := s.store.ListHouseholds(ctx, req.Filters, req.Page, req.PageSize)
	if err != nil {
		return nil, err
	}
	return &ListHouseholdsResponse{Items: items, Total: total}, nil
}

func (s *householdService) GetPerson(ctx context.Context, personID string) (*domain.Person, error) {
	p, err := s.store.GetPerson(ctx, personID)
	if err != nil {
		return nil, storeErr(err, "person", personID)
	}
	return p, nil
}

func (s *householdService) ExportHouseholds(ctx context.Context, actor domain.Actor, filters repository.HouseholdFilters) (out []*domain.HouseholdDetail, err error) {
	ctx, span := startSpan(ctx, "household.export")
	defer func() { finishSpan(span, err) }()

	if err := actor.RequireReviewer("export households"); err != nil {
		return nil, err
	}
	const pageSize = 200
	for page := 1; ; page++ {
		items, total, err := s.store.ListHouseholds(ctx, filters, page, pageSize)
		if err != nil {
			return nil, err
		}
		for _, h := range items {
			members, err := s.store.ListMembers(ctx, h.HouseholdID)
			if err != nil {
				return nil, err
			}
			out = append(out, domain.NewHouseholdDetail(h, members))
		}
		if len(items) == 0 || page*pageSize >= total {
			break
		}
	}
	span.SetAttributes(attribute.Int("household.count", len(out)))
	return out, nil
}
