package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"hokhau/internal/domain"
	"hokhau/internal/events"
	"hokhau/internal/metrics"
	"hokhau/internal/repository"
)

// HouseholdGuard 户主一致性守卫。写入 relation = head_of_household 只能经过这里
type HouseholdGuard interface {
	Activate(ctx context.Context, actor domain.Actor, householdID, headPersonID string) (*domain.HouseholdDetail, error)
	ChangeHead(ctx context.Context, actor domain.Actor, householdID, newHeadPersonID string, oldHeadNewRelation domain.Relation) (*domain.HouseholdDetail, error)
}

// Guard implements HouseholdGuard. The *Tx methods run inside a caller's transaction
// so request effects can combine them with other writes.
type Guard struct {
	store   repository.Store
	emitter Emitter
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewHouseholdGuard(store repository.Store, emitter Emitter, m *metrics.Metrics, logger *zap.Logger) *Guard {
	return &Guard{store: store, emitter: emitterOrNop(emitter), metrics: m, logger: logger}
}

var _ HouseholdGuard = (*Guard)(nil)

// Activate 指定户主并激活户口
func (g *Guard) Activate(ctx context.Context, actor domain.Actor, householdID, headPersonID string) (detail *domain.HouseholdDetail, err error) {
	ctx, span := startSpan(ctx, "guard.activate",
		attribute.String("household.id", householdID), attribute.String("person.id", headPersonID))
	defer func() { finishSpan(span, err) }()
	defer g.metrics.ObserveSince("activate", time.Now())

	if err := actor.RequireReviewer("activate household"); err != nil {
		return nil, err
	}

	err = g.store.RunInTx(ctx, func(tx repository.Tx) error {
		if _, err := g.activateTx(ctx, tx, householdID, headPersonID); err != nil {
			return err
		}
		detail, err = loadDetail(ctx, tx, householdID)
		return err
	})
	if err != nil {
		return nil, err
	}

	g.metrics.HeadDesignated("activate")
	g.logger.Info("Household activated",
		zap.String("household_id", householdID),
		zap.String("head_person_id", headPersonID),
		zap.String("actor", actor.UserID),
	)
	g.emitter.Emit(ctx, events.New(events.HouseholdActivated, actor.UserID, householdID,
		map[string]string{"householdId": householdID, "headPersonId": headPersonID}))
	return detail, nil
}

// ChangeHead 更换户主；旧户主改为 oldHeadNewRelation（默认 spouse），两次写入在同一事务内
func (g *Guard) ChangeHead(ctx context.Context, actor domain.Actor, householdID, newHeadPersonID string, oldHeadNewRelation domain.Relation) (detail *domain.HouseholdDetail, err error) {
	ctx, span := startSpan(ctx, "guard.change_head",
		attribute.String("household.id", householdID), attribute.String("person.id", newHeadPersonID))
	defer func() { finishSpan(span, err) }()
	defer g.metrics.ObserveSince("change_head", time.Now())

	if err := actor.RequireReviewer("change head of household"); err != nil {
		return nil, err
	}

	var previousHead string
	err = g.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		if previousHead, err = g.changeHeadTx(ctx, tx, householdID, newHeadPersonID, oldHeadNewRelation); err != nil {
			return err
		}
		detail, err = loadDetail(ctx, tx, householdID)
		return err
	})
	if err != nil {
		return nil, err
	}

	g.metrics.HeadDesignated("change_head")
	g.logger.Info("Head of household changed",
		zap.String("household_id", householdID),
		zap.String("previous_head_id", previousHead),
		zap.String("new_head_id", newHeadPersonID),
		zap.String("actor", actor.UserID),
	)
	g.emitter.Emit(ctx, events.New(events.HouseholdHeadChanged, actor.UserID, householdID, map[string]string{
		"householdId":    householdID,
		"previousHeadId": previousHead,
		"newHeadId":      newHeadPersonID,
	}))
	return detail, nil
}

// activateTx: household must be inactive and headless, the person must be a live member.
func (g *Guard) activateTx(ctx context.Context, tx repository.Tx, householdID, headPersonID string) (*domain.Household, error) {
	h, err := tx.LockHousehold(ctx, householdID)
	if err != nil {
		return nil, storeErr(err, "household", householdID)
	}
	if h.Status == domain.HouseholdActive {
		return nil, domain.NewConflictError(domain.ConflictHouseholdHeadExists, "household is already active")
	}

	person, err := g.memberOf(ctx, tx, householdID, headPersonID, "headPersonId")
	if err != nil {
		return nil, err
	}

	members, err := tx.ListMembers(ctx, householdID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.IsHead() {
			return nil, domain.NewConflictError(domain.ConflictHouseholdHeadExists, "household already has a head")
		}
	}

	person.Relation = domain.RelationHead
	if err := tx.UpdatePerson(ctx, person); err != nil {
		return nil, storeErr(err, "person", headPersonID)
	}
	h.Status = domain.HouseholdActive
	if err := tx.UpdateHousehold(ctx, h); err != nil {
		return nil, storeErr(err, "household", householdID)
	}
	return h, nil
}

// changeHeadTx returns the id of the demoted head.
func (g *Guard) changeHeadTx(ctx context.Context, tx repository.Tx, householdID, newHeadPersonID string, oldHeadNewRelation domain.Relation) (string, error) {
	if oldHeadNewRelation == "" {
		oldHeadNewRelation = domain.RelationSpouse
	}
	if !oldHeadNewRelation.Valid() || oldHeadNewRelation == domain.RelationHead {
		return "", domain.NewValidationError("invalid relation for previous head",
			domain.FieldError{Field: "oldHeadNewRelation", Reason: "must be a non-head relation"})
	}

	h, err := tx.LockHousehold(ctx, householdID)
	if err != nil {
		return "", storeErr(err, "household", householdID)
	}
	if h.Status != domain.HouseholdActive {
		return "", domain.NewConflictError(domain.ConflictHouseholdInactive, "household has no head to replace; activate it first")
	}

	newHead, err := g.memberOf(ctx, tx, householdID, newHeadPersonID, "newHeadPersonId")
	if err != nil {
		return "", err
	}
	if newHead.IsHead() {
		return "", domain.NewValidationError("person is already the head of household",
			domain.FieldError{Field: "newHeadPersonId", Reason: "already head"})
	}

	members, err := tx.ListMembers(ctx, householdID)
	if err != nil {
		return "", err
	}
	var oldHead *domain.Person
	for _, m := range members {
		if m.IsHead() {
			oldHead = m
			break
		}
	}
	if oldHead == nil {
		return "", domain.NewConflictError(domain.ConflictHouseholdHeadMissing, "active household has no head")
	}

	// demote before promote so the unique head index never sees two heads
	oldHead.Relation = oldHeadNewRelation
	if err := tx.UpdatePerson(ctx, oldHead); err != nil {
		return "", storeErr(err, "person", oldHead.PersonID)
	}
	newHead.Relation = domain.RelationHead
	if err := tx.UpdatePerson(ctx, newHead); err != nil {
		return "", storeErr(err, "person", newHeadPersonID)
	}
	if err := tx.UpdateHousehold(ctx, h); err != nil {
		return "", storeErr(err, "household", householdID)
	}
	return oldHead.PersonID, nil
}

// deactivateTx demotes the current head to "other" and marks the household inactive.
// Used when a split moves every member out. Returns the demoted person id, if any.
func (g *Guard) deactivateTx(ctx context.Context, tx repository.Tx, householdID string) (string, error) {
	h, err := tx.LockHousehold(ctx, householdID)
	if err != nil {
		return "", storeErr(err, "household", householdID)
	}
	members, err := tx.ListMembers(ctx, householdID)
	if err != nil {
		return "", err
	}
	demoted := ""
	for _, m := range members {
		if m.IsHead() {
			m.Relation = domain.RelationOther
			if err := tx.UpdatePerson(ctx, m); err != nil {
				return "", storeErr(err, "person", m.PersonID)
			}
			demoted = m.PersonID
		}
	}
	if h.Status != domain.HouseholdInactive {
		h.Status = domain.HouseholdInactive
		if err := tx.UpdateHousehold(ctx, h); err != nil {
			return "", storeErr(err, "household", householdID)
		}
	}
	return demoted, nil
}

func (g *Guard) memberOf(ctx context.Context, tx repository.Tx, householdID, personID, field string) (*domain.Person, error) {
	if personID == "" {
		return nil, domain.NewValidationError("person id is required", domain.FieldError{Field: field, Reason: "required"})
	}
	p, err := tx.GetPerson(ctx, personID)
	if err != nil {
		return nil, storeErr(err, "person", personID)
	}
	if p.HouseholdID != householdID {
		return nil, domain.NewValidationError("person does not belong to household",
			domain.FieldError{Field: field, Reason: "not a member of the household"})
	}
	if p.ResidencyStatus.Terminal() {
		return nil, domain.NewConflictError(domain.ConflictPersonStatusTerminal,
			"a deceased or moved-out person cannot be head of household")
	}
	return p, nil
}

func loadDetail(ctx context.Context, r repository.Reader, householdID string) (*domain.HouseholdDetail, error) {
	h, err := r.GetHousehold(ctx, householdID)
	if err != nil {
		return nil, storeErr(err, "household", householdID)
	}
	members, err := r.ListMembers(ctx, householdID)
	if err != nil {
		return nil, err
	}
	return domain.NewHouseholdDetail(h, members), nil
}
