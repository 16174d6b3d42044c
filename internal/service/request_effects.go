package service

import (
	"context"
	"fmt"

	"hokhau/internal/domain"
	"hokhau/internal/events"
	"hokhau/internal/repository"
)

// effectResult 效果执行后需要在提交后发布的事件
type effectResult struct {
	events []events.Event
}

func (r *effectResult) add(e events.Event) { r.events = append(r.events, e) }

// applyEffect 在审批事务内执行申请的存储效果
func (s *requestService) applyEffect(ctx context.Context, tx repository.Tx, actor domain.Actor, req *domain.Request, opts ApproveOptions) (*effectResult, error) {
	payload, err := s.validator.Decode(req.Type, req.Payload)
	if err != nil {
		return nil, err
	}
	res := &effectResult{}

	switch p := payload.(type) {
	case *AddPersonPayload:
		householdID := domain.Deref(req.TargetHouseholdID)
		if householdID == "" {
			householdID = opts.HouseholdID
		}
		if householdID == "" {
			return nil, domain.NewValidationError("no target household",
				domain.FieldError{Field: "householdId", Reason: "required when the request has no targetHouseholdId"})
		}
		person := p.toPerson()
		if _, err := addPersonTx(ctx, tx, s.guard, actor, householdID, person, res); err != nil {
			return nil, err
		}

	case *AddNewbornPayload:
		person := p.toPerson()
		person.Relation = domain.RelationChild
		person.NationalID = ""
		person.NationalIDIssuedAt = nil
		person.NationalIDIssuedBy = ""
		if _, err := addPersonTx(ctx, tx, s.guard, actor, domain.Deref(req.TargetHouseholdID), person, res); err != nil {
			return nil, err
		}

	case *TamTruPayload:
		h, err := tx.GetHouseholdByCode(ctx, p.HouseholdCode)
		if err != nil {
			return nil, storeErr(err, "household", p.HouseholdCode)
		}
		person := p.toPerson()
		person.ResidencyStatus = domain.ResidencyTemporaryResidence
		if _, err := addPersonTx(ctx, tx, s.guard, actor, h.HouseholdID, person, res); err != nil {
			return nil, err
		}

	case *TamVangPayload:
		if err := s.setResidencyTx(ctx, tx, domain.Deref(req.TargetPersonID), domain.ResidencyTemporaryAbsence); err != nil {
			return nil, err
		}

	case *MoveOutPayload:
		if err := s.setResidencyTx(ctx, tx, domain.Deref(req.TargetPersonID), domain.ResidencyMovedOut); err != nil {
			return nil, err
		}

	case *DeceasedPayload:
		if err := s.setResidencyTx(ctx, tx, domain.Deref(req.TargetPersonID), domain.ResidencyDeceased); err != nil {
			return nil, err
		}

	case *RemovePersonPayload:
		if err := s.removePersonTx(ctx, tx, domain.Deref(req.TargetPersonID)); err != nil {
			return nil, err
		}

	case *UpdatePersonPayload:
		if err := s.updatePersonTx(ctx, tx, domain.Deref(req.TargetPersonID), p); err != nil {
			return nil, err
		}

	case *SplitHouseholdPayload:
		if p.SourceHouseholdID == "" {
			p.SourceHouseholdID = domain.Deref(req.TargetHouseholdID)
		}
		if err := s.splitHouseholdTx(ctx, tx, actor, p, res); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("no effect defined for request type %s", req.Type)
	}
	return res, nil
}

// addPersonTx 创建人口。relation 为户主时：
// 已激活的户口返回 HOUSEHOLD_HEAD_EXISTS；未激活的户口先以 other 创建，再经 Guard 激活
func addPersonTx(ctx context.Context, tx repository.Tx, guard *Guard, actor domain.Actor, householdID string, person *domain.Person, res *effectResult) (*domain.Person, error) {
	if householdID == "" {
		return nil, domain.NewValidationError("household is required",
			domain.FieldError{Field: "targetHouseholdId", Reason: "required"})
	}
	h, err := tx.LockHousehold(ctx, householdID)
	if err != nil {
		return nil, storeErr(err, "household", householdID)
	}

	wantsHead := person.Relation == domain.RelationHead
	if wantsHead && h.Status == domain.HouseholdActive {
		return nil, domain.NewConflictError(domain.ConflictHouseholdHeadExists, "household already has a head; use change-head")
	}
	if !person.Relation.Valid() {
		return nil, domain.NewValidationError("invalid relation",
			domain.FieldError{Field: "relation", Reason: "unknown relation"})
	}

	person.HouseholdID = householdID
	if wantsHead {
		person.Relation = domain.RelationOther
	}
	if _, err := tx.CreatePerson(ctx, person); err != nil {
		return nil, storeErr(err, "household", householdID)
	}
	res.add(events.New(events.PersonCreated, actor.UserID, person.PersonID,
		map[string]string{"personId": person.PersonID, "householdId": householdID}))

	if wantsHead {
		if _, err := guard.activateTx(ctx, tx, householdID, person.PersonID); err != nil {
			return nil, err
		}
		person.Relation = domain.RelationHead
		res.add(events.New(events.HouseholdActivated, actor.UserID, householdID,
			map[string]string{"householdId": householdID, "headPersonId": person.PersonID}))
	}
	return person, nil
}

// lockMemberTx 先锁人口所在户口，再在锁内重新读取人口。
// 所有改写 persons 的路径（Guard、分户、效果）都持有户口锁，锁内读到的行是最新的
func lockMemberTx(ctx context.Context, tx repository.Tx, personID string) (*domain.Person, error) {
	p, err := tx.GetPerson(ctx, personID)
	if err != nil {
		return nil, storeErr(err, "person", personID)
	}
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := tx.LockHousehold(ctx, p.HouseholdID); err != nil {
			return nil, storeErr(err, "household", p.HouseholdID)
		}
		cur, err := tx.GetPerson(ctx, personID)
		if err != nil {
			return nil, storeErr(err, "person", personID)
		}
		if cur.HouseholdID == p.HouseholdID {
			return cur, nil
		}
		// 读取与加锁之间被分户移走，改锁新户口
		p = cur
	}
	return nil, fmt.Errorf("person %s moved between households while locking", personID)
}

// setResidencyTx: deceased and moved_out never change again.
func (s *requestService) setResidencyTx(ctx context.Context, tx repository.Tx, personID string, status domain.ResidencyStatus) error {
	p, err := lockMemberTx(ctx, tx, personID)
	if err != nil {
		return err
	}
	if p.ResidencyStatus.Terminal() {
		return domain.NewConflictError(domain.ConflictPersonStatusTerminal,
			fmt.Sprintf("person is %s", p.ResidencyStatus))
	}
	p.ResidencyStatus = status
	return storeErr(tx.UpdatePerson(ctx, p), "person", personID)
}

func (s *requestService) removePersonTx(ctx context.Context, tx repository.Tx, personID string) error {
	p, err := lockMemberTx(ctx, tx, personID)
	if err != nil {
		return err
	}
	if p.IsHead() {
		return domain.NewConflictError(domain.ConflictHeadRemoval,
			"cannot remove the head of household; change the head first")
	}
	return storeErr(tx.DeletePerson(ctx, personID), "person", personID)
}

func (s *requestService) updatePersonTx(ctx context.Context, tx repository.Tx, personID string, patch *UpdatePersonPayload) error {
	p, err := lockMemberTx(ctx, tx, personID)
	if err != nil {
		return err
	}
	if patch.touchesNationalID() && p.NationalID != "" {
		return domain.NewValidationError("national ID is already set and can no longer be edited",
			domain.FieldError{Field: "nationalId", Reason: "already set"})
	}
	if patch.Relation != nil && p.IsHead() {
		return domain.NewValidationError("relation of the head of household can only change through change-head",
			domain.FieldError{Field: "relation", Reason: "person is head of household"})
	}
	patch.apply(p)
	return storeErr(tx.UpdatePerson(ctx, p), "person", personID)
}

// splitHouseholdTx moves the listed members to a new household headed by NewHeadID.
func (s *requestService) splitHouseholdTx(ctx context.Context, tx repository.Tx, actor domain.Actor, p *SplitHouseholdPayload, res *effectResult) error {
	src, err := tx.LockHousehold(ctx, p.SourceHouseholdID)
	if err != nil {
		return storeErr(err, "household", p.SourceHouseholdID)
	}
	members, err := tx.ListMembers(ctx, src.HouseholdID)
	if err != nil {
		return err
	}
	byID := make(map[string]*domain.Person, len(members))
	srcHead := ""
	for _, m := range members {
		byID[m.PersonID] = m
		if m.IsHead() {
			srcHead = m.PersonID
		}
	}

	for _, id := range p.MemberIDs {
		m, ok := byID[id]
		if !ok {
			return domain.NewValidationError("member does not belong to the source household",
				domain.FieldError{Field: "memberIds", Reason: fmt.Sprintf("%s is not a member of %s", id, src.Code)})
		}
		if m.ResidencyStatus.Terminal() {
			return domain.NewConflictError(domain.ConflictPersonStatusTerminal,
				fmt.Sprintf("member %s is %s and cannot be moved", id, m.ResidencyStatus))
		}
	}

	movingAll := len(p.MemberIDs) == len(members)
	if srcHead != "" && contains(p.MemberIDs, srcHead) {
		if !movingAll {
			return domain.NewConflictError(domain.ConflictSplitRemovesHead,
				"the head cannot leave while other members remain; change the head first")
		}
	}
	if movingAll {
		if _, err := s.guard.deactivateTx(ctx, tx, src.HouseholdID); err != nil {
			return err
		}
	}

	code, err := s.codes.NextHouseholdCode(ctx)
	if err != nil {
		return err
	}
	h2 := &domain.Household{
		Code:     code,
		IssuedAt: parseDate(p.EffectiveDate),
		Note:     p.Reason,
		Status:   domain.HouseholdInactive,
	}
	p.NewAddress.ApplyTo(h2)
	if _, err := tx.CreateHousehold(ctx, h2); err != nil {
		return storeErr(err, "household", code)
	}
	res.add(events.New(events.HouseholdCreated, actor.UserID, h2.HouseholdID,
		map[string]string{"householdId": h2.HouseholdID, "code": h2.Code, "splitFrom": src.HouseholdID}))

	for _, id := range p.MemberIDs {
		m, err := tx.GetPerson(ctx, id)
		if err != nil {
			return storeErr(err, "person", id)
		}
		m.HouseholdID = h2.HouseholdID
		switch rel, ok := p.Relations[id]; {
		case id == p.NewHeadID, m.IsHead():
			m.Relation = domain.RelationOther
		case ok:
			m.Relation = domain.Relation(rel)
		}
		if err := tx.UpdatePerson(ctx, m); err != nil {
			return storeErr(err, "person", id)
		}
	}

	if _, err := s.guard.activateTx(ctx, tx, h2.HouseholdID, p.NewHeadID); err != nil {
		return err
	}
	res.add(events.New(events.HouseholdActivated, actor.UserID, h2.HouseholdID,
		map[string]string{"householdId": h2.HouseholdID, "headPersonId": p.NewHeadID}))
	return nil
}
