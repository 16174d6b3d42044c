package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hokhau/internal/domain"
	"hokhau/internal/events"
	"hokhau/internal/metrics"
	"hokhau/internal/repository"
	"hokhau/internal/store"
)

var (
	admin   = domain.Actor{UserID: "admin-1", Name: "Cán bộ A", Role: domain.RoleAdmin}
	officer = domain.Actor{UserID: "officer-1", Name: "Cán bộ B", Role: domain.RoleOfficer}
	citizen = domain.Actor{UserID: "citizen-1", Name: "Nguyễn Văn A", Role: domain.RoleCitizen}
	other   = domain.Actor{UserID: "citizen-2", Name: "Trần Thị B", Role: domain.RoleCitizen}
)

// recordingEmitter 记录发布的事件
type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	store      *repository.MemoryStore
	kv         *store.MemoryKV
	emitter    *recordingEmitter
	guard      *Guard
	households HouseholdService
	requests   RequestService
	feedback   FeedbackService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := repository.NewMemoryStore()
	kv := store.NewMemoryKV()
	em := &recordingEmitter{}
	m := metrics.New(prometheus.NewRegistry())
	logger := zap.NewNop()

	codes := NewCodeAllocator(repository.NewMemoryCodeSequence(1))
	guard := NewHouseholdGuard(st, em, m, logger)
	return &harness{
		store:      st,
		kv:         kv,
		emitter:    em,
		guard:      guard,
		households: NewHouseholdService(st, guard, codes, em, m, logger),
		requests:   NewRequestService(st, guard, codes, kv, time.Hour, em, m, logger),
		feedback:   NewFeedbackService(st, em, m, logger),
	}
}

func (h *harness) createHousehold(t *testing.T) *domain.Household {
	t.Helper()
	hh, err := h.households.CreateHousehold(context.Background(), admin, CreateHouseholdRequest{
		Address: domain.Address{AddressLine: "12 Lý Thường Kiệt", Ward: "Tràng Tiền", District: "Hoàn Kiếm", Province: "Hà Nội"},
	})
	require.NoError(t, err)
	return hh
}

func particulars(name string, relation domain.Relation) PersonParticulars {
	return PersonParticulars{
		Name:               name,
		NationalID:         "001099012345",
		BirthDate:          "1990-05-17",
		Sex:                "male",
		Birthplace:         "Hà Nội",
		Origin:             "Nam Định",
		Ethnicity:          "Kinh",
		Religion:           "Không",
		Nationality:        "Việt Nam",
		PriorResidenceDate: "2015-01-01",
		PriorAddress:       "34 Hàng Bài",
		Occupation:         "Kỹ sư",
		Workplace:          "Công ty X",
		Relation:           string(relation),
	}
}

// addPerson 直接录入人口
func (h *harness) addPerson(t *testing.T, householdID, name string, relation domain.Relation) *domain.Person {
	t.Helper()
	p, err := h.households.CreatePerson(context.Background(), admin, CreatePersonRequest{
		HouseholdID: householdID,
		Person:      particulars(name, relation),
	})
	require.NoError(t, err)
	return p
}

// activeHousehold 创建一个已激活的户口：户主 + 其他成员
func (h *harness) activeHousehold(t *testing.T, members ...string) (*domain.Household, *domain.Person, []*domain.Person) {
	t.Helper()
	hh := h.createHousehold(t)
	head := h.addPerson(t, hh.HouseholdID, "Chủ hộ", domain.RelationHead)
	var out []*domain.Person
	for _, name := range members {
		out = append(out, h.addPerson(t, hh.HouseholdID, name, domain.RelationChild))
	}
	return hh, head, out
}

func (h *harness) submit(t *testing.T, actor domain.Actor, typ domain.RequestType, payload any, targetHH, targetPerson string) *domain.Request {
	t.Helper()
	req, err := h.requests.Submit(context.Background(), actor, SubmitRequest{
		Type:              typ,
		Payload:           mustJSON(t, payload),
		TargetHouseholdID: targetHH,
		TargetPersonID:    targetPerson,
	})
	require.NoError(t, err)
	return req
}

func (h *harness) heads(t *testing.T, householdID string) []string {
	t.Helper()
	members, err := h.store.ListMembers(context.Background(), householdID)
	require.NoError(t, err)
	var out []string
	for _, m := range members {
		if m.IsHead() {
			out = append(out, m.PersonID)
		}
	}
	return out
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// staleReadStore 模拟 READ COMMITTED 下加锁前读到的旧行：
// 在事务锁住对应户口（人口）或反映之前，返回预先记录的快照
type staleReadStore struct {
	repository.Store

	mu          sync.Mutex
	persons     map[string]*domain.Person
	feedback    map[string]*domain.Feedback
	secondaries map[string][]*domain.Feedback
}

func newStaleReadStore(inner repository.Store) *staleReadStore {
	return &staleReadStore{
		Store:       inner,
		persons:     map[string]*domain.Person{},
		feedback:    map[string]*domain.Feedback{},
		secondaries: map[string][]*domain.Feedback{},
	}
}

// rememberPerson 记录人口当前的行
func (s *staleReadStore) rememberPerson(t *testing.T, personID string) {
	t.Helper()
	p, err := s.Store.GetPerson(context.Background(), personID)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persons[personID] = p
}

// rememberFeedback 记录反映及其下属当前的状态
func (s *staleReadStore) rememberFeedback(t *testing.T, feedbackID string) {
	t.Helper()
	ctx := context.Background()
	f, err := s.Store.GetFeedback(ctx, feedbackID)
	require.NoError(t, err)
	children, err := s.Store.ListSecondaries(ctx, feedbackID)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback[feedbackID] = f
	s.secondaries[feedbackID] = children
}

func (s *staleReadStore) RunInTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.Store.RunInTx(ctx, func(tx repository.Tx) error {
		return fn(&staleReadTx{Tx: tx, s: s, households: map[string]bool{}, feedback: map[string]bool{}})
	})
}

type staleReadTx struct {
	repository.Tx
	s          *staleReadStore
	households map[string]bool
	feedback   map[string]bool
}

func (t *staleReadTx) LockHousehold(ctx context.Context, householdID string) (*domain.Household, error) {
	t.households[householdID] = true
	return t.Tx.LockHousehold(ctx, householdID)
}

func (t *staleReadTx) LockFeedbacks(ctx context.Context, ids []string) ([]*domain.Feedback, error) {
	for _, id := range ids {
		t.feedback[id] = true
	}
	return t.Tx.LockFeedbacks(ctx, ids)
}

func (t *staleReadTx) GetPerson(ctx context.Context, personID string) (*domain.Person, error) {
	t.s.mu.Lock()
	old, ok := t.s.persons[personID]
	t.s.mu.Unlock()
	if ok && !t.households[old.HouseholdID] {
		return old.Clone(), nil
	}
	return t.Tx.GetPerson(ctx, personID)
}

func (t *staleReadTx) GetFeedback(ctx context.Context, feedbackID string) (*domain.Feedback, error) {
	t.s.mu.Lock()
	old, ok := t.s.feedback[feedbackID]
	t.s.mu.Unlock()
	if ok && !t.feedback[feedbackID] {
		return old.Clone(), nil
	}
	return t.Tx.GetFeedback(ctx, feedbackID)
}

func (t *staleReadTx) ListSecondaries(ctx context.Context, primaryID string) ([]*domain.Feedback, error) {
	t.s.mu.Lock()
	old, ok := t.s.secondaries[primaryID]
	t.s.mu.Unlock()
	if ok && !t.feedback[primaryID] {
		out := make([]*domain.Feedback, 0, len(old))
		for _, f := range old {
			out = append(out, f.Clone())
		}
		return out, nil
	}
	return t.Tx.ListSecondaries(ctx, primaryID)
}

// withStore 返回共享同一 Guard 的服务，但读写经过 st
func (h *harness) withStore(st repository.Store) (RequestService, FeedbackService) {
	m := metrics.New(prometheus.NewRegistry())
	logger := zap.NewNop()
	codes := NewCodeAllocator(repository.NewMemoryCodeSequence(100))
	return NewRequestService(st, h.guard, codes, h.kv, time.Hour, h.emitter, m, logger),
		NewFeedbackService(st, h.emitter, m, logger)
}
