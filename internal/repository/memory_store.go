package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hokhau/internal/domain"
)

// memState 一份完整的数据快照
type memState struct {
	households map[string]*domain.Household
	persons    map[string]*domain.Person
	requests   map[string]*domain.Request
	feedback   map[string]*domain.Feedback
}

func newMemState() *memState {
	return &memState{
		households: map[string]*domain.Household{},
		persons:    map[string]*domain.Person{},
		requests:   map[string]*domain.Request{},
		feedback:   map[string]*domain.Feedback{},
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.households {
		c.households[k] = v.Clone()
	}
	for k, v := range s.persons {
		c.persons[k] = v.Clone()
	}
	for k, v := range s.requests {
		c.requests[k] = v.Clone()
	}
	for k, v := range s.feedback {
		c.feedback[k] = v.Clone()
	}
	return c
}

// MemoryStore 内存实现（DB_ENABLED=false 或数据库不可用时使用）
// 事务串行执行：fn 在快照副本上运行，成功后整体替换，失败则丢弃
type MemoryStore struct {
	txMu sync.Mutex // serializes transactions

	mu        sync.RWMutex // guards committed and lastStamp
	committed *memState
	lastStamp time.Time

	clock func() time.Time
}

// NewMemoryStore 创建空的内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{committed: newMemState(), clock: time.Now}
}

// 确保实现了接口
var _ Store = (*MemoryStore)(nil)

// RunInTx 在快照上执行 fn
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.committed.clone()
	s.mu.RUnlock()

	tx := &memTx{memReader: memReader{state: work}, store: s}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.mu.Lock()
	s.committed = work
	if tx.lastStamp.After(s.lastStamp) {
		s.lastStamp = tx.lastStamp
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) reader() memReader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memReader{state: s.committed}
}

// Committed snapshots are never mutated after the swap, so reads may run unlocked once obtained.

func (s *MemoryStore) GetHousehold(ctx context.Context, id string) (*domain.Household, error) {
	return s.reader().GetHousehold(ctx, id)
}

func (s *MemoryStore) GetHouseholdByCode(ctx context.Context, code string) (*domain.Household, error) {
	return s.reader().GetHouseholdByCode(ctx, code)
}

func (s *MemoryStore) ListHouseholds(ctx context.Context, f HouseholdFilters, page, size int) ([]*domain.Household, int, error) {
	return s.reader().ListHouseholds(ctx, f, page, size)
}

func (s *MemoryStore) ListMembers(ctx context.Context, householdID string) ([]*domain.Person, error) {
	return s.reader().ListMembers(ctx, householdID)
}

func (s *MemoryStore) GetPerson(ctx context.Context, id string) (*domain.Person, error) {
	return s.reader().GetPerson(ctx, id)
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	return s.reader().GetRequest(ctx, id)
}

func (s *MemoryStore) ListRequests(ctx context.Context, f RequestFilters, page, size int) ([]*domain.Request, int, error) {
	return s.reader().ListRequests(ctx, f, page, size)
}

func (s *MemoryStore) GetFeedback(ctx context.Context, id string) (*domain.Feedback, error) {
	return s.reader().GetFeedback(ctx, id)
}

func (s *MemoryStore) ListFeedback(ctx context.Context, f FeedbackFilters, page, size int) ([]*domain.Feedback, int, error) {
	return s.reader().ListFeedback(ctx, f, page, size)
}

func (s *MemoryStore) ListSecondaries(ctx context.Context, primaryID string) ([]*domain.Feedback, error) {
	return s.reader().ListSecondaries(ctx, primaryID)
}

// memReader 对快照的只读访问，返回值均为副本
type memReader struct {
	state *memState
}

func (r memReader) GetHousehold(_ context.Context, id string) (*domain.Household, error) {
	h, ok := r.state.households[id]
	if !ok {
		return nil, fmt.Errorf("household: %w", ErrNotFound)
	}
	return h.Clone(), nil
}

func (r memReader) GetHouseholdByCode(_ context.Context, code string) (*domain.Household, error) {
	code = strings.ToUpper(code)
	for _, h := range r.state.households {
		if h.Code == code {
			return h.Clone(), nil
		}
	}
	return nil, fmt.Errorf("household: %w", ErrNotFound)
}

func (r memReader) ListHouseholds(_ context.Context, f HouseholdFilters, page, size int) ([]*domain.Household, int, error) {
	search := strings.ToLower(f.Search)
	all := []*domain.Household{}
	for _, h := range r.state.households {
		if f.Status != "" && h.Status != f.Status {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(h.Code), search) &&
			!strings.Contains(strings.ToLower(h.AddressLine), search) {
			continue
		}
		all = append(all, h.Clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Code < all[j].Code })
	out, total := paginate(all, page, size)
	return out, total, nil
}

func (r memReader) ListMembers(_ context.Context, householdID string) ([]*domain.Person, error) {
	out := []*domain.Person{}
	for _, p := range r.state.persons {
		if p.HouseholdID == householdID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsHead() != out[j].IsHead() {
			return out[i].IsHead()
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].PersonID < out[j].PersonID
	})
	return out, nil
}

func (r memReader) GetPerson(_ context.Context, id string) (*domain.Person, error) {
	p, ok := r.state.persons[id]
	if !ok {
		return nil, fmt.Errorf("person: %w", ErrNotFound)
	}
	return p.Clone(), nil
}

func (r memReader) GetRequest(_ context.Context, id string) (*domain.Request, error) {
	req, ok := r.state.requests[id]
	if !ok {
		return nil, fmt.Errorf("request: %w", ErrNotFound)
	}
	return req.Clone(), nil
}

func (r memReader) ListRequests(_ context.Context, f RequestFilters, page, size int) ([]*domain.Request, int, error) {
	all := []*domain.Request{}
	for _, req := range r.state.requests {
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		if f.Type != "" && req.Type != f.Type.Normalize() {
			continue
		}
		if f.TargetHouseholdID != "" && domain.Deref(req.TargetHouseholdID) != f.TargetHouseholdID {
			continue
		}
		if f.SubmittedBy != "" && req.SubmittedBy != f.SubmittedBy {
			continue
		}
		all = append(all, req.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].RequestID < all[j].RequestID
	})
	out, total := paginate(all, page, size)
	return out, total, nil
}

func (r memReader) GetFeedback(_ context.Context, id string) (*domain.Feedback, error) {
	f, ok := r.state.feedback[id]
	if !ok {
		return nil, fmt.Errorf("feedback: %w", ErrNotFound)
	}
	return f.Clone(), nil
}

func (r memReader) ListFeedback(_ context.Context, f FeedbackFilters, page, size int) ([]*domain.Feedback, int, error) {
	all := []*domain.Feedback{}
	for _, fb := range r.state.feedback {
		if f.Status != "" && fb.Status != f.Status {
			continue
		}
		if f.Category != "" && fb.Category != f.Category {
			continue
		}
		if f.SubmitterID != "" && fb.SubmitterID != f.SubmitterID {
			continue
		}
		if f.ExcludeSecondaries && fb.IsSecondary() {
			continue
		}
		all = append(all, fb.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].SubmittedAt.Equal(all[j].SubmittedAt) {
			return all[i].SubmittedAt.After(all[j].SubmittedAt)
		}
		return all[i].FeedbackID < all[j].FeedbackID
	})
	out, total := paginate(all, page, size)
	return out, total, nil
}

func (r memReader) ListSecondaries(_ context.Context, primaryID string) ([]*domain.Feedback, error) {
	out := []*domain.Feedback{}
	for _, fb := range r.state.feedback {
		if domain.Deref(fb.PrimaryFeedbackID) == primaryID {
			out = append(out, fb.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].FeedbackID < out[j].FeedbackID
	})
	return out, nil
}

func paginate[T any](all []T, page, size int) ([]T, int) {
	page, size = normalizePage(page, size)
	total := len(all)
	start := (page - 1) * size
	if start >= total {
		return []T{}, total
	}
	end := start + size
	if end > total {
		end = total
	}
	return all[start:end], total
}

// memTx 写操作直接作用在事务快照上
type memTx struct {
	memReader
	store     *MemoryStore
	lastStamp time.Time
}

// now 返回严格递增的时间戳，保证同一毫秒内创建的记录仍有确定顺序
func (t *memTx) now() time.Time {
	now := t.store.clock().UTC()
	last := t.lastStamp
	if last.IsZero() {
		t.store.mu.RLock()
		last = t.store.lastStamp
		t.store.mu.RUnlock()
	}
	if !now.After(last) {
		now = last.Add(time.Microsecond)
	}
	t.lastStamp = now
	return now
}

// Locks are no-ops: the whole transaction already holds txMu.

func (t *memTx) LockHousehold(ctx context.Context, id string) (*domain.Household, error) {
	return t.GetHousehold(ctx, id)
}

func (t *memTx) LockRequest(ctx context.Context, id string) (*domain.Request, error) {
	return t.GetRequest(ctx, id)
}

func (t *memTx) LockFeedbacks(_ context.Context, ids []string) ([]*domain.Feedback, error) {
	ids = uniqueStrings(ids)
	sort.Strings(ids)
	out := make([]*domain.Feedback, 0, len(ids))
	for _, id := range ids {
		f, ok := t.state.feedback[id]
		if !ok {
			return nil, fmt.Errorf("feedback: %w", ErrNotFound)
		}
		out = append(out, f.Clone())
	}
	return out, nil
}

func (t *memTx) CreateHousehold(_ context.Context, h *domain.Household) (string, error) {
	if h == nil {
		return "", fmt.Errorf("household is required")
	}
	if h.Code == "" {
		return "", fmt.Errorf("code is required")
	}
	for _, existing := range t.state.households {
		if existing.Code == h.Code {
			return "", fmt.Errorf("failed to create household: %w", ErrDuplicateCode)
		}
	}
	if h.Status == "" {
		h.Status = domain.HouseholdInactive
	}
	h.HouseholdID = uuid.NewString()
	h.CreatedAt = t.now()
	h.UpdatedAt = h.CreatedAt
	t.state.households[h.HouseholdID] = h.Clone()
	return h.HouseholdID, nil
}

func (t *memTx) UpdateHousehold(_ context.Context, h *domain.Household) error {
	existing, ok := t.state.households[h.HouseholdID]
	if !ok {
		return fmt.Errorf("household: %w", ErrNotFound)
	}
	c := h.Clone()
	c.Code = existing.Code
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = t.now()
	t.state.households[h.HouseholdID] = c
	return nil
}

// checkHead 模拟 persons_one_head_per_household 部分唯一索引
func (t *memTx) checkHead(p *domain.Person) error {
	if !p.IsHead() {
		return nil
	}
	for _, other := range t.state.persons {
		if other.PersonID != p.PersonID && other.HouseholdID == p.HouseholdID && other.IsHead() {
			return fmt.Errorf("%w: household %s", ErrHeadExists, p.HouseholdID)
		}
	}
	return nil
}

func (t *memTx) CreatePerson(_ context.Context, p *domain.Person) (string, error) {
	if p == nil {
		return "", fmt.Errorf("person is required")
	}
	if _, ok := t.state.households[p.HouseholdID]; !ok {
		return "", fmt.Errorf("household: %w", ErrNotFound)
	}
	if p.ResidencyStatus == "" {
		p.ResidencyStatus = domain.ResidencyActive
	}
	if err := t.checkHead(p); err != nil {
		return "", fmt.Errorf("failed to create person: %w", err)
	}
	p.PersonID = uuid.NewString()
	p.CreatedAt = t.now()
	p.UpdatedAt = p.CreatedAt
	t.state.persons[p.PersonID] = p.Clone()
	return p.PersonID, nil
}

func (t *memTx) UpdatePerson(_ context.Context, p *domain.Person) error {
	existing, ok := t.state.persons[p.PersonID]
	if !ok {
		return fmt.Errorf("person: %w", ErrNotFound)
	}
	if _, ok := t.state.households[p.HouseholdID]; !ok {
		return fmt.Errorf("household: %w", ErrNotFound)
	}
	if err := t.checkHead(p); err != nil {
		return fmt.Errorf("failed to update person: %w", err)
	}
	c := p.Clone()
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = t.now()
	t.state.persons[p.PersonID] = c
	return nil
}

func (t *memTx) DeletePerson(_ context.Context, id string) error {
	if _, ok := t.state.persons[id]; !ok {
		return fmt.Errorf("person: %w", ErrNotFound)
	}
	delete(t.state.persons, id)
	return nil
}

func (t *memTx) CreateRequest(_ context.Context, req *domain.Request) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is required")
	}
	req.RequestID = uuid.NewString()
	req.CreatedAt = t.now()
	t.state.requests[req.RequestID] = req.Clone()
	return req.RequestID, nil
}

func (t *memTx) UpdateRequest(_ context.Context, req *domain.Request) error {
	existing, ok := t.state.requests[req.RequestID]
	if !ok {
		return fmt.Errorf("request: %w", ErrNotFound)
	}
	c := existing.Clone()
	c.Status = req.Status
	c.RejectionReason = domain.StringPtr(domain.Deref(req.RejectionReason))
	c.ReviewedBy = domain.StringPtr(domain.Deref(req.ReviewedBy))
	if req.ReviewedAt != nil {
		at := *req.ReviewedAt
		c.ReviewedAt = &at
	}
	t.state.requests[req.RequestID] = c
	return nil
}

func (t *memTx) CreateFeedback(_ context.Context, f *domain.Feedback) (string, error) {
	if f == nil {
		return "", fmt.Errorf("feedback is required")
	}
	if f.ReportCount <= 0 {
		f.ReportCount = 1
	}
	f.FeedbackID = uuid.NewString()
	if f.SubmittedAt.IsZero() {
		f.SubmittedAt = t.now()
	}
	f.Submitters = nonNilStrings(f.Submitters)
	t.state.feedback[f.FeedbackID] = f.Clone()
	return f.FeedbackID, nil
}

func (t *memTx) UpdateFeedback(_ context.Context, f *domain.Feedback) error {
	existing, ok := t.state.feedback[f.FeedbackID]
	if !ok {
		return fmt.Errorf("feedback: %w", ErrNotFound)
	}
	if pid := domain.Deref(f.PrimaryFeedbackID); pid != "" {
		if _, ok := t.state.feedback[pid]; !ok {
			return fmt.Errorf("primary feedback: %w", ErrNotFound)
		}
	}
	c := f.Clone()
	c.Title = existing.Title
	c.Body = existing.Body
	c.Category = existing.Category
	c.SubmittedAt = existing.SubmittedAt
	c.SubmitterID = existing.SubmitterID
	c.SubmitterName = existing.SubmitterName
	c.Submitters = nonNilStrings(c.Submitters)
	t.state.feedback[f.FeedbackID] = c
	return nil
}
