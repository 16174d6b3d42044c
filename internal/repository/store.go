package repository

import (
	"context"
	"errors"

	"hokhau/internal/domain"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrHeadExists 违反 persons_one_head_per_household 唯一索引
	ErrHeadExists = errors.New("household already has a head")
	// ErrDuplicateCode 户口编号重复
	ErrDuplicateCode = errors.New("household code already exists")
)

// Reader 只读查询（事务内外通用）
type Reader interface {
	GetHousehold(ctx context.Context, householdID string) (*domain.Household, error)
	GetHouseholdByCode(ctx context.Context, code string) (*domain.Household, error)
	ListHouseholds(ctx context.Context, filters HouseholdFilters, page, size int) ([]*domain.Household, int, error)
	ListMembers(ctx context.Context, householdID string) ([]*domain.Person, error)

	GetPerson(ctx context.Context, personID string) (*domain.Person, error)

	GetRequest(ctx context.Context, requestID string) (*domain.Request, error)
	ListRequests(ctx context.Context, filters RequestFilters, page, size int) ([]*domain.Request, int, error)

	GetFeedback(ctx context.Context, feedbackID string) (*domain.Feedback, error)
	ListFeedback(ctx context.Context, filters FeedbackFilters, page, size int) ([]*domain.Feedback, int, error)
	ListSecondaries(ctx context.Context, primaryID string) ([]*domain.Feedback, error)
}

// Tx 单个事务内的读写。所有写操作必须通过 Tx 完成
type Tx interface {
	Reader

	// Lock* 读取并锁定行，直到事务结束
	LockHousehold(ctx context.Context, householdID string) (*domain.Household, error)
	LockRequest(ctx context.Context, requestID string) (*domain.Request, error)
	LockFeedbacks(ctx context.Context, feedbackIDs []string) ([]*domain.Feedback, error)

	CreateHousehold(ctx context.Context, household *domain.Household) (string, error)
	UpdateHousehold(ctx context.Context, household *domain.Household) error

	CreatePerson(ctx context.Context, person *domain.Person) (string, error)
	UpdatePerson(ctx context.Context, person *domain.Person) error
	DeletePerson(ctx context.Context, personID string) error

	CreateRequest(ctx context.Context, request *domain.Request) (string, error)
	UpdateRequest(ctx context.Context, request *domain.Request) error

	CreateFeedback(ctx context.Context, feedback *domain.Feedback) (string, error)
	UpdateFeedback(ctx context.Context, feedback *domain.Feedback) error
}

// Store 户籍存储：fn 返回错误时全部回滚
type Store interface {
	Reader
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

// HouseholdFilters 户口查询过滤器
type HouseholdFilters struct {
	Status domain.HouseholdStatus
	Search string // code 或地址模糊匹配
}

// RequestFilters 申请查询过滤器
type RequestFilters struct {
	Status            domain.RequestStatus
	Type              domain.RequestType
	TargetHouseholdID string
	SubmittedBy       string
}

// FeedbackFilters 反映查询过滤器
type FeedbackFilters struct {
	Status             domain.FeedbackStatus
	Category           string
	SubmitterID        string
	ExcludeSecondaries bool // 管理员列表隐藏已合并的反映
}

func normalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 200 {
		size = 200
	}
	return page, size
}
