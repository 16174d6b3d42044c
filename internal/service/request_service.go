package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"hokhau/internal/domain"
	"hokhau/internal/events"
	"hokhau/internal/metrics"
	"hokhau/internal/repository"
	"hokhau/internal/store"
)

// RequestService 居民申请工作流：submit -> PENDING -> approve | reject
type RequestService interface {
	Submit(ctx context.Context, actor domain.Actor, req SubmitRequest) (*domain.Request, error)
	Approve(ctx context.Context, actor domain.Actor, requestID string, opts ApproveOptions) (*domain.Request, error)
	Reject(ctx context.Context, actor domain.Actor, requestID, reason string) (*domain.Request, error)

	Get(ctx context.Context, actor domain.Actor, requestID string) (*domain.Request, error)
	List(ctx context.Context, actor domain.Actor, req ListRequestsRequest) (*ListRequestsResponse, error)
}

// SubmitRequest 提交申请
type SubmitRequest struct {
	Type              domain.RequestType
	Payload           json.RawMessage
	TargetHouseholdID string
	TargetPersonID    string
	// IdempotencyKey makes retried submissions return the original request.
	IdempotencyKey string
}

// ApproveOptions 审批时管理员补充的信息
type ApproveOptions struct {
	// HouseholdID assigns ADD_PERSON requests submitted without a target household.
	HouseholdID string
}

// ListRequestsRequest 查询申请列表
type ListRequestsRequest struct {
	Filters  repository.RequestFilters
	Page     int
	PageSize int
}

// ListRequestsResponse 申请列表
type ListRequestsResponse struct {
	Items []*domain.Request
	Total int
}

const idempotencyPending = "pending"

type requestService struct {
	store          repository.Store
	guard          *Guard
	codes          *CodeAllocator
	validator      *PayloadValidator
	kv             store.KV
	idempotencyTTL time.Duration
	emitter        Emitter
	metrics        *metrics.Metrics
	logger         *zap.Logger
	now            func() time.Time
}

// NewRequestService 创建 RequestService；kv 为 nil 时不支持幂等提交
func NewRequestService(st repository.Store, guard *Guard, codes *CodeAllocator, kv store.KV, idempotencyTTL time.Duration,
	emitter Emitter, m *metrics.Metrics, logger *zap.Logger) RequestService {
	return &requestService{
		store:          st,
		guard:          guard,
		codes:          codes,
		validator:      NewPayloadValidator(),
		kv:             kv,
		idempotencyTTL: idempotencyTTL,
		emitter:        emitterOrNop(emitter),
		metrics:        m,
		logger:         logger,
		now:            utcNow,
	}
}

func (s *requestService) Submit(ctx context.Context, actor domain.Actor, in SubmitRequest) (req *domain.Request, err error) {
	ctx, span := startSpan(ctx, "request.submit", attribute.String("request.type", string(in.Type)))
	defer func() { finishSpan(span, err) }()
	defer s.metrics.ObserveSince("submit", time.Now())

	if err := actor.RequireIdentified("submit request"); err != nil {
		return nil, err
	}

	t := in.Type.Normalize()
	if !t.Valid() {
		return nil, domain.NewValidationError("unknown request type",
			domain.FieldError{Field: "type", Reason: fmt.Sprintf("unsupported value %q", in.Type)})
	}
	payload, err := s.validator.Decode(t, in.Payload)
	if err != nil {
		return nil, err
	}
	targetHH := domain.StringPtr(strings.TrimSpace(in.TargetHouseholdID))
	targetPerson := domain.StringPtr(strings.TrimSpace(in.TargetPersonID))
	if err := s.validator.Validate(t, payload, targetHH, targetPerson); err != nil {
		return nil, err
	}
	if split, ok := payload.(*SplitHouseholdPayload); ok {
		targetHH = domain.StringPtr(split.SourceHouseholdID)
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	idemKey := ""
	if in.IdempotencyKey != "" && s.kv != nil {
		idemKey = "hokhau:idempotency:" + actor.UserID + ":" + in.IdempotencyKey
		existing, err := s.reserveIdempotencyKey(ctx, idemKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	req = &domain.Request{
		Type:              t,
		Status:            domain.RequestPending,
		Payload:           canonical,
		TargetHouseholdID: targetHH,
		TargetPersonID:    targetPerson,
		SubmittedBy:       actor.UserID,
	}
	err = s.store.RunInTx(ctx, func(tx repository.Tx) error {
		_, err := tx.CreateRequest(ctx, req)
		return err
	})
	if err != nil {
		if idemKey != "" {
			_ = s.kv.Delete(ctx, idemKey)
		}
		return nil, err
	}
	if idemKey != "" {
		if err := s.kv.Set(ctx, idemKey, req.RequestID, s.idempotencyTTL); err != nil {
			s.logger.Warn("failed to record idempotency key", zap.String("request_id", req.RequestID), zap.Error(err))
		}
	}

	s.metrics.Submitted(string(t))
	s.logger.Info("Request submitted",
		zap.String("request_id", req.RequestID),
		zap.String("type", string(t)),
		zap.String("submitted_by", actor.UserID),
	)
	s.emitter.Emit(ctx, events.New(events.RequestSubmitted, actor.UserID, req.RequestID,
		map[string]string{"requestId": req.RequestID, "type": string(t)}))
	return req, nil
}

// reserveIdempotencyKey returns the original request when the key was already used.
func (s *requestService) reserveIdempotencyKey(ctx context.Context, key string) (*domain.Request, error) {
	ok, err := s.kv.SetNX(ctx, key, idempotencyPending, s.idempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency store: %w", err)
	}
	if ok {
		return nil, nil
	}
	id, err := s.kv.Get(ctx, key)
	if err != nil && !errors.Is(err, store.ErrMiss) {
		return nil, fmt.Errorf("idempotency store: %w", err)
	}
	if id == "" || id == idempotencyPending {
		return nil, domain.NewConflictError(domain.ConflictIdempotencyInProgress,
			"a submission with this idempotency key is still in progress")
	}
	original, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, storeErr(err, "request", id)
	}
	return original, nil
}

func (s *requestService) Approve(ctx context.Context, actor domain.Actor, requestID string, opts ApproveOptions) (req *domain.Request, err error) {
	ctx, span := startSpan(ctx, "request.approve", attribute.String("request.id", requestID))
	defer func() { finishSpan(span, err) }()
	defer s.metrics.ObserveSince("approve", time.Now())

	if err := actor.RequireReviewer("approve request"); err != nil {
		return nil, err
	}

	var effect *effectResult
	err = s.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		if req, err = s.lockPending(ctx, tx, requestID); err != nil {
			return err
		}
		if effect, err = s.applyEffect(ctx, tx, actor, req, opts); err != nil {
			return err
		}
		now := s.now()
		req.Status = domain.RequestApproved
		req.ReviewedBy = domain.StringPtr(actor.UserID)
		req.ReviewedAt = &now
		return storeErr(tx.UpdateRequest(ctx, req), "request", requestID)
	})
	if err != nil {
		requestType := ""
		if req != nil {
			requestType = string(req.Type)
		}
		s.metrics.ReviewOutcome(requestType, "failed")
		s.logger.Warn("Request approval failed",
			zap.String("request_id", requestID),
			zap.String("type", requestType),
			zap.String("reviewer", actor.UserID),
			zap.Error(err),
		)
		return nil, err
	}

	s.metrics.ReviewOutcome(string(req.Type), "approved")
	s.logger.Info("Request approved",
		zap.String("request_id", req.RequestID),
		zap.String("type", string(req.Type)),
		zap.String("reviewer", actor.UserID),
	)
	for _, e := range effect.events {
		switch e.Type {
		case events.HouseholdCreated:
			s.metrics.HouseholdCreated()
		case events.HouseholdActivated:
			s.metrics.HeadDesignated("activate")
		}
		s.emitter.Emit(ctx, e)
	}
	s.emitter.Emit(ctx, events.New(events.RequestApproved, actor.UserID, req.RequestID,
		map[string]string{"requestId": req.RequestID, "type": string(req.Type), "submittedBy": req.SubmittedBy}))
	return req, nil
}

func (s *requestService) Reject(ctx context.Context, actor domain.Actor, requestID, reason string) (req *domain.Request, err error) {
	ctx, span := startSpan(ctx, "request.reject", attribute.String("request.id", requestID))
	defer func() { finishSpan(span, err) }()

	if err := actor.RequireReviewer("reject request"); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.NewValidationError("rejection reason is required",
			domain.FieldError{Field: "reason", Reason: "required"})
	}

	err = s.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		if req, err = s.lockPending(ctx, tx, requestID); err != nil {
			return err
		}
		now := s.now()
		req.Status = domain.RequestRejected
		req.RejectionReason = &reason
		req.ReviewedBy = domain.StringPtr(actor.UserID)
		req.ReviewedAt = &now
		return storeErr(tx.UpdateRequest(ctx, req), "request", requestID)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ReviewOutcome(string(req.Type), "rejected")
	s.logger.Info("Request rejected",
		zap.String("request_id", req.RequestID),
		zap.String("type", string(req.Type)),
		zap.String("reviewer", actor.UserID),
	)
	s.emitter.Emit(ctx, events.New(events.RequestRejected, actor.UserID, req.RequestID, map[string]string{
		"requestId":   req.RequestID,
		"type":        string(req.Type),
		"submittedBy": req.SubmittedBy,
		"reason":      reason,
	}))
	return req, nil
}

// lockPending locks the request row; anything but PENDING is an InvalidStateError.
func (s *requestService) lockPending(ctx context.Context, tx repository.Tx, requestID string) (*domain.Request, error) {
	req, err := tx.LockRequest(ctx, requestID)
	if err != nil {
		return nil, storeErr(err, "request", requestID)
	}
	if req.Status != domain.RequestPending {
		return req, &domain.InvalidStateError{
			Current: string(req.Status),
			Message: fmt.Sprintf("request %s is already %s", requestID, req.Status),
		}
	}
	return req, nil
}

func (s *requestService) Get(ctx context.Context, actor domain.Actor, requestID string) (*domain.Request, error) {
	if err := actor.RequireIdentified("view request"); err != nil {
		return nil, err
	}
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, storeErr(err, "request", requestID)
	}
	if !actor.CanReview() && req.SubmittedBy != actor.UserID {
		return nil, &domain.ForbiddenError{Action: "view request of another citizen", Role: actor.Role}
	}
	return req, nil
}

// List 公民只能看到自己提交的申请
func (s *requestService) List(ctx context.Context, actor domain.Actor, in ListRequestsRequest) (*ListRequestsResponse, error) {
	if err := actor.RequireIdentified("list requests"); err != nil {
		return nil, err
	}
	filters := in.Filters
	if !actor.CanReview() {
		filters.SubmittedBy = actor.UserID
	}
	items, total, err := s.store.ListRequests(ctx, filters, in.Page, in.PageSize)
	if err != nil {
		return nil, err
	}
	return &ListRequestsResponse{Items: items, Total: total}, nil
}
