package service

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"hokhau/internal/domain"
	"hokhau/internal/events"
	"hokhau/internal/metrics"
	"hokhau/internal/repository"
)

// DuplicateThreshold 标题+正文相似度达到该值才作为疑似重复返回
const DuplicateThreshold = 0.6

// FeedbackService 居民反映：提交、合并、统一答复
type FeedbackService interface {
	Submit(ctx context.Context, actor domain.Actor, req SubmitFeedbackRequest) (*domain.Feedback, error)
	Merge(ctx context.Context, actor domain.Actor, req MergeFeedbackRequest) (*domain.Feedback, error)
	Respond(ctx context.Context, actor domain.Actor, primaryID string, req RespondFeedbackRequest) (*domain.Feedback, error)
	Reject(ctx context.Context, actor domain.Actor, primaryID, reason string) (*domain.Feedback, error)

	Get(ctx context.Context, actor domain.Actor, feedbackID string) (*domain.Feedback, error)
	ListForAdmin(ctx context.Context, actor domain.Actor, req ListFeedbackRequest) (*ListFeedbackResponse, error)
	ListMine(ctx context.Context, actor domain.Actor, req ListFeedbackRequest) (*ListFeedbackResponse, error)
	SuggestDuplicates(ctx context.Context, actor domain.Actor, feedbackID string, limit int) ([]DuplicateSuggestion, error)
}

// SubmitFeedbackRequest 提交反映
type SubmitFeedbackRequest struct {
	Title    string `json:"title" validate:"required"`
	Body     string `json:"body" validate:"required"`
	Category string `json:"category"`
}

// MergeFeedbackRequest 合并反映；PrimaryID 为空时取最早提交的一条
type MergeFeedbackRequest struct {
	IDs       []string `json:"ids"`
	PrimaryID string   `json:"primaryId,omitempty"`
}

// RespondFeedbackRequest 答复主反映
type RespondFeedbackRequest struct {
	RespondingUnit string `json:"respondingUnit" validate:"required"`
	Content        string `json:"content" validate:"required"`
}

// ListFeedbackRequest 查询反映
type ListFeedbackRequest struct {
	Filters  repository.FeedbackFilters
	Page     int
	PageSize int
}

// ListFeedbackResponse 反映列表
type ListFeedbackResponse struct {
	Items []*domain.Feedback
	Total int
}

// DuplicateSuggestion 疑似重复反映及相似度
type DuplicateSuggestion struct {
	Feedback *domain.Feedback `json:"feedback"`
	Score    float64          `json:"score"`
}

type feedbackService struct {
	store     repository.Store
	validator *PayloadValidator
	emitter   Emitter
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewFeedbackService(st repository.Store, emitter Emitter, m *metrics.Metrics, logger *zap.Logger) FeedbackService {
	return &feedbackService{
		store:     st,
		validator: NewPayloadValidator(),
		emitter:   emitterOrNop(emitter),
		metrics:   m,
		logger:    logger,
		now:       utcNow,
	}
}

func (s *feedbackService) Submit(ctx context.Context, actor domain.Actor, req SubmitFeedbackRequest) (f *domain.Feedback, err error) {
	ctx, span := startSpan(ctx, "feedback.submit")
	defer func() { finishSpan(span, err) }()

	if err := actor.RequireIdentified("submit feedback"); err != nil {
		return nil, err
	}
	req.Title = strings.TrimSpace(req.Title)
	req.Body = strings.TrimSpace(req.Body)
	req.Category = strings.TrimSpace(req.Category)
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}

	name := actor.Name
	if name == "" {
		name = actor.UserID
	}
	f = &domain.Feedback{
		Title:         req.Title,
		Body:          req.Body,
		Category:      req.Category,
		Status:        domain.FeedbackPending,
		SubmitterID:   actor.UserID,
		SubmitterName: name,
		Submitters:    []string{name},
		ReportCount:   1,
	}
	err = s.store.RunInTx(ctx, func(tx repository.Tx) error {
		_, err := tx.CreateFeedback(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Feedback submitted",
		zap.String("feedback_id", f.FeedbackID),
		zap.String("category", f.Category),
		zap.String("submitter", actor.UserID),
	)
	s.emitter.Emit(ctx, events.New(events.FeedbackSubmitted, actor.UserID, f.FeedbackID,
		map[string]string{"feedbackId": f.FeedbackID, "category": f.Category}))
	return f, nil
}

// Merge 把 ids 中除主反映以外的记录挂到主反映下。
// 已经是主反映的记录，其下属一并改挂（只保留一层）；
// 原先的上级以及新主反映的 reportCount/submitters 全部按直接下属重新计算。
func (s *feedbackService) Merge(ctx context.Context, actor domain.Actor, req MergeFeedbackRequest) (primary *domain.Feedback, err error) {
	ctx, span := startSpan(ctx, "feedback.merge")
	defer func() { finishSpan(span, err) }()
	defer s.metrics.ObserveSince("merge", time.Now())

	if err := actor.RequireReviewer("merge feedback"); err != nil {
		return nil, err
	}
	ids := uniqueIDs(append(append([]string(nil), req.IDs...), req.PrimaryID))
	if len(ids) < 2 {
		return nil, domain.NewValidationError("at least two feedback ids are required",
			domain.FieldError{Field: "ids", Reason: "must contain at least 2 distinct ids"})
	}

	var folded []string
	err = s.store.RunInTx(ctx, func(tx repository.Tx) error {
		byID, err := lockMergeSetTx(ctx, tx, ids)
		if err != nil {
			return err
		}

		set := make([]*domain.Feedback, 0, len(ids))
		for _, id := range ids {
			set = append(set, byID[id])
		}
		primary = choosePrimary(set, req.PrimaryID)
		for _, f := range set {
			if f.Status.Closed() {
				return domain.NewConflictError(domain.ConflictFeedbackAlreadyClosed,
					"feedback "+f.FeedbackID+" is already "+string(f.Status))
			}
		}

		// 需要重新计数的旧上级
		recount := map[string]bool{}
		reparent := func(f *domain.Feedback) {
			if f.IsSecondary() && *f.PrimaryFeedbackID != primary.FeedbackID {
				recount[*f.PrimaryFeedbackID] = true
			}
			f.PrimaryFeedbackID = domain.StringPtr(primary.FeedbackID)
			f.Status = domain.FeedbackInProgress
			f.Resolution = domain.MergeMarker(primary.FeedbackID)
			f.ReportCount = 1
			f.Submitters = []string{f.SubmitterName}
		}

		if primary.IsSecondary() {
			recount[*primary.PrimaryFeedbackID] = true
			primary.PrimaryFeedbackID = nil
			primary.Resolution = ""
		}
		if primary.Status == domain.FeedbackPending {
			primary.Status = domain.FeedbackInProgress
		}
		if err := tx.UpdateFeedback(ctx, primary); err != nil {
			return err
		}

		for _, f := range set {
			if f.FeedbackID == primary.FeedbackID {
				continue
			}
			children, err := tx.ListSecondaries(ctx, f.FeedbackID)
			if err != nil {
				return err
			}
			for _, c := range children {
				if byID[c.FeedbackID] == nil {
					// 加锁后新挂上的下属
					extra, err := tx.LockFeedbacks(ctx, []string{c.FeedbackID})
					if err != nil {
						return storeErr(err, "feedback", c.FeedbackID)
					}
					byID[c.FeedbackID] = extra[0]
				}
				c = byID[c.FeedbackID]
				reparent(c)
				if err := tx.UpdateFeedback(ctx, c); err != nil {
					return err
				}
				folded = append(folded, c.FeedbackID)
			}
			reparent(f)
			if err := tx.UpdateFeedback(ctx, f); err != nil {
				return err
			}
			folded = append(folded, f.FeedbackID)
		}

		for id := range recount {
			if id == primary.FeedbackID || byID[id] == nil {
				continue
			}
			if err := recountTx(ctx, tx, byID[id]); err != nil {
				return err
			}
		}
		return recountTx(ctx, tx, primary)
	})
	if err != nil {
		return nil, err
	}
	folded = uniqueIDs(folded)
	span.SetAttributes(
		attribute.String("feedback.primary_id", primary.FeedbackID),
		attribute.Int("feedback.folded", len(folded)),
	)

	s.metrics.Merged(len(folded))
	s.logger.Info("Feedback merged",
		zap.String("primary_id", primary.FeedbackID),
		zap.Strings("secondary_ids", folded),
		zap.Int("report_count", primary.ReportCount),
		zap.String("actor", actor.UserID),
	)
	s.emitter.Emit(ctx, events.New(events.FeedbackMerged, actor.UserID, primary.FeedbackID,
		map[string]any{"primaryId": primary.FeedbackID, "secondaryIds": folded, "reportCount": primary.ReportCount}))
	return primary, nil
}

func (s *feedbackService) Respond(ctx context.Context, actor domain.Actor, primaryID string, req RespondFeedbackRequest) (primary *domain.Feedback, err error) {
	ctx, span := startSpan(ctx, "feedback.respond", attribute.String("feedback.id", primaryID))
	defer func() { finishSpan(span, err) }()

	if err := actor.RequireReviewer("respond to feedback"); err != nil {
		return nil, err
	}
	req.RespondingUnit = strings.TrimSpace(req.RespondingUnit)
	req.Content = strings.TrimSpace(req.Content)
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}

	var propagated []string
	err = s.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		primary, propagated, err = s.closeTx(ctx, tx, primaryID, domain.FeedbackResolved, req.Content, req.RespondingUnit)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.FeedbackClosedAs(string(domain.FeedbackResolved))
	s.logger.Info("Feedback responded",
		zap.String("primary_id", primaryID),
		zap.Strings("propagated_to", propagated),
		zap.String("responding_unit", req.RespondingUnit),
		zap.String("actor", actor.UserID),
	)
	s.emitter.Emit(ctx, events.New(events.FeedbackResponded, actor.UserID, primaryID,
		map[string]any{"primaryId": primaryID, "feedbackIds": append([]string{primaryID}, propagated...),
			"respondingUnit": req.RespondingUnit}))
	return primary, nil
}

func (s *feedbackService) Reject(ctx context.Context, actor domain.Actor, primaryID, reason string) (primary *domain.Feedback, err error) {
	ctx, span := startSpan(ctx, "feedback.reject", attribute.String("feedback.id", primaryID))
	defer func() { finishSpan(span, err) }()

	if err := actor.RequireReviewer("reject feedback"); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.NewValidationError("rejection reason is required",
			domain.FieldError{Field: "reason", Reason: "required"})
	}

	var propagated []string
	err = s.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		primary, propagated, err = s.closeTx(ctx, tx, primaryID, domain.FeedbackRejected, reason, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.FeedbackClosedAs(string(domain.FeedbackRejected))
	s.logger.Info("Feedback rejected",
		zap.String("primary_id", primaryID),
		zap.Strings("propagated_to", propagated),
		zap.String("actor", actor.UserID),
	)
	s.emitter.Emit(ctx, events.New(events.FeedbackRejected, actor.UserID, primaryID,
		map[string]any{"primaryId": primaryID, "feedbackIds": append([]string{primaryID}, propagated...)}))
	return primary, nil
}

// closeTx 关闭主反映并把同一结果写到全部下属
func (s *feedbackService) closeTx(ctx context.Context, tx repository.Tx, primaryID string, status domain.FeedbackStatus,
	resolution, unit string) (*domain.Feedback, []string, error) {
	// 先锁主反映：合并总会锁住新旧上级，锁住后其下属集合不再变化
	rows, err := tx.LockFeedbacks(ctx, []string{primaryID})
	if err != nil {
		return nil, nil, storeErr(err, "feedback", primaryID)
	}
	primary := rows[0]
	secondaries, err := tx.ListSecondaries(ctx, primaryID)
	if err != nil {
		return nil, nil, err
	}
	locked := []*domain.Feedback{primary}
	if len(secondaries) > 0 {
		ids := make([]string, 0, len(secondaries))
		for _, f := range secondaries {
			ids = append(ids, f.FeedbackID)
		}
		rows, err := tx.LockFeedbacks(ctx, ids)
		if err != nil {
			return nil, nil, storeErr(err, "feedback", primaryID)
		}
		locked = append(locked, rows...)
	}

	if primary.IsSecondary() {
		return nil, nil, domain.NewValidationError("response to secondary feedback disallowed")
	}
	if primary.Status == domain.FeedbackRejected || (status == domain.FeedbackRejected && primary.Status.Closed()) {
		return nil, nil, domain.NewConflictError(domain.ConflictFeedbackAlreadyClosed,
			"feedback "+primaryID+" is already "+string(primary.Status))
	}

	now := s.now()
	var propagated []string
	for _, f := range locked {
		if f.FeedbackID != primaryID && (f.PrimaryFeedbackID == nil || *f.PrimaryFeedbackID != primaryID) {
			continue
		}
		f.Status = status
		f.Resolution = resolution
		f.RespondingUnit = unit
		f.RespondedAt = &now
		if err := tx.UpdateFeedback(ctx, f); err != nil {
			return nil, nil, err
		}
		if f.FeedbackID != primaryID {
			propagated = append(propagated, f.FeedbackID)
		}
	}
	return primary, propagated, nil
}

func (s *feedbackService) Get(ctx context.Context, actor domain.Actor, feedbackID string) (*domain.Feedback, error) {
	f, err := s.store.GetFeedback(ctx, feedbackID)
	if err != nil {
		return nil, storeErr(err, "feedback", feedbackID)
	}
	if !actor.CanReview() && f.SubmitterID != actor.UserID {
		return nil, &domain.ForbiddenError{Action: "view feedback", Role: actor.Role}
	}
	return f, nil
}

// ListForAdmin 管理员列表，不显示已合并的下属
func (s *feedbackService) ListForAdmin(ctx context.Context, actor domain.Actor, req ListFeedbackRequest) (*ListFeedbackResponse, error) {
	if err := actor.RequireReviewer("list feedback"); err != nil {
		return nil, err
	}
	req.Filters.ExcludeSecondaries = true
	items, total, err := s.store.ListFeedback(ctx, req.Filters, req.Page, req.PageSize)
	if err != nil {
		return nil, err
	}
	return &ListFeedbackResponse{Items: items, Total: total}, nil
}

// ListMine 提交人自己的反映，包括已合并的
func (s *feedbackService) ListMine(ctx context.Context, actor domain.Actor, req ListFeedbackRequest) (*ListFeedbackResponse, error) {
	if err := actor.RequireIdentified("list own feedback"); err != nil {
		return nil, err
	}
	req.Filters.SubmitterID = actor.UserID
	req.Filters.ExcludeSecondaries = false
	items, total, err := s.store.ListFeedback(ctx, req.Filters, req.Page, req.PageSize)
	if err != nil {
		return nil, err
	}
	return &ListFeedbackResponse{Items: items, Total: total}, nil
}

func (s *feedbackService) SuggestDuplicates(ctx context.Context, actor domain.Actor, feedbackID string, limit int) (out []DuplicateSuggestion, err error) {
	ctx, span := startSpan(ctx, "feedback.suggest_duplicates", attribute.String("feedback.id", feedbackID))
	defer func() { finishSpan(span, err) }()

	if err := actor.RequireReviewer("suggest duplicate feedback"); err != nil {
		return nil, err
	}
	target, err := s.store.GetFeedback(ctx, feedbackID)
	if err != nil {
		return nil, storeErr(err, "feedback", feedbackID)
	}
	if limit <= 0 {
		limit = 10
	}

	dmp := diffmatchpatch.New()
	text := feedbackText(target)
	filters := repository.FeedbackFilters{Category: target.Category, ExcludeSecondaries: true}
	const pageSize = 200
	for page := 1; ; page++ {
		items, total, err := s.store.ListFeedback(ctx, filters, page, pageSize)
		if err != nil {
			return nil, err
		}
		for _, f := range items {
			if f.FeedbackID == target.FeedbackID {
				continue
			}
			if score := similarity(dmp, text, feedbackText(f)); score >= DuplicateThreshold {
				out = append(out, DuplicateSuggestion{Feedback: f, Score: score})
			}
		}
		if len(items) == 0 || page*pageSize >= total {
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// lockMergeSetTx 锁住合并涉及的全部记录：ids 本身、它们的上级和下属。
// 上级和下属按加锁后的行重新推导，直到集合不再增长
func lockMergeSetTx(ctx context.Context, tx repository.Tx, ids []string) (map[string]*domain.Feedback, error) {
	byID := make(map[string]*domain.Feedback, len(ids))
	pending := ids
	for len(pending) > 0 {
		locked, err := tx.LockFeedbacks(ctx, pending)
		if err != nil {
			return nil, storeErr(err, "feedback", strings.Join(pending, ","))
		}
		for _, f := range locked {
			byID[f.FeedbackID] = f
		}

		var related []string
		for _, id := range ids {
			f := byID[id]
			if f.IsSecondary() {
				related = append(related, *f.PrimaryFeedbackID)
			}
			children, err := tx.ListSecondaries(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				related = append(related, c.FeedbackID)
			}
		}
		pending = pending[:0:0]
		for _, id := range uniqueIDs(related) {
			if byID[id] == nil {
				pending = append(pending, id)
			}
		}
	}
	return byID, nil
}

// recountTx 按直接下属重算 reportCount 和 submitters
func recountTx(ctx context.Context, tx repository.Tx, primary *domain.Feedback) error {
	secondaries, err := tx.ListSecondaries(ctx, primary.FeedbackID)
	if err != nil {
		return err
	}
	names := []string{primary.SubmitterName}
	for _, f := range secondaries {
		names = append(names, f.SubmitterName)
	}
	primary.Submitters = uniqueIDs(names)
	primary.ReportCount = 1 + len(secondaries)
	return tx.UpdateFeedback(ctx, primary)
}

func choosePrimary(set []*domain.Feedback, explicit string) *domain.Feedback {
	var primary *domain.Feedback
	for _, f := range set {
		if explicit != "" {
			if f.FeedbackID == explicit {
				return f
			}
			continue
		}
		if primary == nil || f.SubmittedAt.Before(primary.SubmittedAt) ||
			(f.SubmittedAt.Equal(primary.SubmittedAt) && f.FeedbackID < primary.FeedbackID) {
			primary = f
		}
	}
	return primary
}

func feedbackText(f *domain.Feedback) string {
	return strings.ToLower(strings.TrimSpace(f.Title + "\n" + f.Body))
}

// similarity = 1 - levenshtein / max(len)，按 rune 计
func similarity(dmp *diffmatchpatch.DiffMatchPatch, a, b string) float64 {
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	dist := dmp.DiffLevenshtein(dmp.DiffMain(a, b, false))
	return 1 - float64(dist)/float64(longest)
}

// uniqueIDs 去空、去重，保持首次出现的顺序
func uniqueIDs(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
