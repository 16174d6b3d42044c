package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"hokhau/internal/domain"
	"hokhau/internal/repository"
	"hokhau/internal/service"
)

// FeedbackHandler 居民反映 Handler
type FeedbackHandler struct {
	feedback service.FeedbackService
	logger   *zap.Logger
}

func NewFeedbackHandler(feedback service.FeedbackService, logger *zap.Logger) *FeedbackHandler {
	return &FeedbackHandler{feedback: feedback, logger: logger}
}

// Submit POST /api/v1/feedback
func (h *FeedbackHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var body service.SubmitFeedbackRequest
	if err := readBodyJSON(r, &body); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	f, err := h.feedback.Submit(r.Context(), actorFrom(r), body)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(f))
}

// Get GET /api/v1/feedback/{id}
func (h *FeedbackHandler) Get(w http.ResponseWriter, r *http.Request) {
	f, err := h.feedback.Get(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(f))
}

// ListMine GET /api/v1/feedback/mine
func (h *FeedbackHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.feedback.ListMine)
}

// ListForAdmin GET /admin/api/v1/feedback（不含已合并的下属）
func (h *FeedbackHandler) ListForAdmin(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.feedback.ListForAdmin)
}

type listFeedbackFunc func(ctx context.Context, actor domain.Actor, req service.ListFeedbackRequest) (*service.ListFeedbackResponse, error)

func (h *FeedbackHandler) list(w http.ResponseWriter, r *http.Request, fn listFeedbackFunc) {
	q := r.URL.Query()
	resp, err := fn(r.Context(), actorFrom(r), service.ListFeedbackRequest{
		Filters: repository.FeedbackFilters{
			Status:   domain.FeedbackStatus(q.Get("status")),
			Category: q.Get("category"),
		},
		Page:     parseInt(q.Get("page"), 1),
		PageSize: parseInt(q.Get("size"), 20),
	})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(Page[*domain.Feedback]{Items: resp.Items, Total: resp.Total}))
}

// Merge POST /admin/api/v1/feedback/merge {ids, primaryId?}
func (h *FeedbackHandler) Merge(w http.ResponseWriter, r *http.Request) {
	var body service.MergeFeedbackRequest
	if err := readBodyJSON(r, &body); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	primary, err := h.feedback.Merge(r.Context(), actorFrom(r), body)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(primary))
}

// Respond POST /admin/api/v1/feedback/{id}/respond {respondingUnit, content}
func (h *FeedbackHandler) Respond(w http.ResponseWriter, r *http.Request) {
	var body service.RespondFeedbackRequest
	if err := readBodyJSON(r, &body); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	primary, err := h.feedback.Respond(r.Context(), actorFrom(r), chi.URLParam(r, "id"), body)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(primary))
}

// Reject POST /admin/api/v1/feedback/{id}/reject {reason}
func (h *FeedbackHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var body rejectBody
	if err := readBodyJSON(r, &body); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	primary, err := h.feedback.Reject(r.Context(), actorFrom(r), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(primary))
}

// SuggestDuplicates GET /admin/api/v1/feedback/{id}/duplicates?limit=
func (h *FeedbackHandler) SuggestDuplicates(w http.ResponseWriter, r *http.Request) {
	out, err := h.feedback.SuggestDuplicates(r.Context(), actorFrom(r), chi.URLParam(r, "id"),
		parseInt(r.URL.Query().Get("limit"), 10))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if out == nil {
		out = []service.DuplicateSuggestion{}
	}
	writeJSON(w, http.StatusOK, Ok(out))
}
