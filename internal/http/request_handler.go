package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"hokhau/internal/domain"
	"hokhau/internal/repository"
	"hokhau/internal/service"
)

// RequestHandler 居民申请 Handler
type RequestHandler struct {
	requests service.RequestService
	logger   *zap.Logger
}

func NewRequestHandler(requests service.RequestService, logger *zap.Logger) *RequestHandler {
	return &RequestHandler{requests: requests, logger: logger}
}

type submitBody struct {
	Type              domain.RequestType `json:"type"`
	Payload           json.RawMessage    `json:"payload"`
	TargetHouseholdID string             `json:"targetHouseholdId,omitempty"`
	TargetPersonID    string             `json:"targetPersonId,omitempty"`
}

// Submit POST /api/v1/requests（可选 Idempotency-Key 请求头）
func (h *RequestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := readBodyJSON(r, &body); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	req, err := h.requests.Submit(r.Context(), actorFrom(r), service.SubmitRequest{
		Type:              body.Type,
		Payload:           body.Payload,
		TargetHouseholdID: body.TargetHouseholdID,
		TargetPersonID:    body.TargetPersonID,
		IdempotencyKey:    r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(req))
}

type approveBody struct {
	HouseholdID string `json:"householdId,omitempty"`
}

// Approve POST /api/v1/requests/{id}/approve
func (h *RequestHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var body approveBody
	if err := readBodyJSON(r, &body); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	req, err := h.requests.Approve(r.Context(), actorFrom(r), chi.URLParam(r, "id"), service.ApproveOptions{
		HouseholdID: body.HouseholdID,
	})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(req))
}

type rejectBody struct {
	Reason string `json:"reason"`
}

// Reject POST /api/v1/requests/{id}/reject
func (h *RequestHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var body rejectBody
	if err := readBodyJSON(r, &body); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	req, err := h.requests.Reject(r.Context(), actorFrom(r), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(req))
}

// Get GET /api/v1/requests/{id}
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.requests.Get(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(req))
}

// List GET /api/v1/requests?status=&type=&household_id=&page=&size=
func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp, err := h.requests.List(r.Context(), actorFrom(r), service.ListRequestsRequest{
		Filters: repository.RequestFilters{
			Status:            domain.RequestStatus(q.Get("status")),
			Type:              domain.RequestType(q.Get("type")).Normalize(),
			TargetHouseholdID: q.Get("household_id"),
		},
		Page:     parseInt(q.Get("page"), 1),
		PageSize: parseInt(q.Get("size"), 20),
	})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(Page[*domain.Request]{Items: resp.Items, Total: resp.Total}))
}
