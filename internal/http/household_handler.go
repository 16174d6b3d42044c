package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"hokhau/internal/domain"
	"hokhau/internal/repository"
	"hokhau/internal/service"
)

// HouseholdHandler 户口管理 Handler
type HouseholdHandler struct {
	households service.HouseholdService
	guard      service.HouseholdGuard
	logger     *zap.Logger
}

func NewHouseholdHandler(households service.HouseholdService, guard service.HouseholdGuard, logger *zap.Logger) *HouseholdHandler {
	return &HouseholdHandler{households: households, guard: guard, logger: logger}
}

type createHouseholdBody struct {
	Address  domain.Address `json:"address"`
	IssuedAt string         `json:"issuedAt,omitempty"`
	Note     string         `json:"note,omitempty"`
}

// CreateHousehold POST /admin/api/v1/households
func (h *HouseholdHandler) CreateHousehold(w http.ResponseWriter, r *http.Request) {
	var body createHouseholdBody
	if err := readBodyJSON(r, &body); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	hh, err := h.households.CreateHousehold(r.Context(), actorFrom(r), service.CreateHouseholdRequest{
		Address:  body.Address,
		IssuedAt: body.IssuedAt,
		Note:     body.Note,
	})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(hh))
}

// CreatePerson POST /admin/api/v1/households/{id}/persons
func (h *HouseholdHandler) CreatePerson(w http.ResponseWriter, r *http.Request) {
	var body service.PersonParticulars
	if err := readBodyJSON(r, &body); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	p, err := h.households.CreatePerson(r.Context(), actorFrom(r), service.CreatePersonRequest{
		HouseholdID: chi.URLParam(r, "id"),
		Person:      body,
	})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(p))
}

// GetHousehold GET /admin/api/v1/households/{id}
func (h *HouseholdHandler) GetHousehold(w http.ResponseWriter, r *http.Request) {
	if err := actorFrom(r).RequireIdentified("view household"); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	detail, err := h.households.GetHousehold(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(detail))
}

// ListHouseholds GET /admin/api/v1/households?status=&search=&page=&size=
func (h *HouseholdHandler) ListHouseholds(w http.ResponseWriter, r *http.Request) {
	if err := actorFrom(r).RequireReviewer("list households"); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	q := r.URL.Query()
	resp, err := h.households.ListHouseholds(r.Context(), service.ListHouseholdsRequest{
		Filters:  householdFilters(r),
		Page:     parseInt(q.Get("page"), 1),
		PageSize: parseInt(q.Get("size"), 20),
	})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(Page[*domain.Household]{Items: resp.Items, Total: resp.Total}))
}

// GetPerson GET /admin/api/v1/persons/{id}
func (h *HouseholdHandler) GetPerson(w http.ResponseWriter, r *http.Request) {
	if err := actorFrom(r).RequireIdentified("view person"); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	p, err := h.households.GetPerson(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(p))
}

type activateBody struct {
	HeadPersonID string `json:"headPersonId"`
}

// Activate POST /admin/api/v1/households/{id}/activate
func (h *HouseholdHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var body activateBody
	if err := readBodyJSON(r, &body); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	detail, err := h.guard.Activate(r.Context(), actorFrom(r), chi.URLParam(r, "id"), body.HeadPersonID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(detail))
}

type changeHeadBody struct {
	NewHeadPersonID    string          `json:"newHeadPersonId"`
	OldHeadNewRelation domain.Relation `json:"oldHeadNewRelation,omitempty"`
}

// ChangeHead POST /admin/api/v1/households/{id}/change-head
func (h *HouseholdHandler) ChangeHead(w http.ResponseWriter, r *http.Request) {
	var body changeHeadBody
	if err := readBodyJSON(r, &body); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	detail, err := h.guard.ChangeHead(r.Context(), actorFrom(r), chi.URLParam(r, "id"), body.NewHeadPersonID, body.OldHeadNewRelation)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(detail))
}

// ExportHouseholds GET /admin/api/v1/households/export
func (h *HouseholdHandler) ExportHouseholds(w http.ResponseWriter, r *http.Request) {
	details, err := h.households.ExportHouseholds(r.Context(), actorFrom(r), householdFilters(r))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	data, err := GenerateHouseholdExport(details)
	if err != nil {
		h.logger.Error("GenerateHouseholdExport failed", zap.Error(err))
		writeError(w, h.logger, r, err)
		return
	}

	filename := "households-" + time.Now().Format("20060102") + ".xlsx"
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func householdFilters(r *http.Request) repository.HouseholdFilters {
	q := r.URL.Query()
	return repository.HouseholdFilters{
		Status: domain.HouseholdStatus(q.Get("status")),
		Search: q.Get("search"),
	}
}
