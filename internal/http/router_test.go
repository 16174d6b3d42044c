package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"hokhau/internal/domain"
	"hokhau/internal/metrics"
	"hokhau/internal/repository"
	"hokhau/internal/service"
	"hokhau/internal/store"
)

type testServer struct {
	t      *testing.T
	router *Router
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	st := repository.NewMemoryStore()
	codes := service.NewCodeAllocator(repository.NewMemoryCodeSequence(1))
	guard := service.NewHouseholdGuard(st, nil, m, logger)

	r := NewRouter(logger)
	r.RegisterHealthRoutes(reg)
	r.RegisterHouseholdRoutes(NewHouseholdHandler(service.NewHouseholdService(st, guard, codes, nil, m, logger), guard, logger))
	r.RegisterRequestRoutes(NewRequestHandler(service.NewRequestService(st, guard, codes, store.NewMemoryKV(), time.Hour, nil, m, logger), logger))
	r.RegisterFeedbackRoutes(NewFeedbackHandler(service.NewFeedbackService(st, nil, m, logger), logger))
	return &testServer{t: t, router: r}
}

type caller struct {
	id, role string
}

var (
	adminCaller   = caller{"admin-1", "admin"}
	citizenCaller = caller{"citizen-1", "citizen"}
)

func (s *testServer) do(c caller, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.id != "" {
		req.Header.Set("X-User-Id", c.id)
		req.Header.Set("X-User-Role", c.role)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// decode 解析响应包，把 result 解到 out
func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) Result[T] {
	t.Helper()
	var res Result[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())
	return res
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func (s *testServer) createActiveHousehold() (*domain.Household, *domain.Person) {
	s.t.Helper()
	rec := s.do(adminCaller, http.MethodPost, "/admin/api/v1/households", map[string]any{
		"address": map[string]string{"addressLine": "5 Hàng Bạc"},
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	hh := decode[domain.Household](s.t, rec).Result

	rec = s.do(adminCaller, http.MethodPost, "/admin/api/v1/households/"+hh.HouseholdID+"/persons", map[string]any{
		"name": "Chủ hộ", "birthDate": "1970-01-01", "sex": "male", "relation": "head_of_household",
		"birthplace": "Hà Nội", "origin": "Hà Nội", "ethnicity": "Kinh", "religion": "Không",
		"nationality": "Việt Nam", "nationalId": "001070000001", "note": "giấy tờ bổ sung sau",
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return &hh, ptr(decode[domain.Person](s.t, rec).Result)
}

func ptr[T any](v T) *T { return &v }

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(caller{}, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))

	s.createActiveHousehold()
	rec = s.do(caller{}, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hokhau_households_created_total")
}

func TestCreateHouseholdAllocatesCode(t *testing.T) {
	s := newTestServer(t)
	hh, head := s.createActiveHousehold()
	assert.Equal(t, "HK001", hh.Code)
	assert.True(t, head.IsHead())

	rec := s.do(adminCaller, http.MethodGet, "/admin/api/v1/households/"+hh.HouseholdID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[domain.HouseholdDetail](t, rec).Result
	assert.Equal(t, domain.HouseholdActive, detail.Household.Status)
	assert.Equal(t, head.PersonID, detail.HeadPersonID)

	rec = s.do(adminCaller, http.MethodGet, "/admin/api/v1/households?status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[Page[domain.Household]](t, rec).Result.Total)

	rec = s.do(citizenCaller, http.MethodPost, "/admin/api/v1/households", map[string]any{
		"address": map[string]string{"addressLine": "x"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, ErrorForbidden, decodeError(t, rec).Error)
}

func TestSubmitValidationReturnsFields(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(citizenCaller, http.MethodPost, "/api/v1/requests", map[string]any{
		"type":    "ADD_PERSON",
		"payload": map[string]any{"name": "A"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	res := decodeError(t, rec)
	assert.Equal(t, ErrorValidation, res.Error)
	assert.NotEmpty(t, res.Fields)

	rec = s.do(citizenCaller, http.MethodPost, "/api/v1/requests", map[string]any{"type": "ADD_PERSON", "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApproveConflictCarriesCode(t *testing.T) {
	s := newTestServer(t)
	hh, _ := s.createActiveHousehold()

	rec := s.do(citizenCaller, http.MethodPost, "/api/v1/requests", map[string]any{
		"type":              "ADD_PERSON",
		"targetHouseholdId": hh.HouseholdID,
		"payload": map[string]any{
			"name": "Người thứ hai", "birthDate": "1980-01-01", "sex": "female", "relation": "head_of_household",
			"birthplace": "Huế", "origin": "Huế", "ethnicity": "Kinh", "religion": "Phật giáo",
			"nationality": "Việt Nam", "nationalId": "046080000002", "note": "chưa có việc làm",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	req := decode[domain.Request](t, rec).Result

	rec = s.do(adminCaller, http.MethodPost, "/api/v1/requests/"+req.RequestID+"/approve", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var conflict map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conflict))
	assert.Equal(t, "ConflictError", conflict["error"])
	assert.Equal(t, "HOUSEHOLD_HEAD_EXISTS", conflict["code"])

	rec = s.do(adminCaller, http.MethodPost, "/api/v1/requests/"+req.RequestID+"/reject", map[string]string{"reason": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(adminCaller, http.MethodPost, "/api/v1/requests/"+req.RequestID+"/reject", map[string]string{"reason": "đã có chủ hộ"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.RequestRejected, decode[domain.Request](t, rec).Result.Status)

	rec = s.do(adminCaller, http.MethodPost, "/api/v1/requests/"+req.RequestID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrorInvalidState, decodeError(t, rec).Error)

	rec = s.do(adminCaller, http.MethodPost, "/api/v1/requests/nope/approve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitIdempotencyKeyHeader(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{
		"type":           "TAM_VANG",
		"targetPersonId": "p-1",
		"payload":        map[string]any{"startDate": "2024-01-01", "reason": "công tác"},
	}
	first := s.do(citizenCaller, http.MethodPost, "/api/v1/requests", body, "Idempotency-Key", "abc")
	second := s.do(citizenCaller, http.MethodPost, "/api/v1/requests", body, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, decode[domain.Request](t, first).Result.RequestID, decode[domain.Request](t, second).Result.RequestID)

	rec := s.do(citizenCaller, http.MethodGet, "/api/v1/requests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[Page[domain.Request]](t, rec).Result.Total)
}

func TestChangeHeadEndpoint(t *testing.T) {
	s := newTestServer(t)
	hh, head := s.createActiveHousehold()

	rec := s.do(adminCaller, http.MethodPost, "/admin/api/v1/households/"+hh.HouseholdID+"/persons", map[string]any{
		"name": "Vợ", "birthDate": "1972-01-01", "sex": "female", "relation": "spouse",
		"birthplace": "Hà Nội", "origin": "Hà Nội", "ethnicity": "Kinh", "religion": "Không",
		"nationality": "Việt Nam", "nationalId": "001072000003", "note": "x",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	wife := decode[domain.Person](t, rec).Result

	rec = s.do(adminCaller, http.MethodPost, "/admin/api/v1/households/"+hh.HouseholdID+"/change-head", map[string]any{
		"newHeadPersonId": wife.PersonID, "oldHeadNewRelation": "spouse",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, wife.PersonID, decode[domain.HouseholdDetail](t, rec).Result.HeadPersonID)

	rec = s.do(adminCaller, http.MethodPost, "/admin/api/v1/households/"+hh.HouseholdID+"/activate", map[string]any{
		"headPersonId": head.PersonID,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.ConflictHouseholdHeadExists, decodeError(t, rec).Code)

	rec = s.do(adminCaller, http.MethodGet, "/admin/api/v1/persons/"+head.PersonID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.RelationSpouse, decode[domain.Person](t, rec).Result.Relation)
}

func TestFeedbackEndpoints(t *testing.T) {
	s := newTestServer(t)
	var ids []string
	for _, who := range []caller{citizenCaller, {"citizen-2", "citizen"}, {"citizen-3", "citizen"}} {
		rec := s.do(who, http.MethodPost, "/api/v1/feedback", map[string]string{
			"title": "Ngập nước", "body": "Phố Hàng Bông ngập sau mưa", "category": "drainage",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		ids = append(ids, decode[domain.Feedback](t, rec).Result.FeedbackID)
	}

	rec := s.do(adminCaller, http.MethodPost, "/admin/api/v1/feedback/merge", map[string]any{"ids": ids[:1]})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(adminCaller, http.MethodGet, "/admin/api/v1/feedback/"+ids[0]+"/duplicates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]service.DuplicateSuggestion](t, rec).Result, 2)

	rec = s.do(adminCaller, http.MethodPost, "/admin/api/v1/feedback/merge", map[string]any{"ids": ids})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	primary := decode[domain.Feedback](t, rec).Result
	assert.Equal(t, ids[0], primary.FeedbackID)
	assert.Equal(t, 3, primary.ReportCount)

	rec = s.do(adminCaller, http.MethodPost, "/admin/api/v1/feedback/"+ids[1]+"/respond", map[string]string{
		"respondingUnit": "Unit X", "content": "Fixed",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var disallowed map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &disallowed))
	assert.Equal(t, "response to secondary feedback disallowed", disallowed["error"])

	rec = s.do(adminCaller, http.MethodPost, "/admin/api/v1/feedback/"+ids[0]+"/respond", map[string]string{
		"respondingUnit": "Unit X", "content": "Fixed",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(caller{"citizen-2", "citizen"}, http.MethodGet, "/api/v1/feedback/mine", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decode[Page[domain.Feedback]](t, rec).Result
	require.Equal(t, 1, mine.Total)
	assert.Equal(t, domain.FeedbackResolved, mine.Items[0].Status)
	assert.Equal(t, "Fixed", mine.Items[0].Resolution)

	rec = s.do(adminCaller, http.MethodGet, "/admin/api/v1/feedback", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[Page[domain.Feedback]](t, rec).Result.Total)
}

func TestExportHouseholds(t *testing.T) {
	s := newTestServer(t)
	hh, head := s.createActiveHousehold()

	rec := s.do(citizenCaller, http.MethodGet, "/admin/api/v1/households/export", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(adminCaller, http.MethodGet, "/admin/api/v1/households/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{householdSheet, memberSheet}, f.GetSheetList())

	rows, err := f.GetRows(householdSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, HouseholdExportHeader, rows[0])
	assert.Equal(t, hh.Code, rows[1][0])
	assert.Equal(t, head.Name, rows[1][7])

	members, err := f.GetRows(memberSheet)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, string(domain.RelationHead), members[1][2])
}
