package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"hokhau/internal/config"
	"hokhau/internal/domain"
	"hokhau/internal/events"
	"hokhau/internal/metrics"
	"hokhau/internal/repository"
)

func conflictCode(t *testing.T, err error) string {
	t.Helper()
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce), "expected ConflictError, got %v", err)
	return ce.Code
}

func TestFormatHouseholdCode(t *testing.T) {
	assert.Equal(t, "HK001", FormatHouseholdCode(1))
	assert.Equal(t, "HK042", FormatHouseholdCode(42))
	assert.Equal(t, "HK1234", FormatHouseholdCode(1234))
}

func TestCodeAllocator_ConcurrentUnique(t *testing.T) {
	h := newHarness(t)
	const n = 30
	codes := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hh, err := h.households.CreateHousehold(context.Background(), admin, CreateHouseholdRequest{
				Address: domain.Address{AddressLine: "1 Tràng Thi"},
			})
			if assert.NoError(t, err) {
				codes <- hh.Code
			}
		}()
	}
	wg.Wait()
	close(codes)

	seen := map[string]bool{}
	for c := range codes {
		assert.False(t, seen[c], "duplicate code %s", c)
		seen[c] = true
	}
	assert.Len(t, seen, n)
}

func TestCreateHousehold_DuplicateCodeIsConflict(t *testing.T) {
	h := newHarness(t)
	first := h.createHousehold(t)
	require.Equal(t, "HK001", first.Code)

	// 计数器被重置后再次发出 HK001
	reset := NewHouseholdService(h.store, h.guard, NewCodeAllocator(repository.NewMemoryCodeSequence(1)),
		h.emitter, metrics.New(prometheus.NewRegistry()), zap.NewNop())
	_, err := reset.CreateHousehold(context.Background(), admin, CreateHouseholdRequest{
		Address: domain.Address{AddressLine: "3 Hàng Gai"},
	})
	assert.Equal(t, domain.ConflictHouseholdCodeTaken, conflictCode(t, err))
}

func TestSelectCodeSequence(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	tests := []struct {
		name    string
		kind    string
		db      *sql.DB
		redis   *redis.Client
		backend string
		want    any
	}{
		{"postgres", config.AllocatorPostgres, db, rdb, config.AllocatorPostgres, &repository.PostgresCodeSequence{}},
		{"postgres down falls back to redis", config.AllocatorPostgres, nil, rdb, config.AllocatorRedis, &repository.RedisCodeSequence{}},
		{"redis", config.AllocatorRedis, db, rdb, config.AllocatorRedis, &repository.RedisCodeSequence{}},
		{"redis down falls back to postgres", config.AllocatorRedis, db, nil, config.AllocatorPostgres, &repository.PostgresCodeSequence{}},
		{"nothing shared", config.AllocatorRedis, nil, nil, config.AllocatorMemory, &repository.MemoryCodeSequence{}},
		{"memory requested", config.AllocatorMemory, db, rdb, config.AllocatorMemory, &repository.MemoryCodeSequence{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, backend := SelectCodeSequence(tt.kind, tt.db, tt.redis, 1)
			assert.Equal(t, tt.backend, backend)
			assert.IsType(t, tt.want, seq)
		})
	}
}

func TestCreateHousehold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hh := h.createHousehold(t)
	assert.Equal(t, "HK001", hh.Code)
	assert.Equal(t, domain.HouseholdInactive, hh.Status)
	assert.Contains(t, h.emitter.types(), events.HouseholdCreated)

	_, err := h.households.CreateHousehold(ctx, citizen, CreateHouseholdRequest{Address: domain.Address{AddressLine: "x"}})
	assert.True(t, domain.IsForbidden(err))

	_, err = h.households.CreateHousehold(ctx, admin, CreateHouseholdRequest{Address: domain.Address{AddressLine: "  "}})
	assert.True(t, domain.IsValidation(err))

	_, err = h.households.CreateHousehold(ctx, admin, CreateHouseholdRequest{
		Address: domain.Address{AddressLine: "x"}, IssuedAt: "17/05/2020",
	})
	assert.True(t, domain.IsValidation(err))
}

func TestCreatePerson_HeadActivatesInactiveHousehold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hh := h.createHousehold(t)

	head := h.addPerson(t, hh.HouseholdID, "Chủ hộ", domain.RelationHead)
	assert.True(t, head.IsHead())

	detail, err := h.households.GetHousehold(ctx, hh.HouseholdID)
	require.NoError(t, err)
	assert.Equal(t, domain.HouseholdActive, detail.Household.Status)
	assert.Equal(t, head.PersonID, detail.HeadPersonID)

	// 第二个户主
	_, err = h.households.CreatePerson(ctx, admin, CreatePersonRequest{
		HouseholdID: hh.HouseholdID,
		Person:      particulars("Người khác", domain.RelationHead),
	})
	assert.Equal(t, domain.ConflictHouseholdHeadExists, conflictCode(t, err))
	assert.Equal(t, []string{head.PersonID}, h.heads(t, hh.HouseholdID))
}

func TestCreatePerson_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hh := h.createHousehold(t)

	p := particulars("Thiếu CCCD", domain.RelationChild)
	p.NationalID = ""
	p.Occupation = ""
	_, err := h.households.CreatePerson(ctx, admin, CreatePersonRequest{HouseholdID: hh.HouseholdID, Person: p})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	fields := map[string]bool{}
	for _, f := range ve.Fields {
		fields[f.Field] = true
	}
	assert.True(t, fields["nationalId"])
	assert.True(t, fields["occupation"])

	// note 只能豁免职业等可选项，CCCD 始终必填
	p.Note = "đang tìm việc"
	_, err = h.households.CreatePerson(ctx, admin, CreatePersonRequest{HouseholdID: hh.HouseholdID, Person: p})
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Fields, 1)
	assert.Equal(t, "nationalId", ve.Fields[0].Field)

	p.NationalID = "001099054321"
	_, err = h.households.CreatePerson(ctx, admin, CreatePersonRequest{HouseholdID: hh.HouseholdID, Person: p})
	assert.NoError(t, err)

	_, err = h.households.CreatePerson(ctx, admin, CreatePersonRequest{
		HouseholdID: "missing", Person: particulars("X", domain.RelationChild),
	})
	assert.True(t, domain.IsNotFound(err))
}

func TestGuard_Activate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hh := h.createHousehold(t)
	a := h.addPerson(t, hh.HouseholdID, "A", domain.RelationSpouse)
	b := h.addPerson(t, hh.HouseholdID, "B", domain.RelationChild)

	_, err := h.guard.Activate(ctx, citizen, hh.HouseholdID, a.PersonID)
	assert.True(t, domain.IsForbidden(err))

	detail, err := h.guard.Activate(ctx, officer, hh.HouseholdID, a.PersonID)
	require.NoError(t, err)
	assert.Equal(t, domain.HouseholdActive, detail.Household.Status)
	assert.Equal(t, a.PersonID, detail.HeadPersonID)

	_, err = h.guard.Activate(ctx, officer, hh.HouseholdID, b.PersonID)
	assert.Equal(t, domain.ConflictHouseholdHeadExists, conflictCode(t, err))
	assert.Equal(t, []string{a.PersonID}, h.heads(t, hh.HouseholdID))
}

func TestGuard_ActivateRejectsOutsidersAndTerminalPersons(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hh := h.createHousehold(t)
	elsewhere := h.createHousehold(t)
	stranger := h.addPerson(t, elsewhere.HouseholdID, "S", domain.RelationChild)

	_, err := h.guard.Activate(ctx, admin, hh.HouseholdID, stranger.PersonID)
	assert.True(t, domain.IsValidation(err))

	_, err = h.guard.Activate(ctx, admin, hh.HouseholdID, "")
	assert.True(t, domain.IsValidation(err))

	dead := h.addPerson(t, hh.HouseholdID, "D", domain.RelationParent)
	require.NoError(t, h.store.RunInTx(ctx, func(tx repository.Tx) error {
		p, err := tx.GetPerson(ctx, dead.PersonID)
		if err != nil {
			return err
		}
		p.ResidencyStatus = domain.ResidencyDeceased
		return tx.UpdatePerson(ctx, p)
	}))
	_, err = h.guard.Activate(ctx, admin, hh.HouseholdID, dead.PersonID)
	assert.Equal(t, domain.ConflictPersonStatusTerminal, conflictCode(t, err))

	got, err := h.store.GetHousehold(ctx, hh.HouseholdID)
	require.NoError(t, err)
	assert.Equal(t, domain.HouseholdInactive, got.Status)
}

func TestGuard_ChangeHead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hh, head, members := h.activeHousehold(t, "Con")
	child := members[0]

	detail, err := h.guard.ChangeHead(ctx, admin, hh.HouseholdID, child.PersonID, "")
	require.NoError(t, err)
	assert.Equal(t, child.PersonID, detail.HeadPersonID)
	assert.Equal(t, []string{child.PersonID}, h.heads(t, hh.HouseholdID))

	old, err := h.store.GetPerson(ctx, head.PersonID)
	require.NoError(t, err)
	assert.Equal(t, domain.RelationSpouse, old.Relation)
	assert.Contains(t, h.emitter.types(), events.HouseholdHeadChanged)

	// 显式指定旧户主的新关系
	_, err = h.guard.ChangeHead(ctx, admin, hh.HouseholdID, head.PersonID, domain.RelationParent)
	require.NoError(t, err)
	demoted, err := h.store.GetPerson(ctx, child.PersonID)
	require.NoError(t, err)
	assert.Equal(t, domain.RelationParent, demoted.Relation)
}

func TestGuard_ChangeHeadErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hh, head, members := h.activeHousehold(t, "Con")

	_, err := h.guard.ChangeHead(ctx, admin, hh.HouseholdID, head.PersonID, "")
	assert.True(t, domain.IsValidation(err), "already head")

	_, err = h.guard.ChangeHead(ctx, admin, hh.HouseholdID, members[0].PersonID, domain.RelationHead)
	assert.True(t, domain.IsValidation(err))

	_, err = h.guard.ChangeHead(ctx, admin, hh.HouseholdID, members[0].PersonID, "cousin")
	assert.True(t, domain.IsValidation(err))

	inactive := h.createHousehold(t)
	p := h.addPerson(t, inactive.HouseholdID, "P", domain.RelationChild)
	_, err = h.guard.ChangeHead(ctx, admin, inactive.HouseholdID, p.PersonID, "")
	assert.Equal(t, domain.ConflictHouseholdInactive, conflictCode(t, err))

	_, err = h.guard.ChangeHead(ctx, admin, "missing", p.PersonID, "")
	assert.True(t, domain.IsNotFound(err))

	assert.Equal(t, []string{head.PersonID}, h.heads(t, hh.HouseholdID))
}

func TestExportHouseholds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.activeHousehold(t, "Con 1", "Con 2")
	h.createHousehold(t)

	_, err := h.households.ExportHouseholds(ctx, citizen, repository.HouseholdFilters{})
	assert.True(t, domain.IsForbidden(err))

	all, err := h.households.ExportHouseholds(ctx, admin, repository.HouseholdFilters{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	active, err := h.households.ExportHouseholds(ctx, admin, repository.HouseholdFilters{Status: domain.HouseholdActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Len(t, active[0].Members, 3)
	assert.NotEmpty(t, active[0].HeadPersonID)
}

func TestServiceSpansReachInstalledProvider(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	h := newHarness(t)
	h.createHousehold(t)
	_, err := h.households.CreateHousehold(context.Background(), citizen, CreateHouseholdRequest{
		Address: domain.Address{AddressLine: "9 Hàng Bạc"},
	})
	require.Error(t, err)

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "household.create", ended[0].Name())
	assert.Equal(t, otelcodes.Unset, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), attribute.String("household.code", "HK001"))
	assert.Equal(t, otelcodes.Error, ended[1].Status().Code)
}
