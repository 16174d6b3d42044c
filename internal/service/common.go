package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"hokhau/internal/domain"
	"hokhau/internal/events"
	"hokhau/internal/repository"
)

const tracerName = "hokhau/internal/service"

// Emitter 提交后投递领域事件（events.Fanout 实现）
type Emitter interface {
	Emit(ctx context.Context, e events.Event)
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, events.Event) {}

func emitterOrNop(e Emitter) Emitter {
	if e == nil {
		return nopEmitter{}
	}
	return e
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	// 每次取全局 provider，启动后安装的 TracerProvider 也能生效
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// storeErr 把仓储哨兵错误翻译为领域错误；领域错误原样返回
func storeErr(err error, resource, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return &domain.NotFoundError{Resource: resource, ID: id}
	case errors.Is(err, repository.ErrHeadExists):
		return domain.NewConflictError(domain.ConflictHouseholdHeadExists, "household already has a head")
	case errors.Is(err, repository.ErrDuplicateCode):
		return domain.NewConflictError(domain.ConflictHouseholdCodeTaken, "household code already allocated")
	}
	return err
}

func utcNow() time.Time { return time.Now().UTC() }
