package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hokhau/internal/metrics"
)

const defaultPublishTimeout = 3 * time.Second

// Fanout 并发投递到全部目标。单个目标失败不影响其它目标
type Fanout struct {
	publishers []Publisher
	logger     *zap.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration
}

func NewFanout(logger *zap.Logger, m *metrics.Metrics, publishers ...Publisher) *Fanout {
	return &Fanout{publishers: publishers, logger: logger, metrics: m, timeout: defaultPublishTimeout}
}

func (f *Fanout) Name() string { return "fanout" }

// Publish returns the joined errors of every failed sink.
func (f *Fanout) Publish(ctx context.Context, e Event) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, p := range f.publishers {
		p := p
		g.Go(func() error {
			err := p.Publish(ctx, e)
			f.metrics.Published(p.Name(), err)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Emit 提交之后调用：脱离请求取消，失败只记日志，不回滚已提交的数据
func (f *Fanout) Emit(ctx context.Context, e Event) {
	if f == nil || len(f.publishers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	if err := f.Publish(ctx, e); err != nil {
		f.logger.Warn("failed to publish event",
			zap.String("event_type", e.Type),
			zap.String("event_id", e.ID),
			zap.String("subject", e.Subject),
			zap.Error(err),
		)
	}
}
