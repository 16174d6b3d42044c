package events

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookPublisher POST 事件到通知网关（例如向居民推送审批结果）
type WebhookPublisher struct {
	client *resty.Client
	url    string
}

func NewWebhookPublisher(url string) *WebhookPublisher {
	client := resty.New().
		SetTimeout(5*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &WebhookPublisher{client: client, url: url}
}

func (p *WebhookPublisher) Name() string { return "webhook" }

func (p *WebhookPublisher) Publish(ctx context.Context, e Event) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("X-Event-Type", e.Type).
		SetHeader("X-Event-Id", e.ID).
		SetBody(e).
		Post(p.url)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned %d", resp.StatusCode())
	}
	return nil
}
