package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	commonmqtt "hokhau/common/mqtt"
)

// MQTTPublisher 发布到 <prefix>/<type>，type 中的 '.' 换成 '/'
type MQTTPublisher struct {
	client commonmqtt.Publisher
	prefix string
	qos    byte
}

func NewMQTTPublisher(client commonmqtt.Publisher, prefix string, qos byte) *MQTTPublisher {
	return &MQTTPublisher{client: client, prefix: strings.TrimSuffix(prefix, "/"), qos: qos}
}

func (p *MQTTPublisher) Name() string { return "mqtt" }

func (p *MQTTPublisher) Topic(eventType string) string {
	return p.prefix + "/" + strings.ReplaceAll(eventType, ".", "/")
}

func (p *MQTTPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.client.Publish(p.Topic(e.Type), p.qos, false, b)
}
