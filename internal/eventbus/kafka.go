// README: Kafka sink for platform events.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"okada/internal/observability"
)

// KafkaBus mirrors every event onto the platform topic for downstream
// consumers (analytics, push delivery). Delivery is best-effort.
type KafkaBus struct {
	writer *kafka.Writer
	log    *zap.Logger
}

func NewKafkaBus(writer *kafka.Writer, log *zap.Logger) *KafkaBus {
	return &KafkaBus{writer: writer, log: log}
}

func (k *KafkaBus) Publish(ctx context.Context, ev Event) {
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	env := Envelope{Topic: ev.Topic, Payload: ev.Payload, SentAt: time.Now().UTC()}
	b, err := json.Marshal(env)
	if err != nil {
		k.log.Warn("kafka publish marshal failed", zap.String("topic", ev.Topic), zap.Error(err))
		return
	}
	msg := kafka.Message{Key: []byte(ev.UserID), Value: b}
	if err := k.writer.WriteMessages(wctx, msg); err != nil {
		observability.EventPublishFailures.WithLabelValues("kafka").Inc()
		k.log.Warn("kafka publish failed", zap.String("topic", ev.Topic), zap.Error(err))
	}
}

func (k *KafkaBus) Close() error {
	return k.writer.Close()
}
