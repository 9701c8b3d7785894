package events

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/medbook/medbook/libs/kafkax"
	"github.com/medbook/medbook/services/schedule-service/internal/generation"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes generation events keyed by doctor id so one doctor's
// events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(kafkax.SplitBrokers(brokers)...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}}
}

var _ generation.Publisher = (*KafkaPublisher)(nil)

func (p *KafkaPublisher) PublishSlotsGenerated(ctx context.Context, ev generation.SlotsGenerated) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafkax.NewEventMessage(generation.EventSlotsGenerated, strconv.FormatInt(ev.DoctorID, 10), payload)
	msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
