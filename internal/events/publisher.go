package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"github.com/smallbiznis/slotbook/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrPublisherClosed = errors.New("publisher_closed")

// Message is the broker-facing form of an outbox record.
type Message struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
	Close() error
}

// NewPublisher returns the kafka publisher when enabled and a logging publisher otherwise.
func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Publisher {
	var pub Publisher
	if cfg.Outbox.KafkaEnabled && len(cfg.Outbox.KafkaBrokers) > 0 {
		pub = NewKafkaPublisher(cfg.Outbox, log)
	} else {
		pub = NewLogPublisher(log)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return pub.Close()
		},
	})
	return pub
}

type KafkaPublisher struct {
	writer *kafka.Writer
	log    *zap.Logger
}

func NewKafkaPublisher(cfg config.OutboxConfig, log *zap.Logger) *KafkaPublisher {
	log = log.Named("events.kafka")
	topic := strings.TrimSpace(cfg.KafkaTopic)
	if topic == "" {
		topic = "slotbook.bookings"
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  compress.Snappy,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		Logger:       kafka.LoggerFunc(func(string, ...any) {}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			log.Sugar().Errorf(msg, args...)
		}),
	}

	return &KafkaPublisher{writer: writer, log: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, msg := range msgs {
		km := kafka.Message{
			Key:   []byte(msg.Key),
			Value: msg.Value,
			Time:  msg.Timestamp,
		}
		for k, v := range msg.Headers {
			km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
		out = append(out, km)
	}
	return p.writer.WriteMessages(ctx, out...)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to the log; used when no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log.Named("events.log")}
}

func (p *LogPublisher) Publish(_ context.Context, msgs ...Message) error {
	for _, msg := range msgs {
		p.log.Info("outbox event",
			zap.String("key", msg.Key),
			zap.String("event_type", msg.Headers["event_type"]),
			zap.ByteString("value", msg.Value),
		)
	}
	return nil
}

func (p *LogPublisher) Close() error { return nil }
