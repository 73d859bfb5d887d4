package out

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

var ErrFlushTimeout = errors.New("kafka ack not received before flush timeout")

// Publisher is what the feed subscriber writes through.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

type Options struct {
	Brokers      []string
	Topic        string
	ClientID     string
	Version      sarama.KafkaVersion
	FlushTimeout time.Duration
}

// ProducerConfig is the sarama config every tickpipe producer uses.
func ProducerConfig(o Options) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = o.ClientID
	cfg.Version = o.Version

	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 10
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond

	// SyncProducer must have Return.Successes=true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return cfg
}

type KafkaSink struct {
	topic        string
	p            sarama.SyncProducer
	flushTimeout time.Duration
	lg           *zap.Logger
}

func NewKafkaSink(o Options, lg *zap.Logger) (*KafkaSink, error) {
	if o.Topic == "" {
		return nil, errors.New("topic empty")
	}
	if len(o.Brokers) == 0 {
		return nil, errors.New("no brokers")
	}
	p, err := sarama.NewSyncProducer(o.Brokers, ProducerConfig(o))
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(p, o.Topic, o.FlushTimeout, lg), nil
}

// NewKafkaSinkWithProducer wraps an existing producer, e.g. a sarama mock.
func NewKafkaSinkWithProducer(p sarama.SyncProducer, topic string, flushTimeout time.Duration, lg *zap.Logger) *KafkaSink {
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Second
	}
	return &KafkaSink{topic: topic, p: p, flushTimeout: flushTimeout, lg: lg.Named("kafka")}
}

func (s *KafkaSink) Close() error {
	if s.p != nil {
		return s.p.Close()
	}
	return nil
}

type sendResult struct {
	partition int32
	offset    int64
	err       error
}

// Publish sends value keyed by key and waits for the broker ack, at most
// flushTimeout. An empty key leaves placement to the partitioner.
func (s *KafkaSink) Publish(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	// sarama SyncProducer doesn't accept context; bound the wait here instead.
	done := make(chan sendResult, 1)
	go func() {
		p, off, err := s.p.SendMessage(msg)
		done <- sendResult{partition: p, offset: off, err: err}
	}()

	timer := time.NewTimer(s.flushTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			s.lg.Error("delivery failed", zap.String("key", key), zap.Error(r.err))
			return fmt.Errorf("kafka publish: %w", r.err)
		}
		s.lg.Debug("delivered",
			zap.String("topic", s.topic),
			zap.String("key", key),
			zap.Int32("partition", r.partition),
			zap.Int64("offset", r.offset),
		)
		return nil
	case <-timer.C:
		s.lg.Error("delivery unconfirmed", zap.String("key", key), zap.Duration("flush_timeout", s.flushTimeout))
		return ErrFlushTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
