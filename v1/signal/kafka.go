package signal

import (
	"context"
	"time"

	sarama "github.com/IBM/sarama"
)

const defaultKafkaTopic = "lock.release.signal"

// KafkaChannel appends signals to partition 0 of a topic. The topic
// retention policy bounds the log.
//
// A sarama.Consumer allows a single partition consumer per partition, so
// every cursor owns a consumer built on the shared client.
type KafkaChannel struct {
	client   sarama.Client
	producer sarama.SyncProducer
	topic    string
}

// KafkaOption configures a KafkaChannel.
type KafkaOption func(*KafkaChannel)

// WithTopic sets the topic signals are written to.
func WithTopic(topic string) KafkaOption {
	return func(c *KafkaChannel) {
		c.topic = topic
	}
}

// NewKafka creates a new KafkaChannel connecting to the given brokers.
func NewKafka(brokers []string, cfg *sarama.Config, opts ...KafkaOption) (*KafkaChannel, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	c := &KafkaChannel{
		client:   client,
		producer: producer,
		topic:    defaultKafkaTopic,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Append implements Channel.Append.
func (c *KafkaChannel) Append(ctx context.Context, s Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic:     c.topic,
		Partition: 0,
		Key:       sarama.StringEncoder(s.AttemptID),
		Value:     sarama.StringEncoder(s.AttemptID),
	}
	_, _, err := c.producer.SendMessage(msg)
	return err
}

// Tail implements Channel.Tail. The starting offset is resolved before
// Tail returns.
func (c *KafkaChannel) Tail(ctx context.Context, attemptID string) (Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(c.client)
	if err != nil {
		return nil, err
	}
	pc, err := consumer.ConsumePartition(c.topic, 0, sarama.OffsetNewest)
	if err != nil {
		_ = consumer.Close()
		return nil, err
	}
	return &kafkaCursor{consumer: consumer, pc: pc, attemptID: attemptID}, nil
}

// Close releases resources used by the KafkaChannel.
func (c *KafkaChannel) Close() error {
	_ = c.producer.Close()
	return c.client.Close()
}

type kafkaCursor struct {
	consumer  sarama.Consumer
	pc        sarama.PartitionConsumer
	attemptID string
	closed    bool
}

func (cur *kafkaCursor) Next(ctx context.Context, maxWait time.Duration) (Signal, bool, error) {
	if cur.closed {
		return Signal{}, false, ErrCursorClosed
	}
	if maxWait <= 0 {
		for {
			select {
			case msg, ok := <-cur.pc.Messages():
				if !ok {
					return Signal{}, false, ErrCursorClosed
				}
				if string(msg.Value) == cur.attemptID {
					return Signal{AttemptID: cur.attemptID}, true, nil
				}
			default:
				return Signal{}, false, nil
			}
		}
	}
	t := time.NewTimer(maxWait)
	defer t.Stop()
	for {
		select {
		case msg, ok := <-cur.pc.Messages():
			if !ok {
				return Signal{}, false, ErrCursorClosed
			}
			if string(msg.Value) == cur.attemptID {
				return Signal{AttemptID: cur.attemptID}, true, nil
			}
		case <-t.C:
			return Signal{}, false, nil
		case <-ctx.Done():
			return Signal{}, false, ctx.Err()
		}
	}
}

func (cur *kafkaCursor) Close() error {
	if cur.closed {
		return nil
	}
	cur.closed = true
	err := cur.pc.Close()
	if cerr := cur.consumer.Close(); err == nil {
		err = cerr
	}
	return err
}
