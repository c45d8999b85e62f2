// Package kafkabridge wires github.com/Shopify/sarama into the
// exchange core the way the teacher's service/kafka package wires it:
// a hash-partitioned sync producer for outbound traffic and a
// consumer-group handler for inbound traffic, minus the teacher's
// package-global client (this bridge is a value type so more than one
// exchange node can run in a process during tests).
package kafkabridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Shopify/sarama"

	"github.com/ppmesh/exchange-core/core"
	"github.com/ppmesh/exchange-core/corelog"
)

// Config mirrors service/kafka/config.go's AppConfig, trimmed to what
// this bridge actually needs.
type Config struct {
	Brokers             []string
	GroupTopic          string
	MessageTopic        string
	ChangeTopic         string
	ConsumerGroupID     string
	ProducerRetries     int
	ProducerCompression string // none/snappy/lz4/zstd
	KafkaVersion        sarama.KafkaVersion
}

func (c Config) buildSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	if c.KafkaVersion == (sarama.KafkaVersion{}) {
		cfg.Version = sarama.V2_1_0_0
	} else {
		cfg.Version = c.KafkaVersion
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	retries := c.ProducerRetries
	if retries <= 0 {
		retries = 1
	}
	cfg.Producer.Retry.Max = retries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	switch strings.ToLower(c.ProducerCompression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

// Bridge is a core.Notifier backed by Kafka: NotifyChanges publishes
// outbound events, and Run feeds inbound group/message topics into an
// Engine's NotifyNewGroups/NotifyNewMessages.
type Bridge struct {
	cfg      Config
	log      *corelog.Logger
	client   sarama.Client
	producer sarama.SyncProducer
}

func New(cfg Config, log *corelog.Logger) (*Bridge, error) {
	if log == nil {
		log = corelog.Nop()
	}
	client, err := sarama.NewClient(cfg.Brokers, cfg.buildSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("kafkabridge: new client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("kafkabridge: new producer: %w", err)
	}
	return &Bridge{cfg: cfg, log: log, client: client, producer: producer}, nil
}

func (b *Bridge) Close() error {
	_ = b.producer.Close()
	return b.client.Close()
}

// NotifyNewGroups/NotifyNewMessages satisfy core.Notifier's outbound
// half by re-publishing raw wire bytes so other nodes' bridges can
// pick them up as inbound traffic; the engine that originated the
// change already has the data in memory, so this exists for fanout to
// peers.
func (b *Bridge) NotifyNewGroups(ctx context.Context, groups []core.Group) error {
	for _, g := range groups {
		if _, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
			Topic: b.cfg.GroupTopic,
			Key:   sarama.ByteEncoder(g.Meta.ID[:]),
			Value: sarama.ByteEncoder(g.Payload),
		}); err != nil {
			return fmt.Errorf("kafkabridge: publish group: %w", err)
		}
	}
	return nil
}

func (b *Bridge) NotifyNewMessages(ctx context.Context, msgs []core.Message) error {
	for _, m := range msgs {
		if _, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
			Topic: b.cfg.MessageTopic,
			Key:   sarama.ByteEncoder(m.Meta.GroupID[:]),
			Value: sarama.ByteEncoder(m.Payload),
		}); err != nil {
			return fmt.Errorf("kafkabridge: publish message: %w", err)
		}
	}
	return nil
}

func (b *Bridge) NotifyChanges(ctx context.Context, event core.ChangeEvent) error {
	buf, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafkabridge: marshal change event: %w", err)
	}
	_, _, err = b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: b.cfg.ChangeTopic,
		Value: sarama.ByteEncoder(buf),
	})
	if err != nil {
		return fmt.Errorf("kafkabridge: publish change event: %w", err)
	}
	return nil
}

// inboundHandler implements sarama.ConsumerGroupHandler, following the
// teacher's ConsumerGroupHandler shape in service/kafka/consumer.go
// but routing by topic straight into the engine instead of a package
// global handler registry.
type inboundHandler struct {
	engine *core.Engine
	cfg    Config
	log    *corelog.Logger
}

func (h *inboundHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *inboundHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *inboundHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		switch msg.Topic {
		case h.cfg.GroupTopic:
			h.engine.NotifyNewGroups([][]byte{msg.Value}, string(msg.Key))
		case h.cfg.MessageTopic:
			h.engine.NotifyNewMessages([][]byte{msg.Value})
		default:
			h.log.Warnf("kafkabridge: unexpected topic %s", msg.Topic)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// Run consumes GroupTopic/MessageTopic into the engine until ctx is
// cancelled, restarting the consumer group on transient errors the
// way service/kafka/consumer.go's StartConsumerGroup loop does.
func (b *Bridge) Run(ctx context.Context, engine *core.Engine) error {
	group, err := sarama.NewConsumerGroupFromClient(b.cfg.ConsumerGroupID, b.client)
	if err != nil {
		return fmt.Errorf("kafkabridge: new consumer group: %w", err)
	}
	defer group.Close()

	topics := []string{b.cfg.GroupTopic, b.cfg.MessageTopic}
	handler := &inboundHandler{engine: engine, cfg: b.cfg, log: b.log}

	go func() {
		for err := range group.Errors() {
			b.log.Errorf("kafkabridge: consumer group error: %v", err)
		}
	}()

	for {
		if err := group.Consume(ctx, topics, handler); err != nil {
			b.log.Errorf("kafkabridge: consume error: %v", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
