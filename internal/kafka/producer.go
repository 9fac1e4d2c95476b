// Package kafka 提供 Kafka 生产者功能
//
// ========================================
// Kafka 生产者对接说明
// ========================================
//
// ## 生产者 (Producer) - 本服务发送的 Topic
//
// 1. Topic: ticket-mint-submitted
//   - 消息内容: MintSubmittedMessage (铸造交易已被节点接受)
//   - 处理逻辑: MintService 记录 SUBMITTED 标记后发送
//   - 用途: 前端/通知服务展示 "铸造中"
//
// 2. Topic: ticket-mint-finalized
//   - 消息内容: MintFinalizedMessage (链上铸造事件已投影)
//   - 处理逻辑: 对账事务提交后发送, 包含 tx_hash, block_number, minted_token_ref
//   - 用途: 票务服务开放售卖
//
// 发送为尽力而为: 失败只记录日志与指标, 不影响数据库状态
//
// ========================================
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-mint/internal/metrics"
	"github.com/eidos-exchange/eidos-mint/internal/model"
	"github.com/eidos-exchange/eidos-mint/pkg/logger"
)

// Kafka 生产者发送的 Topic
const (
	// TopicMintSubmitted 铸造交易已提交
	// Partition Key: ticket_id
	// 消息格式: model.MintSubmittedMessage
	TopicMintSubmitted = "ticket-mint-submitted"

	// TopicMintFinalized 铸造已确认
	// Partition Key: ticket_id
	// 消息格式: model.MintFinalizedMessage
	TopicMintFinalized = "ticket-mint-finalized"
)

var ErrProducerClosed = errors.New("producer is closed")

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
	SASL         *SASLConfig // 为空时不认证
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	if cfg.SASL != nil {
		if err := applySASL(config, cfg.SASL); err != nil {
			return nil, err
		}
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}
	return NewProducerWithClient(producer), nil
}

// NewProducerWithClient 使用已有的 SyncProducer
func NewProducerWithClient(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(topic, key string, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		metrics.RecordKafkaMessage(topic, "failed")
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}
	metrics.RecordKafkaMessage(topic, "success")

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// SendMintSubmitted 发送铸造提交消息
func (p *Producer) SendMintSubmitted(ctx context.Context, msg *model.MintSubmittedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.send(TopicMintSubmitted, msg.TicketID, data)
}

// SendMintFinalized 发送铸造确认消息
func (p *Producer) SendMintFinalized(ctx context.Context, msg *model.MintFinalizedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.send(TopicMintFinalized, msg.TicketID, data)
}

// EventPublisher 事件发布器接口
type EventPublisher interface {
	PublishMintSubmitted(ctx context.Context, msg *model.MintSubmittedMessage) error
	PublishMintFinalized(ctx context.Context, msg *model.MintFinalizedMessage) error
}

// KafkaEventPublisher Kafka 事件发布器
type KafkaEventPublisher struct {
	producer *Producer
}

// NewKafkaEventPublisher 创建 Kafka 事件发布器
func NewKafkaEventPublisher(producer *Producer) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer}
}

func (p *KafkaEventPublisher) PublishMintSubmitted(ctx context.Context, msg *model.MintSubmittedMessage) error {
	return p.producer.SendMintSubmitted(ctx, msg)
}

func (p *KafkaEventPublisher) PublishMintFinalized(ctx context.Context, msg *model.MintFinalizedMessage) error {
	return p.producer.SendMintFinalized(ctx, msg)
}

// NoopEventPublisher Kafka 未启用时使用
type NoopEventPublisher struct{}

func (NoopEventPublisher) PublishMintSubmitted(ctx context.Context, msg *model.MintSubmittedMessage) error {
	return nil
}

func (NoopEventPublisher) PublishMintFinalized(ctx context.Context, msg *model.MintFinalizedMessage) error {
	return nil
}
