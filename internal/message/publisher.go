package message

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/charging-platform/station-simulator/internal/domain/events"
	"github.com/charging-platform/station-simulator/internal/logger"
)

// Publisher 站点生命周期事件的发布端
type Publisher interface {
	// Publish 发布一条事件，失败只记日志不阻塞站点
	Publish(event events.Event) error
	// Close 释放资源
	Close() error
}

// NoopPublisher 关闭事件发布时的空实现
type NoopPublisher struct{}

// Publish 实现Publisher接口
func (NoopPublisher) Publish(events.Event) error { return nil }

// Close 实现Publisher接口
func (NoopPublisher) Close() error { return nil }

// KafkaConfig Kafka发布端配置
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher 把事件写入Kafka
// 按站点ID作为消息键，同一站点的事件落在同一分区保序。
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *logger.Logger
}

// NewKafkaPublisher 创建Kafka发布端
func NewKafkaPublisher(config *KafkaConfig, log *logger.Logger) (*KafkaPublisher, error) {
	if log == nil {
		log = logger.Default()
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.Retry.Backoff = 100 * time.Millisecond
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &KafkaPublisher{
		producer: producer,
		topic:    config.Topic,
		log:      log,
	}, nil
}

// Publish 实现Publisher接口
func (p *KafkaPublisher) Publish(event events.Event) error {
	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event %s: %w", event.GetID(), err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.GetStationID()),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.GetID(), err)
	}

	p.log.Debugf("Published event %s (%s) to partition %d offset %d",
		event.GetID(), event.GetType(), partition, offset)
	return nil
}

// Close 实现Publisher接口
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
