package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"SHProject/service/gateway"
)

// Conf Kafka 生产端配置。
type Conf struct {
	Brokers     []string
	Topic       string // 事件归档主题
	Retries     int
	Compression string // none/snappy/lz4/zstd
}

func (c *Conf) norm() {
	if c.Topic == "" {
		c.Topic = "streamhub.events"
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
}

func buildConfig(c Conf) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.Retries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // Key 控制分区，同用户同分区保序
	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

// Producer 业务事件的持久化出口：同步发送等 ISR 确认。
type Producer struct {
	conf Conf
	sp   sarama.SyncProducer
}

func NewProducer(conf Conf) (*Producer, error) {
	conf.norm()
	if len(conf.Brokers) == 0 {
		return nil, errors.New("kafka brokers missing")
	}
	sp, err := sarama.NewSyncProducer(conf.Brokers, buildConfig(conf))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Producer{conf: conf, sp: sp}, nil
}

func (p *Producer) Name() string { return "kafka" }

// PublishEvent 实现 gateway.EventSink：事件 JSON 入归档主题。
// 分区键优先用目标用户，广播类事件退回平台维度。
func (p *Producer) PublishEvent(_ context.Context, ev *gateway.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.WithStack(err)
	}
	key := ev.TargetUserID
	if key == "" {
		key = ev.Platform
	}
	msg := &sarama.ProducerMessage{
		Topic: p.conf.Topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(ev.Kind.String())},
			{Key: []byte("seq"), Value: []byte(strconv.FormatUint(ev.Seq, 10))},
		},
	}
	if _, _, err := p.sp.SendMessage(msg); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (p *Producer) Close() error { return p.sp.Close() }
