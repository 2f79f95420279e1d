package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 网关全部配置。外部只提供普通值：文件 + 少量环境变量覆盖，
// 所有区间/容量在 norm() 里钳到安全默认值，不存在隐藏的魔法常量。
type Config struct {
	Server     ServerConf      `yaml:"server"`
	Auth       AuthConf        `yaml:"auth"`
	RateLimit  RateLimitConf   `yaml:"rate_limit"`
	Heartbeat  HeartbeatConf   `yaml:"heartbeat"`
	Health     HealthConf      `yaml:"health"`
	Metrics    MetricsConf     `yaml:"metrics"`
	Router     RouterConf      `yaml:"router"`
	Connectors []ConnectorConf `yaml:"connectors"`
	Nats       NatsConf        `yaml:"nats"`
	Kafka      KafkaConf       `yaml:"kafka"`
	Redis      RedisConf       `yaml:"redis"`
}

type ServerConf struct {
	Addr            string        `yaml:"addr"`              // HTTP/WS 监听地址
	NodeID          int64         `yaml:"node_id"`           // 雪花节点号
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`  // drain 硬截止
	SendQueueSize   int           `yaml:"send_queue_size"`   // 每会话发送队列
	RecommenderURL  string        `yaml:"recommender_url"`   // 推荐服务（外部协作方）
	RecommenderTTL  time.Duration `yaml:"recommender_ttl"`   // 推荐请求超时
	AllowedOrigins  []string      `yaml:"allowed_origins"`   // ws 握手 Origin 白名单（空=放行）
}

type AuthConf struct {
	Secret string        `yaml:"secret"` // HMAC 密钥；SH_JWT_SECRET 覆盖
	Alg    string        `yaml:"alg"`
	TTL    time.Duration `yaml:"ttl"`
}

type RateLimitConf struct {
	Capacity  int           `yaml:"capacity"`   // 桶容量 C
	RefillPS  float64       `yaml:"refill_ps"`  // 每秒补充 R
	IdleEvict time.Duration `yaml:"idle_evict"` // 空闲桶回收
}

type HeartbeatConf struct {
	Interval time.Duration `yaml:"interval"` // 心跳推送周期
	Timeout  time.Duration `yaml:"timeout"`  // 驱逐阈值（默认 3×Interval）
}

type HealthConf struct {
	Interval         time.Duration `yaml:"interval"`          // 探活周期
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`     // 单次上游操作超时
	BackoffBase      time.Duration `yaml:"backoff_base"`      // 重连退避基数
	BackoffMax       time.Duration `yaml:"backoff_max"`       // 退避上限
	FailureThreshold int           `yaml:"failure_threshold"` // 连续失败→FailedPermanently
}

type MetricsConf struct {
	QueueSize      int           `yaml:"queue_size"`      // 指标事件队列
	ExportInterval time.Duration `yaml:"export_interval"` // 快照导出周期
	Subject        string        `yaml:"subject"`         // NATS 导出 subject
}

type RouterConf struct {
	DedupWindow   int           `yaml:"dedup_window"`   // 每平台去重窗口
	PendingTTL    time.Duration `yaml:"pending_ttl"`    // 离线缓冲 TTL
	PendingLimit  int           `yaml:"pending_limit"`  // 每用户离线缓冲上限
	EgressTopic   string        `yaml:"egress_topic"`   // Kafka 持久化 topic
	EgressSubject string        `yaml:"egress_subject"` // NATS 实时 subject 前缀
}

type ConnectorConf struct {
	Platform     string        `yaml:"platform"` // twitch / youtube / ...
	Kind         string        `yaml:"kind"`     // ws | poll
	Endpoint     string        `yaml:"endpoint"`
	Credential   string        `yaml:"credential"`
	PollInterval time.Duration `yaml:"poll_interval"` // poll 型连接器
}

type NatsConf struct {
	Servers []string      `yaml:"servers"`
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout"`
	Enabled bool          `yaml:"enabled"`
}

type KafkaConf struct {
	Brokers []string `yaml:"brokers"`
	Enabled bool     `yaml:"enabled"`
}

type RedisConf struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Enabled  bool   `yaml:"enabled"`
}

// Load 读取 YAML 配置并应用环境覆盖；path 为空时只用默认值。
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.Norm()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SH_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SH_JWT_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("SH_NATS_URL"); v != "" {
		c.Nats.Servers = []string{v}
	}
	if v := os.Getenv("SH_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = []string{v}
	}
	if v := os.Getenv("SH_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
}

// Norm 钳默认值。所有组件只消费 Norm 之后的配置。
func (c *Config) Norm() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.SendQueueSize <= 0 {
		c.Server.SendQueueSize = 256
	}
	if c.Server.RecommenderTTL <= 0 {
		c.Server.RecommenderTTL = 5 * time.Second
	}
	if c.Auth.Alg == "" {
		c.Auth.Alg = "HS256"
	}
	if c.Auth.TTL <= 0 {
		c.Auth.TTL = 2 * time.Hour
	}
	if c.RateLimit.Capacity <= 0 {
		c.RateLimit.Capacity = 100
	}
	if c.RateLimit.RefillPS <= 0 {
		c.RateLimit.RefillPS = 100
	}
	if c.RateLimit.IdleEvict <= 0 {
		c.RateLimit.IdleEvict = 10 * time.Minute
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 30 * time.Second
	}
	if c.Heartbeat.Timeout <= 0 {
		c.Heartbeat.Timeout = 3 * c.Heartbeat.Interval
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = 15 * time.Second
	}
	if c.Health.ProbeTimeout <= 0 {
		c.Health.ProbeTimeout = 10 * time.Second
	}
	if c.Health.BackoffBase <= 0 {
		c.Health.BackoffBase = time.Second
	}
	if c.Health.BackoffMax <= 0 {
		c.Health.BackoffMax = 60 * time.Second
	}
	if c.Health.FailureThreshold <= 0 {
		c.Health.FailureThreshold = 5
	}
	if c.Metrics.QueueSize <= 0 {
		c.Metrics.QueueSize = 4096
	}
	if c.Metrics.ExportInterval <= 0 {
		c.Metrics.ExportInterval = 5 * time.Second
	}
	if c.Metrics.Subject == "" {
		c.Metrics.Subject = "streamhub.metrics"
	}
	if c.Router.DedupWindow <= 0 {
		c.Router.DedupWindow = 1024
	}
	if c.Router.PendingTTL <= 0 {
		c.Router.PendingTTL = 30 * time.Second
	}
	if c.Router.PendingLimit <= 0 {
		c.Router.PendingLimit = 50
	}
	if c.Router.EgressTopic == "" {
		c.Router.EgressTopic = "streamhub.events"
	}
	if c.Router.EgressSubject == "" {
		c.Router.EgressSubject = "streamhub.events"
	}
	if c.Nats.Timeout <= 0 {
		c.Nats.Timeout = 3 * time.Second
	}
	if c.Nats.Name == "" {
		c.Nats.Name = "streamhub-gateway"
	}
	for i := range c.Connectors {
		if c.Connectors[i].PollInterval <= 0 {
			c.Connectors[i].PollInterval = 5 * time.Second
		}
		if c.Connectors[i].Kind == "" {
			c.Connectors[i].Kind = "ws"
		}
	}
}
