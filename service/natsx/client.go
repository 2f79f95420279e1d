package natsx

import (
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"SHProject/logger"
)

// Conf NATS 客户端配置。
type Conf struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

func (c *Conf) norm() {
	if c.Name == "" {
		c.Name = "streamhub"
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
}

// Client Core 模式 NATS 客户端：实时通道只要最新值，不做 JetStream 持久化。
type Client struct {
	conf Conf

	mu sync.RWMutex
	nc *nats.Conn
}

func NewClient(conf Conf) (*Client, error) {
	conf.norm()
	if len(conf.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	opts := []nats.Option{
		nats.Name(conf.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(conf.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(conf.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnf("[natsx] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("[natsx] reconnected to %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(strings.Join(conf.Servers, ","), opts...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Client{conf: conf, nc: nc}, nil
}

// Publish 发布到 subject，带可选 header。
func (c *Client) Publish(subject string, data []byte, hdr map[string]string) error {
	c.mu.RLock()
	nc := c.nc
	c.mu.RUnlock()
	if nc == nil {
		return errors.New("nats client closed")
	}
	if len(hdr) == 0 {
		return errors.WithStack(nc.Publish(subject, data))
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Set(k, v)
	}
	return errors.WithStack(nc.PublishMsg(msg))
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil {
		c.nc.Drain()
		c.nc = nil
	}
}
