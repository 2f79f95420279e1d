package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"SHProject/logger"
	"SHProject/service/gateway"
	"SHProject/tools/errs"
	"SHProject/tools/safe"
)

// YouTubeConf youtube 型（HTTP 轮询上游）连接器配置。
type YouTubeConf struct {
	Platform         string
	Endpoint         string // 轮询地址，GET 返回事件数组
	Credential       string
	PollInterval     time.Duration
	FailureThreshold int
	RequestTimeout   time.Duration
}

func (c *YouTubeConf) norm() {
	if c.Platform == "" {
		c.Platform = "youtube"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// YouTubeConnector 轮询型上游：Connect 起一个 poll 循环，
// 每轮把新事件翻译成内部事件。HTTP client 即上游句柄，连接器独占。
type YouTubeConnector struct {
	base
	conf   YouTubeConf
	client *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc // poll 循环的停止开关
}

func NewYouTube(conf YouTubeConf) *YouTubeConnector {
	conf.norm()
	return &YouTubeConnector{
		base:   newBase(conf.Platform, conf.FailureThreshold),
		conf:   conf,
		client: &http.Client{Timeout: conf.RequestTimeout},
	}
}

func (y *YouTubeConnector) Connect(ctx context.Context) error {
	if err := y.st.beginConnect(); err != nil {
		return err
	}
	// 握手 = 首次探测
	if err := y.probe(ctx); err != nil {
		permanent := y.st.connectFailed()
		if permanent {
			return errs.ErrPermanentFailure.WrapMsg("connect", "platform", y.conf.Platform, "err", err)
		}
		return errs.ErrUpstreamFailure.WrapMsg("connect", "platform", y.conf.Platform, "err", err)
	}
	y.st.connectOK(time.Now())

	loopCtx, cancel := context.WithCancel(context.Background())
	y.mu.Lock()
	if y.cancel != nil {
		y.cancel()
	}
	y.cancel = cancel
	y.mu.Unlock()

	safe.GoCtx(loopCtx, "connector.poll."+y.conf.Platform, y.pollLoop)
	logger.Infof("[connector] %s connected endpoint=%s", y.conf.Platform, y.conf.Endpoint)
	return nil
}

func (y *YouTubeConnector) Disconnect(ctx context.Context) error {
	y.mu.Lock()
	if y.cancel != nil {
		y.cancel()
		y.cancel = nil
	}
	y.mu.Unlock()
	y.st.upstreamClosed()
	return nil
}

func (y *YouTubeConnector) HealthCheck(ctx context.Context) error {
	if err := y.probe(ctx); err != nil {
		y.st.probeFailed()
		return errs.ErrUpstreamFailure.WrapMsg("probe", "platform", y.conf.Platform, "err", err)
	}
	y.st.probeOK(time.Now())
	return nil
}

// Emit 出站意图 POST 到上游。
func (y *YouTubeConnector) Emit(ctx context.Context, ev *gateway.Event) error {
	body, err := json.Marshal(upstreamMsg{Event: ev.Kind.String(), UserID: ev.TargetUserID, Data: ev.Payload})
	if err != nil {
		return errs.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, y.conf.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	y.auth(req)
	resp, err := y.client.Do(req)
	if err != nil {
		return errs.ErrUpstreamFailure.WrapMsg("emit", "platform", y.conf.Platform, "err", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errs.ErrUpstreamFailure.WithDetail(fmt.Sprintf("emit status %d", resp.StatusCode))
	}
	return nil
}

func (y *YouTubeConnector) pollLoop(ctx context.Context) {
	t := time.NewTicker(y.conf.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if y.st.current() != gateway.StatusConnected && y.st.current() != gateway.StatusDegraded {
				return
			}
			reqCtx, cancel := context.WithTimeout(ctx, y.conf.RequestTimeout)
			msgs, err := y.fetch(reqCtx)
			cancel()
			if err != nil {
				logger.Infof("[connector] %s poll err=%v", y.conf.Platform, err)
				continue // 偶发失败交给探活去降级
			}
			y.st.probeOK(time.Now())
			for _, m := range msgs {
				m := m
				y.push(translate(&m))
			}
		}
	}
}

func (y *YouTubeConnector) fetch(ctx context.Context) ([]upstreamMsg, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.conf.Endpoint, nil)
	if err != nil {
		return nil, err
	}
	y.auth(req)
	resp, err := y.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll status %d", resp.StatusCode)
	}
	var out []upstreamMsg
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// probe 轻量探测：一次带鉴权的 GET。
func (y *YouTubeConnector) probe(ctx context.Context) error {
	_, err := y.fetch(ctx)
	return err
}

func (y *YouTubeConnector) auth(req *http.Request) {
	if y.conf.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+y.conf.Credential)
	}
}
