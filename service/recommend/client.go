package recommend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"SHProject/tools/errs"
)

// Conf 推荐服务客户端配置。
type Conf struct {
	BaseURL    string
	Credential string
	Timeout    time.Duration
}

func (c *Conf) norm() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// Item 推荐条目（评分由远端模型产出，网关只透传）。
type Item struct {
	StreamID string  `json:"stream_id"`
	Platform string  `json:"platform"`
	Title    string  `json:"title"`
	Score    float64 `json:"score"`
}

// Client 推荐服务 HTTP 客户端，实现 gateway.Recommender。
type Client struct {
	conf Conf
	hc   *http.Client
}

func NewClient(conf Conf) *Client {
	conf.norm()
	return &Client{conf: conf, hc: &http.Client{Timeout: conf.Timeout}}
}

func (c *Client) Recommend(ctx context.Context, userID string, limit int) (any, error) {
	if limit <= 0 {
		limit = 10
	}
	u := c.conf.BaseURL + "/v1/recommendations?user_id=" + url.QueryEscape(userID) +
		"&limit=" + strconv.Itoa(limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if c.conf.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.conf.Credential)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errs.ErrUpstreamFailure.WithDetail(err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errs.ErrUpstreamFailure.WithDetail(
			"recommend status " + strconv.Itoa(resp.StatusCode) + ": " + string(body))
	}
	var out struct {
		Items []Item `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.ErrUpstreamFailure.WithDetail(err.Error())
	}
	return out.Items, nil
}
