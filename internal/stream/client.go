package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xilian/equipment-stream/internal/config"
	"github.com/xilian/equipment-stream/internal/dashboard"
	"github.com/xilian/equipment-stream/internal/model"
	"github.com/xilian/equipment-stream/internal/protocol"
	"go.uber.org/zap"
)

// ErrRejected 服务端拒绝订阅，重试无意义
var ErrRejected = errors.New("subscription rejected")

// Client SSE 订阅端，将事件归约到本地 Store，断线后按退避重连
type Client struct {
	URL     string
	Token   string
	HTTP    *http.Client
	Backoff protocol.Backoff
	Logger  *zap.Logger
}

// NewClient 创建订阅端
func NewClient(url, token string, rc config.ReconnectConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		URL:     url,
		Token:   token,
		HTTP:    &http.Client{},
		Backoff: protocol.NewBackoff(rc),
		Logger:  logger.Named("subscriber"),
	}
}

// Run 持续订阅直到 ctx 取消或服务端返回 401/403
//
// 每个事件先写入 store，再回调 onEvent。
func (c *Client) Run(ctx context.Context, store *dashboard.Store, onEvent func(model.StreamEvent)) error {
	attempt := 0
	for {
		received, err := c.follow(ctx, store, onEvent)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		if received > 0 {
			attempt = 0
		}

		wait := c.Backoff.Next(attempt)
		attempt++
		c.Logger.Warn("Stream disconnected, retrying",
			zap.Error(err),
			zap.Duration("backoff", wait),
			zap.Int("attempt", attempt),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// follow 建立一次连接并消费到断开，返回收到的事件数
func (c *Client) follow(ctx context.Context, store *dashboard.Store, onEvent func(model.StreamEvent)) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, fmt.Errorf("%w: %s", ErrRejected, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}
	c.Logger.Info("Stream connected", zap.String("url", c.URL))

	reader := NewReader(resp.Body)
	received := 0
	for {
		ev, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return received, err
		}
		received++
		if err := store.Apply(ev); err != nil {
			c.Logger.Warn("Failed to apply event", zap.String("type", string(ev.Type)), zap.Error(err))
			continue
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
}
