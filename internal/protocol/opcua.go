package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"github.com/xilian/equipment-stream/internal/config"
	"github.com/xilian/equipment-stream/internal/metrics"
	"github.com/xilian/equipment-stream/internal/model"
	"go.uber.org/zap"
)

// ErrBadStatus 节点返回非 Good 状态码
var ErrBadStatus = errors.New("bad status code")

// uaSession gopcua 客户端中用到的部分
type uaSession interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error)
}

// BrowseResult 浏览得到的子节点
type BrowseResult struct {
	NodeID      string `json:"nodeId"`
	BrowseName  string `json:"browseName"`
	DisplayName string `json:"displayName"`
	NodeClass   string `json:"nodeClass"`
}

// OPCUAClient OPC-UA 客户端
//
// 按 PollInterval 轮询已登记节点，读失败视为连接丢失。
type OPCUAClient struct {
	*session
	cfg         config.OPCUAConfig
	dialSession func(endpoint string, opts ...opcua.Option) (uaSession, error)

	sessMu     sync.Mutex
	sess       uaSession
	pollCancel context.CancelFunc
	nodes      []*ua.NodeID
}

// NewOPCUAClient 创建 OPC-UA 客户端
func NewOPCUAClient(name string, cfg config.OPCUAConfig, logger *zap.Logger, m *metrics.Metrics) *OPCUAClient {
	c := &OPCUAClient{
		cfg: cfg,
		dialSession: func(endpoint string, opts ...opcua.Option) (uaSession, error) {
			return opcua.NewClient(endpoint, opts...)
		},
	}
	c.session = newSession(name, model.ProtocolOPCUA, cfg.Reconnect, cfg.ConnectTimeout, logger, m)
	c.session.transport = c
	return c
}

// Watch 登记需要轮询的节点，可在连接前调用
func (c *OPCUAClient) Watch(nodeIDs ...string) error {
	parsed := make([]*ua.NodeID, 0, len(nodeIDs))
	for _, raw := range nodeIDs {
		nodeID, err := ua.ParseNodeID(raw)
		if err != nil {
			return fmt.Errorf("parse node id %q: %w", raw, err)
		}
		parsed = append(parsed, nodeID)
	}

	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	c.nodes = append(c.nodes, parsed...)
	return nil
}

// Read 读取单个节点的值
func (c *OPCUAClient) Read(ctx context.Context, nodeID string) (*ua.DataValue, error) {
	sess, err := c.current()
	if err != nil {
		return nil, err
	}
	parsed, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, fmt.Errorf("parse node id %q: %w", nodeID, err)
	}

	resp, err := sess.Read(ctx, readRequest([]*ua.NodeID{parsed}))
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("read %s: empty response", nodeID)
	}
	result := resp.Results[0]
	if result.Status != ua.StatusOK {
		return nil, fmt.Errorf("read %s: %w: %v", nodeID, ErrBadStatus, result.Status)
	}
	return result, nil
}

// Browse 列出节点的层级子节点
func (c *OPCUAClient) Browse(ctx context.Context, nodeID string) ([]BrowseResult, error) {
	sess, err := c.current()
	if err != nil {
		return nil, err
	}
	parsed, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, fmt.Errorf("parse node id %q: %w", nodeID, err)
	}

	req := &ua.BrowseRequest{
		NodesToBrowse: []*ua.BrowseDescription{{
			NodeID:          parsed,
			BrowseDirection: ua.BrowseDirectionForward,
			ReferenceTypeID: ua.NewNumericNodeID(0, id.HierarchicalReferences),
			IncludeSubtypes: true,
			NodeClassMask:   0,
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}},
	}
	resp, err := sess.Browse(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	if status := resp.Results[0].StatusCode; status != ua.StatusOK {
		return nil, fmt.Errorf("browse %s: %w: %v", nodeID, ErrBadStatus, status)
	}

	var results []BrowseResult
	for _, ref := range resp.Results[0].References {
		result := BrowseResult{NodeClass: fmt.Sprint(ref.NodeClass)}
		if ref.NodeID != nil && ref.NodeID.NodeID != nil {
			result.NodeID = ref.NodeID.NodeID.String()
		}
		if ref.BrowseName != nil {
			result.BrowseName = ref.BrowseName.Name
		}
		if ref.DisplayName != nil {
			result.DisplayName = ref.DisplayName.Text
		}
		results = append(results, result)
	}
	return results, nil
}

// dial 建立会话并启动轮询
func (c *OPCUAClient) dial(ctx context.Context) error {
	sess, err := c.dialSession(c.cfg.Endpoint, c.options()...)
	if err != nil {
		return err
	}
	if err := sess.Connect(ctx); err != nil {
		return err
	}

	pollCtx, cancel := context.WithCancel(context.Background())

	c.sessMu.Lock()
	stale, staleCancel := c.sess, c.pollCancel
	c.sess = sess
	c.pollCancel = cancel
	c.sessMu.Unlock()

	// 重连时旧会话已失效
	if staleCancel != nil {
		staleCancel()
	}
	if stale != nil {
		_ = stale.Close(context.Background())
	}

	go c.poll(pollCtx, sess)
	return nil
}

// hangup 停止轮询并关闭会话
func (c *OPCUAClient) hangup(ctx context.Context) error {
	c.sessMu.Lock()
	sess := c.sess
	cancel := c.pollCancel
	c.sess = nil
	c.pollCancel = nil
	c.sessMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess == nil {
		return nil
	}
	return sess.Close(ctx)
}

func (c *OPCUAClient) options() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityPolicy(c.cfg.SecurityPolicy),
		opcua.SecurityModeString(c.cfg.SecurityMode),
		opcua.ApplicationName(c.cfg.SessionName),
		opcua.AutoReconnect(false),
	}
	if c.cfg.RequestTimeout > 0 {
		opts = append(opts, opcua.RequestTimeout(c.cfg.RequestTimeout))
	}
	if c.cfg.ConnectTimeout > 0 {
		opts = append(opts, opcua.DialTimeout(c.cfg.ConnectTimeout))
	}
	if c.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(c.cfg.Username, c.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

// poll 周期读取登记节点
func (c *OPCUAClient) poll(ctx context.Context, sess uaSession) {
	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.sessMu.Lock()
		nodes := append([]*ua.NodeID(nil), c.nodes...)
		c.sessMu.Unlock()
		if len(nodes) == 0 {
			continue
		}

		resp, err := sess.Read(ctx, readRequest(nodes))
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.dropped(err)
			return
		}

		now := time.Now().UTC()
		for i, result := range resp.Results {
			if i >= len(nodes) {
				break
			}
			if result == nil || result.Status != ua.StatusOK || result.Value == nil {
				c.metrics.MalformedPayload(model.ProtocolOPCUA)
				c.logger.Debug("Dropping bad node value", zap.String("node", nodes[i].String()))
				continue
			}
			ts := result.SourceTimestamp
			if ts.IsZero() {
				ts = now
			}
			c.emit(Data{
				Protocol:  model.ProtocolOPCUA,
				Source:    nodes[i].String(),
				Value:     result.Value.Value(),
				Timestamp: ts.UTC(),
			})
		}
	}
}

func (c *OPCUAClient) current() (uaSession, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if c.sess == nil {
		return nil, ErrNotConnected
	}
	return c.sess, nil
}

func readRequest(nodes []*ua.NodeID) *ua.ReadRequest {
	ids := make([]*ua.ReadValueID, 0, len(nodes))
	for _, nodeID := range nodes {
		ids = append(ids, &ua.ReadValueID{NodeID: nodeID, AttributeID: ua.AttributeIDValue})
	}
	return &ua.ReadRequest{
		NodesToRead:        ids,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	}
}
