package model

import "time"

// ConnectionState 协议连接状态
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// Protocol 协议类型
type Protocol string

const (
	ProtocolMQTT  Protocol = "mqtt"
	ProtocolOPCUA Protocol = "opcua"
)

// ClientStatus 单个协议客户端状态快照
type ClientStatus struct {
	Name      string          `json:"name"`
	Protocol  Protocol        `json:"protocol"`
	State     ConnectionState `json:"state"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
}

// ConnectionStatus 多协议组合连接状态
type ConnectionStatus struct {
	Clients   []ClientStatus `json:"clients"`
	Connected bool           `json:"connected"`
	Degraded  bool           `json:"degraded"`
	UpdatedAt time.Time      `json:"updatedAt"`
}
