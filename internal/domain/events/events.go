package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event 统一生命周期事件接口
type Event interface {
	// GetID 获取事件ID
	GetID() string
	// GetType 获取事件类型
	GetType() EventType
	// GetStationID 获取站点ID
	GetStationID() string
	// GetTimestamp 获取事件时间戳
	GetTimestamp() time.Time
	// GetSeverity 获取事件严重程度
	GetSeverity() EventSeverity
	// GetPayload 获取事件载荷
	GetPayload() interface{}
	// ToJSON 序列化为JSON
	ToJSON() ([]byte, error)
}

// BaseEvent 基础事件结构
type BaseEvent struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	StationID string        `json:"station_id"`
	Timestamp time.Time     `json:"timestamp"`
	Severity  EventSeverity `json:"severity"`
	Metadata  Metadata      `json:"metadata,omitempty"`
}

// GetID 实现Event接口
func (e *BaseEvent) GetID() string {
	return e.ID
}

// GetType 实现Event接口
func (e *BaseEvent) GetType() EventType {
	return e.Type
}

// GetStationID 实现Event接口
func (e *BaseEvent) GetStationID() string {
	return e.StationID
}

// GetTimestamp 实现Event接口
func (e *BaseEvent) GetTimestamp() time.Time {
	return e.Timestamp
}

// GetSeverity 实现Event接口
func (e *BaseEvent) GetSeverity() EventSeverity {
	return e.Severity
}

// NewBaseEvent 创建基础事件
func NewBaseEvent(eventType EventType, stationID string, severity EventSeverity, metadata Metadata) *BaseEvent {
	return &BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		StationID: stationID,
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Metadata:  metadata,
	}
}

// StationLifecycleEvent 站点生命周期事件（started/stopped/updated/registered/accepted/reconnecting）
type StationLifecycleEvent struct {
	*BaseEvent
	Detail string `json:"detail,omitempty"`
}

// GetPayload 实现Event接口
func (e *StationLifecycleEvent) GetPayload() interface{} {
	return map[string]interface{}{
		"detail": e.Detail,
	}
}

// ToJSON 实现Event接口
func (e *StationLifecycleEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ConnectorStatusChangedEvent 连接器状态变更事件
type ConnectorStatusChangedEvent struct {
	*BaseEvent
	ConnectorID    int    `json:"connector_id"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status,omitempty"`
}

// GetPayload 实现Event接口
func (e *ConnectorStatusChangedEvent) GetPayload() interface{} {
	return map[string]interface{}{
		"connector_id":    e.ConnectorID,
		"status":          e.Status,
		"previous_status": e.PreviousStatus,
	}
}

// ToJSON 实现Event接口
func (e *ConnectorStatusChangedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// TransactionEvent 交易开始/停止事件
type TransactionEvent struct {
	*BaseEvent
	ConnectorID   int    `json:"connector_id"`
	TransactionID int    `json:"transaction_id"`
	IdTag         string `json:"id_tag,omitempty"`
	MeterValue    int    `json:"meter_value"`
	Reason        string `json:"reason,omitempty"`
}

// GetPayload 实现Event接口
func (e *TransactionEvent) GetPayload() interface{} {
	return map[string]interface{}{
		"connector_id":   e.ConnectorID,
		"transaction_id": e.TransactionID,
		"id_tag":         e.IdTag,
		"meter_value":    e.MeterValue,
		"reason":         e.Reason,
	}
}

// ToJSON 实现Event接口
func (e *TransactionEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewStationLifecycleEvent 创建生命周期事件
func NewStationLifecycleEvent(eventType EventType, stationID string, detail string) *StationLifecycleEvent {
	severity := EventSeverityInfo
	if eventType == EventTypeStationReconnecting {
		severity = EventSeverityWarning
	}
	return &StationLifecycleEvent{
		BaseEvent: NewBaseEvent(eventType, stationID, severity, nil),
		Detail:    detail,
	}
}

// NewConnectorStatusChangedEvent 创建连接器状态变更事件
func NewConnectorStatusChangedEvent(stationID string, connectorID int, status, previousStatus string) *ConnectorStatusChangedEvent {
	return &ConnectorStatusChangedEvent{
		BaseEvent:      NewBaseEvent(EventTypeConnectorStatusChanged, stationID, EventSeverityInfo, nil),
		ConnectorID:    connectorID,
		Status:         status,
		PreviousStatus: previousStatus,
	}
}

// NewTransactionEvent 创建交易事件
func NewTransactionEvent(eventType EventType, stationID string, connectorID, transactionID int, idTag string, meterValue int, reason string) *TransactionEvent {
	return &TransactionEvent{
		BaseEvent:     NewBaseEvent(eventType, stationID, EventSeverityInfo, nil),
		ConnectorID:   connectorID,
		TransactionID: transactionID,
		IdTag:         idTag,
		MeterValue:    meterValue,
		Reason:        reason,
	}
}
