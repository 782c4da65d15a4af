package events

// EventType 事件类型
type EventType string

const (
	// EventTypeStationStarted 站点启动完成
	EventTypeStationStarted EventType = "station.started"
	// EventTypeStationStopped 站点停止
	EventTypeStationStopped EventType = "station.stopped"
	// EventTypeStationUpdated 站点信息或配置更新
	EventTypeStationUpdated EventType = "station.updated"
	// EventTypeStationRegistered 注册请求已被CS应答（含Pending/Rejected）
	EventTypeStationRegistered EventType = "station.registered"
	// EventTypeStationAccepted CS接受注册
	EventTypeStationAccepted EventType = "station.accepted"
	// EventTypeStationReconnecting 通道异常断开，进入重连
	EventTypeStationReconnecting EventType = "station.reconnecting"
	// EventTypeConnectorStatusChanged 连接器状态变更
	EventTypeConnectorStatusChanged EventType = "connector.status_changed"
	// EventTypeTransactionStarted 交易开始
	EventTypeTransactionStarted EventType = "transaction.started"
	// EventTypeTransactionStopped 交易停止
	EventTypeTransactionStopped EventType = "transaction.stopped"
)

// EventSeverity 事件严重程度
type EventSeverity string

const (
	EventSeverityInfo    EventSeverity = "info"
	EventSeverityWarning EventSeverity = "warning"
	EventSeverityError   EventSeverity = "error"
)

// Metadata 事件元数据
type Metadata map[string]string
