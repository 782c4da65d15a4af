package station

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/charging-platform/station-simulator/internal/cache"
	"github.com/charging-platform/station-simulator/internal/domain/events"
	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/station-simulator/internal/logger"
	"github.com/charging-platform/station-simulator/internal/message"
	"github.com/charging-platform/station-simulator/internal/metrics"
	"github.com/charging-platform/station-simulator/internal/ocpp"
	"github.com/charging-platform/station-simulator/internal/ocpp/v16"
	"github.com/charging-platform/station-simulator/internal/smartcharging"
	"github.com/charging-platform/station-simulator/internal/statistics"
	"github.com/charging-platform/station-simulator/internal/template"
	wstransport "github.com/charging-platform/station-simulator/internal/transport/websocket"
)

// State 站点生命周期状态
type State string

const (
	StateStopped     State = "Stopped"
	StateStarting    State = "Starting"
	StateConnecting  State = "Connecting"
	StateRegistering State = "Registering"
	StatePending     State = "Pending"
	StateRejected    State = "Rejected"
	StateOperating   State = "Operating"
	StateStopping    State = "Stopping"
)

// 注册重试与重连的退避参数
const (
	defaultRetryInterval  = 5 * time.Second
	reconnectBaseDelay    = time.Second
	reconnectMaxDelay     = time.Minute
	defaultHeartbeat      = 60 * time.Second
	defaultMeterInterval  = 60 * time.Second
	authCacheTTL          = 15 * time.Minute
	firmwareDownloadDelay = 5 * time.Second
)

// Station 一个被模拟的充电站
type Station struct {
	plan  *template.StationPlan
	info  *template.StationInfo
	store *ConfigurationStore

	connectors   map[int]*Connector
	connectorIDs []int

	reservations *ReservationManager
	profiles     *smartcharging.Store
	engine       *ocpp.Engine
	stats        *statistics.Statistics
	publisher    message.Publisher
	authCache    *cache.LRUCache
	atg          *TransactionGenerator
	log          *logger.Logger

	clientMutex sync.Mutex
	client      *wstransport.Client

	stateMutex sync.RWMutex
	state      State

	// supervisionURL 本站点绑定的中心系统地址
	supervisionURL string

	// heartbeatReset 心跳周期变更时触发重排
	heartbeatReset chan time.Duration

	// pendingAvailability 交易结束后待应用的可用性变更
	pendingMutex        sync.Mutex
	pendingAvailability map[int]ocpp16.AvailabilityType

	engineConfig *ocpp.Config

	// parentCtx Start的外层上下文，重置后重启时复用
	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	reconnectAttempts int
}

// Options 站点可选依赖
type Options struct {
	// SupervisionURL 覆盖模板提供的地址
	SupervisionURL string
	// Publisher 生命周期事件发布端，nil时不发布
	Publisher message.Publisher
	// Statistics 性能统计收集器，nil时不采集
	Statistics *statistics.Statistics
	// EngineConfig 消息引擎配置，nil时用默认
	EngineConfig *ocpp.Config
}

// New 从调和后的启动物料创建站点
func New(plan *template.StationPlan, opts *Options, log *logger.Logger) (*Station, error) {
	if opts == nil {
		opts = &Options{}
	}
	if log == nil {
		log = logger.Default()
	}
	info := plan.Info

	url := opts.SupervisionURL
	if url == "" && len(info.SupervisionURLs) > 0 {
		url = info.SupervisionURLs[info.TemplateIndex%len(info.SupervisionURLs)]
	}
	if url == "" {
		return nil, fmt.Errorf("station %s has no supervision URL", info.StationID)
	}

	publisher := opts.Publisher
	if publisher == nil {
		publisher = message.NoopPublisher{}
	}

	s := &Station{
		plan:                plan,
		info:                info,
		store:               NewConfigurationStore(plan.ConfigurationKeys),
		connectors:          make(map[int]*Connector, len(plan.Connectors)),
		profiles:            smartcharging.NewStore(),
		stats:               opts.Statistics,
		publisher:           publisher,
		log:                 log.WithStation(info.StationID),
		state:               StateStopped,
		supervisionURL:      url,
		heartbeatReset:      make(chan time.Duration, 1),
		pendingAvailability: make(map[int]ocpp16.AvailabilityType),
		engineConfig:        opts.EngineConfig,
	}

	for _, cp := range plan.Connectors {
		s.connectors[cp.ConnectorID] = NewConnector(cp.ConnectorID, cp.EvseID, cp.BootStatus)
		s.connectorIDs = append(s.connectorIDs, cp.ConnectorID)
	}
	sort.Ints(s.connectorIDs)

	s.authCache = cache.NewLRUCache(&cache.CacheConfig{MaxSize: 128, DefaultTTL: authCacheTTL})
	s.reservations = NewReservationManager(s.onReservationRemoved, s.log)
	s.engine = ocpp.NewEngine(info.StationID, s, v16.NewHandler(s, s.log), opts.Statistics, opts.EngineConfig, log)
	if plan.ATG != nil && plan.ATG.Enable {
		s.atg = NewTransactionGenerator(s, plan.ATG, s.log)
	}

	// 监管地址按OCPP配置键暴露时写入配置存储
	if info.SupervisionUrlOcppConfiguration && info.SupervisionUrlOcppKey != "" {
		s.store.SetInternal(info.SupervisionUrlOcppKey, url, false)
	}
	if info.AmperageLimitationOcppKey != nil {
		if _, ok := s.store.Get(*info.AmperageLimitationOcppKey); !ok {
			s.store.SetInternal(*info.AmperageLimitationOcppKey, fmt.Sprintf("%d", info.MaximumAmperage), false)
		}
	}
	s.store.SetInternal(KeyNumberOfConnectors, fmt.Sprintf("%d", s.chargingConnectorCount()), true)

	return s, nil
}

// ID 站点标识
func (s *Station) ID() string {
	return s.info.StationID
}

// Info 站点画像
func (s *Station) Info() *template.StationInfo {
	return s.info
}

// State 当前生命周期状态
func (s *Station) State() State {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.state
}

func (s *Station) setState(state State) {
	s.stateMutex.Lock()
	previous := s.state
	s.state = state
	s.stateMutex.Unlock()
	if previous != state {
		s.log.Infof("State %s -> %s", previous, state)
	}
}

// Send 实现引擎的Channel接口，委托给当前连接
func (s *Station) Send(data []byte) error {
	s.clientMutex.Lock()
	client := s.client
	s.clientMutex.Unlock()

	if client == nil {
		return fmt.Errorf("station %s is not connected", s.info.StationID)
	}
	return client.Send(data)
}

// IsOpen 实现引擎的Channel接口
func (s *Station) IsOpen() bool {
	s.clientMutex.Lock()
	client := s.client
	s.clientMutex.Unlock()
	return client != nil && client.IsOpen()
}

// Start 启动站点，连接与注册在后台完成
func (s *Station) Start(ctx context.Context) error {
	if s.State() != StateStopped {
		return fmt.Errorf("station %s is already started", s.info.StationID)
	}

	s.parentCtx = ctx
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.setState(StateStarting)
	metrics.RunningStations.Inc()
	s.publish(events.NewStationLifecycleEvent(events.EventTypeStationStarted, s.info.StationID, string(StateStarting)))

	s.engine.Start()
	s.reservations.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.connect(); err != nil {
			s.log.Errorf("Initial connection failed: %v", err)
			s.scheduleReconnect()
			return
		}
		s.registerLoop()
	}()

	s.wg.Add(1)
	go s.heartbeatLoop()
	s.wg.Add(1)
	go s.meterLoop()

	return nil
}

// Stop 停止站点并持久化配置
func (s *Station) Stop() error {
	if s.State() == StateStopped {
		return nil
	}
	s.setState(StateStopping)

	if s.atg != nil {
		s.atg.Stop()
	}

	if s.info.StopTransactionsOnStopped {
		for _, id := range s.connectorIDs {
			c := s.connectors[id]
			if c.HasTransaction() {
				if err := s.EndTransaction(id, ocpp16.ReasonLocal); err != nil {
					s.log.Warnf("Failed to stop transaction on connector %d: %v", id, err)
				}
			}
		}
	}

	s.notifyConnectorsUnavailable()

	if s.cancel != nil {
		s.cancel()
	}
	s.reservations.Stop()
	s.engine.Stop()

	s.clientMutex.Lock()
	client := s.client
	s.client = nil
	s.clientMutex.Unlock()
	if client != nil {
		_ = client.Close()
	}
	s.wg.Wait()

	s.persistConfiguration()
	metrics.RunningStations.Dec()
	s.setState(StateStopped)
	s.publish(events.NewStationLifecycleEvent(events.EventTypeStationStopped, s.info.StationID, string(StateStopped)))
	return nil
}

// notifyConnectorsUnavailable 停机序列里逐个连接器上报Unavailable
// 在关闭通道之前发送。
func (s *Station) notifyConnectorsUnavailable() {
	for _, id := range s.connectorIDs {
		if id == 0 {
			continue
		}
		s.SendStatusNotification(id, ocpp16.ChargePointStatusUnavailable, s.connectors[id].ErrorCode())
	}
}

// connect 建立websocket连接
func (s *Station) connect() error {
	s.setState(StateConnecting)

	pingInterval := s.store.GetDuration(KeyWebSocketPingInterval, s.info.WebSocketPingInterval)
	client := wstransport.NewClient(&wstransport.Config{
		URL:               s.supervisionURL,
		StationID:         s.info.StationID,
		User:              s.info.SupervisionUser,
		Password:          s.info.SupervisionPassword,
		ConnectionTimeout: s.info.ConnectionTimeout,
		PingInterval:      pingInterval,
	}, s.engine.HandleIncoming, s.onDisconnect, s.log)

	if err := client.Connect(s.ctx); err != nil {
		return err
	}

	s.clientMutex.Lock()
	s.client = client
	s.clientMutex.Unlock()
	s.reconnectAttempts = 0
	return nil
}

// onDisconnect 连接断开回调，主动关闭时err为nil
func (s *Station) onDisconnect(err error) {
	if err == nil || s.ctx.Err() != nil {
		return
	}
	s.engine.SetRegistrationAccepted(false)
	s.publish(events.NewStationLifecycleEvent(events.EventTypeStationReconnecting, s.info.StationID, err.Error()))
	s.scheduleReconnect()
}

// scheduleReconnect 退避后重连并重新注册
func (s *Station) scheduleReconnect() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		for {
			if s.ctx.Err() != nil {
				return
			}
			if s.info.AutoReconnectMaxRetries >= 0 && s.reconnectAttempts >= s.info.AutoReconnectMaxRetries {
				s.log.Errorf("Giving up reconnecting after %d attempts", s.reconnectAttempts)
				return
			}

			delay := reconnectBaseDelay
			if s.info.ReconnectExponentialDelay {
				delay = reconnectBaseDelay * time.Duration(1<<uint(min(s.reconnectAttempts, 10)))
				if delay > reconnectMaxDelay {
					delay = reconnectMaxDelay
				}
			} else {
				delay = defaultRetryInterval
			}
			s.reconnectAttempts++
			metrics.Reconnects.WithLabelValues(s.info.StationID).Inc()
			s.log.Infof("Reconnecting in %s (attempt %d)", delay, s.reconnectAttempts)

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}

			if err := s.connect(); err != nil {
				s.log.Warnf("Reconnect attempt %d failed: %v", s.reconnectAttempts, err)
				continue
			}
			s.registerLoop()
			return
		}
	}()
}

// registerLoop 发送BootNotification直到被接受或重试耗尽
func (s *Station) registerLoop() {
	s.setState(StateRegistering)
	s.publish(events.NewStationLifecycleEvent(events.EventTypeStationRegistered, s.info.StationID, string(StateRegistering)))

	// autoRegister的站点不等中心系统确认，BootNotification发出即视为已注册
	if s.info.AutoRegister {
		s.log.Infof("Auto-registering without waiting for central system acceptance")
		if _, err := s.engine.SendCallDirect(ocpp16.ActionBootNotification, s.bootNotificationRequest(), nil); err != nil {
			s.log.Warnf("BootNotification failed: %v", err)
		}
		s.onRegistrationAccepted()
		return
	}

	attempts := 0
	for {
		if s.ctx.Err() != nil {
			return
		}

		response, err := s.sendBootNotification()
		if err != nil {
			s.log.Warnf("BootNotification failed: %v", err)
			if !s.waitRetry(defaultRetryInterval) {
				return
			}
			continue
		}

		interval := time.Duration(response.Interval) * time.Second
		if interval <= 0 {
			interval = defaultHeartbeat
		}

		switch response.Status {
		case ocpp16.RegistrationStatusAccepted:
			s.store.SetInternal(KeyHeartbeatInterval, fmt.Sprintf("%d", int(interval.Seconds())), false)
			s.resetHeartbeat(interval)
			s.onRegistrationAccepted()
			return

		case ocpp16.RegistrationStatusPending:
			s.setState(StatePending)
			attempts++
			if s.info.RegistrationMaxRetries >= 0 && attempts > s.info.RegistrationMaxRetries {
				s.log.Errorf("Registration still pending after %d attempts, giving up", attempts)
				return
			}
			s.log.Infof("Registration pending, retrying in %s", interval)
			if !s.waitRetry(interval) {
				return
			}

		case ocpp16.RegistrationStatusRejected:
			s.setState(StateRejected)
			attempts++
			if s.info.RegistrationMaxRetries >= 0 && attempts > s.info.RegistrationMaxRetries {
				s.log.Errorf("Registration rejected %d times, giving up", attempts)
				return
			}
			s.log.Warnf("Registration rejected, retrying in %s", interval)
			if !s.waitRetry(interval) {
				return
			}
		}
	}
}

func (s *Station) waitRetry(delay time.Duration) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// onRegistrationAccepted 注册被接受后的收尾动作
func (s *Station) onRegistrationAccepted() {
	s.engine.SetRegistrationAccepted(true)
	s.setState(StateOperating)
	s.publish(events.NewStationLifecycleEvent(events.EventTypeStationAccepted, s.info.StationID, string(StateOperating)))

	// 固件升级在上次运行中完成时补发Installed
	if s.info.FirmwareStatus == ocpp16.FirmwareStatusInstalled {
		s.SendFirmwareStatusNotification(ocpp16.FirmwareStatusInstalled)
		s.info.FirmwareStatus = ocpp16.FirmwareStatusIdle
		s.persistConfiguration()
	}

	for _, id := range s.connectorIDs {
		c := s.connectors[id]
		status := c.BootStatusResolved()
		s.SendStatusNotification(id, status, c.ErrorCode())
	}

	if s.atg != nil {
		s.atg.Start(s.ctx)
	}
}

// bootNotificationRequest 组装BootNotification载荷
func (s *Station) bootNotificationRequest() *ocpp16.BootNotificationRequest {
	req := &ocpp16.BootNotificationRequest{
		ChargePointVendor:       s.info.ChargePointVendor,
		ChargePointModel:        s.info.ChargePointModel,
		ChargePointSerialNumber: s.info.ChargePointSerialNumber,
		ChargeBoxSerialNumber:   s.info.ChargeBoxSerialNumber,
		MeterSerialNumber:       s.info.MeterSerialNumber,
		MeterType:               s.info.MeterType,
	}
	if s.info.FirmwareVersion != "" {
		version := s.info.FirmwareVersion
		req.FirmwareVersion = &version
	}
	return req
}

// sendBootNotification 发送BootNotification并同步等待响应
func (s *Station) sendBootNotification() (*ocpp16.BootNotificationResponse, error) {
	req := s.bootNotificationRequest()

	type result struct {
		response *ocpp16.BootNotificationResponse
		err      error
	}
	done := make(chan result, 1)

	_, err := s.engine.SendCallDirect(ocpp16.ActionBootNotification, req, func(payload json.RawMessage, err error) {
		if err != nil {
			done <- result{err: err}
			return
		}
		var response ocpp16.BootNotificationResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{response: &response}
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	case r := <-done:
		return r.response, r.err
	}
}

// heartbeatLoop 按配置的心跳周期发送Heartbeat
func (s *Station) heartbeatLoop() {
	defer s.wg.Done()

	interval := s.store.GetDuration(KeyHeartbeatInterval, defaultHeartbeat)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case interval = <-s.heartbeatReset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interval)
		case <-timer.C:
			if s.engine.IsRegistrationAccepted() {
				s.SendHeartbeat()
			}
			timer.Reset(interval)
		}
	}
}

func (s *Station) resetHeartbeat(interval time.Duration) {
	select {
	case s.heartbeatReset <- interval:
	default:
	}
}

// SendHeartbeat 发送心跳
func (s *Station) SendHeartbeat() {
	_, err := s.engine.SendCall(ocpp16.ActionHeartbeat, &ocpp16.HeartbeatRequest{}, func(payload json.RawMessage, err error) {
		if err != nil {
			s.log.Warnf("Heartbeat rejected: %v", err)
		}
	})
	if err != nil {
		s.log.Warnf("Failed to send heartbeat: %v", err)
	}
}

// SendStatusNotification 上报连接器状态
func (s *Station) SendStatusNotification(connectorID int, status ocpp16.ChargePointStatus, errorCode ocpp16.ChargePointErrorCode) {
	now := ocpp16.NewDateTime(time.Now())
	req := &ocpp16.StatusNotificationRequest{
		ConnectorId: connectorID,
		ErrorCode:   errorCode,
		Status:      status,
		Timestamp:   &now,
	}
	if _, err := s.engine.SendCall(ocpp16.ActionStatusNotification, req, nil); err != nil {
		s.log.Warnf("Failed to send status notification for connector %d: %v", connectorID, err)
	}
}

// updateConnectorStatus 更新状态并在变化时上报与发事件
func (s *Station) updateConnectorStatus(connectorID int, status ocpp16.ChargePointStatus) {
	c, ok := s.connectors[connectorID]
	if !ok {
		return
	}
	previous := c.Status()
	if !c.SetStatus(status) {
		return
	}
	s.SendStatusNotification(connectorID, status, c.ErrorCode())
	s.publish(events.NewConnectorStatusChangedEvent(s.info.StationID, connectorID, string(status), string(previous)))

	// 预约中的连接器进入非Reserved状态时预约随之失效
	if reservationID, reserved := c.ReservationID(); reserved &&
		status != ocpp16.ChargePointStatusReserved && status != ocpp16.ChargePointStatusPreparing &&
		status != ocpp16.ChargePointStatusCharging {
		s.reservations.Remove(reservationID, ReservationRemovedConnectorStateChanged)
	}
}

// SendFirmwareStatusNotification 上报固件状态
func (s *Station) SendFirmwareStatusNotification(status ocpp16.FirmwareStatus) {
	req := &ocpp16.FirmwareStatusNotificationRequest{Status: status}
	if _, err := s.engine.SendCallDirect(ocpp16.ActionFirmwareStatusNotification, req, nil); err != nil {
		s.log.Warnf("Failed to send firmware status notification: %v", err)
	}
}

// Authorize 授权idTag，结果进授权缓存
func (s *Station) Authorize(idTag string, callback func(*ocpp16.IdTagInfo, error)) {
	if cached, ok := s.authCache.Get("idtag:" + idTag); ok {
		info := cached.(ocpp16.IdTagInfo)
		callback(&info, nil)
		return
	}

	req := &ocpp16.AuthorizeRequest{IdTag: idTag}
	_, err := s.engine.SendCall(ocpp16.ActionAuthorize, req, func(payload json.RawMessage, err error) {
		if err != nil {
			callback(nil, err)
			return
		}
		var response ocpp16.AuthorizeResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			callback(nil, err)
			return
		}
		s.authCache.Set("idtag:"+idTag, response.IdTagInfo, authCacheTTL)
		callback(&response.IdTagInfo, nil)
	})
	if err != nil {
		callback(nil, err)
	}
}

// BeginTransaction 在连接器上开始一笔交易
// 中心系统分配交易号，拒绝授权时回退到Available。
func (s *Station) BeginTransaction(connectorID int, idTag string) error {
	c, ok := s.connectors[connectorID]
	if !ok || connectorID == 0 {
		return fmt.Errorf("connector %d does not exist", connectorID)
	}
	if c.HasTransaction() {
		return fmt.Errorf("connector %d is already charging", connectorID)
	}
	if c.Availability() == ocpp16.AvailabilityTypeInoperative {
		return fmt.Errorf("connector %d is inoperative", connectorID)
	}

	// 预约的连接器只有预约持有人能启动
	if r, reserved := s.reservations.ForConnector(connectorID); reserved {
		if !s.reservations.Authorizes(r, idTag, nil) {
			return fmt.Errorf("connector %d is reserved for another id tag", connectorID)
		}
	}

	s.updateConnectorStatus(connectorID, ocpp16.ChargePointStatusPreparing)

	// 按交易计量时电表从0起算，否则用终生读数
	meterStart := int(math.Round(c.EnergyWh()))
	if s.info.MeteringPerTransaction {
		meterStart = 0
	}
	req := &ocpp16.StartTransactionRequest{
		ConnectorId: connectorID,
		IdTag:       idTag,
		MeterStart:  meterStart,
		Timestamp:   ocpp16.NewDateTime(time.Now()),
	}
	if r, reserved := s.reservations.ForConnector(connectorID); reserved {
		reservationID := r.ID
		req.ReservationId = &reservationID
	}

	_, err := s.engine.SendCall(ocpp16.ActionStartTransaction, req, func(payload json.RawMessage, err error) {
		if err != nil {
			s.log.Warnf("StartTransaction on connector %d failed: %v", connectorID, err)
			s.updateConnectorStatus(connectorID, ocpp16.ChargePointStatusAvailable)
			return
		}
		var response ocpp16.StartTransactionResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			s.log.Errorf("Cannot parse StartTransaction response: %v", err)
			s.updateConnectorStatus(connectorID, ocpp16.ChargePointStatusAvailable)
			return
		}
		if response.IdTagInfo.Status != ocpp16.AuthorizationStatusAccepted {
			s.log.Warnf("StartTransaction on connector %d not authorized: %s", connectorID, response.IdTagInfo.Status)
			s.updateConnectorStatus(connectorID, ocpp16.ChargePointStatusAvailable)
			return
		}

		if err := c.StartTransaction(response.TransactionId, idTag); err != nil {
			s.log.Errorf("Cannot record transaction %d: %v", response.TransactionId, err)
			return
		}
		if r, reserved := s.reservations.ForConnector(connectorID); reserved {
			c.SetReservation(nil)
			s.reservations.Remove(r.ID, ReservationRemovedTransactionStarted)
		}
		s.updateConnectorStatus(connectorID, ocpp16.ChargePointStatusCharging)
		if s.transactionMeterValues() {
			s.sendTransactionMeterValue(connectorID, ocpp16.ReadingContextTransactionBegin, req.MeterStart)
		}
		s.publish(events.NewTransactionEvent(events.EventTypeTransactionStarted, s.info.StationID,
			connectorID, response.TransactionId, idTag, req.MeterStart, ""))
		s.log.Infof("Transaction %d started on connector %d", response.TransactionId, connectorID)
	})
	return err
}

// EndTransaction 结束连接器上的交易
func (s *Station) EndTransaction(connectorID int, reason ocpp16.Reason) error {
	c, ok := s.connectors[connectorID]
	if !ok {
		return fmt.Errorf("connector %d does not exist", connectorID)
	}

	idTag := c.TransactionIdTag()
	transactionEnergy := c.TransactionEnergyWh()
	transactionID, meterStop, err := c.StopTransaction()
	if err != nil {
		return err
	}
	if s.info.MeteringPerTransaction {
		meterStop = transactionEnergy
	}

	s.updateConnectorStatus(connectorID, ocpp16.ChargePointStatusFinishing)

	req := &ocpp16.StopTransactionRequest{
		MeterStop:     int(math.Round(meterStop)),
		Timestamp:     ocpp16.NewDateTime(time.Now()),
		TransactionId: transactionID,
		Reason:        &reason,
	}
	if idTag != "" {
		req.IdTag = &idTag
	}
	if s.transactionMeterValues() {
		req.TransactionData = transactionEndMeterValue(req.Timestamp, req.MeterStop)
	}

	_, sendErr := s.engine.SendCall(ocpp16.ActionStopTransaction, req, func(payload json.RawMessage, err error) {
		if err != nil {
			s.log.Warnf("StopTransaction %d failed: %v", transactionID, err)
		}
	})
	if sendErr != nil {
		s.log.Warnf("Failed to send StopTransaction %d: %v", transactionID, sendErr)
	}

	s.profiles.ClearTransactionProfiles(transactionID)
	s.publish(events.NewTransactionEvent(events.EventTypeTransactionStopped, s.info.StationID,
		connectorID, transactionID, idTag, req.MeterStop, string(reason)))
	s.log.Infof("Transaction %d stopped on connector %d (%s)", transactionID, connectorID, reason)

	// 交易期间Scheduled的可用性变更现在落地
	s.pendingMutex.Lock()
	pendingType, hasPending := s.pendingAvailability[connectorID]
	delete(s.pendingAvailability, connectorID)
	s.pendingMutex.Unlock()

	if hasPending {
		c.SetAvailability(pendingType)
		if pendingType == ocpp16.AvailabilityTypeInoperative {
			s.updateConnectorStatus(connectorID, ocpp16.ChargePointStatusUnavailable)
			return nil
		}
	}
	s.updateConnectorStatus(connectorID, ocpp16.ChargePointStatusAvailable)
	return nil
}

// publish 发布事件，失败只记日志
func (s *Station) publish(event events.Event) {
	if err := s.publisher.Publish(event); err != nil {
		s.log.Warnf("Failed to publish event %s: %v", event.GetType(), err)
	}
}

// persistConfiguration 写出持久化配置文件
func (s *Station) persistConfiguration() {
	if !s.info.StationInfoPersistentConfiguration && !s.info.OCPPPersistentConfiguration {
		return
	}

	cf := &template.ConfigurationFile{}
	if s.info.StationInfoPersistentConfiguration {
		cf.StationInfo = s.info
	}
	if s.info.OCPPPersistentConfiguration {
		cf.ConfigurationKey = s.store.Snapshot()
	}
	if s.atg != nil && s.info.ATGPersistentConfiguration {
		cf.AutomaticTransactionGenerator = s.plan.ATG
		cf.AutomaticTransactionGeneratorStatuses = s.atg.Statuses()
	}

	path := template.ConfigurationFilePath(s.info.TemplateFile, s.info.StationID)
	if err := template.SaveConfigurationFile(path, cf, s.log); err != nil {
		s.log.Errorf("Failed to persist configuration: %v", err)
	}
}

// chargingConnectorCount 可充电的连接器数（不含0号）
func (s *Station) chargingConnectorCount() int {
	count := 0
	for _, id := range s.connectorIDs {
		if id != 0 {
			count++
		}
	}
	return count
}

// powerDivider 硬件上限的均摊分母
// EVSE布局按EVSE数均摊，普通布局按连接器数；
// 共享功率的站点改按正在充电的连接器数。
func (s *Station) powerDivider() int {
	if s.info.PowerSharedByConnectors {
		charging := 0
		for _, id := range s.connectorIDs {
			if s.connectors[id].HasTransaction() {
				charging++
			}
		}
		if charging > 1 {
			return charging
		}
		return 1
	}

	if evses := s.evseCount(); evses > 0 {
		return evses
	}
	if count := s.chargingConnectorCount(); count > 1 {
		return count
	}
	return 1
}

// evseCount EVSE布局下的EVSE数，非EVSE布局为0
func (s *Station) evseCount() int {
	seen := make(map[int]struct{})
	for _, id := range s.connectorIDs {
		if evse := s.connectors[id].EvseID; evse > 0 {
			seen[evse] = struct{}{}
		}
	}
	return len(seen)
}

// chargingContext 限额解析的站点侧输入
func (s *Station) chargingContext(c *Connector) *smartcharging.ChargingContext {
	maximumPower := s.info.MaximumPower
	// 电流限制键可在运行期收紧硬件上限
	if s.info.AmperageLimitationOcppKey != nil {
		if amps := s.store.GetInt(*s.info.AmperageLimitationOcppKey, 0); amps > 0 && amps < s.info.MaximumAmperage {
			maximumPower = electricPower(float64(amps), s.info)
		}
	}

	ctx := &smartcharging.ChargingContext{
		CurrentType:      s.info.CurrentOutType,
		Voltage:          s.info.VoltageOut,
		DefaultPhases:    s.info.NumberOfPhases,
		MaximumPower:     maximumPower,
		PowerDivider:     s.powerDivider(),
		TransactionStart: c.TransactionStart(),
	}
	if txID, ok := c.TransactionID(); ok {
		ctx.TransactionID = &txID
	}
	return ctx
}
