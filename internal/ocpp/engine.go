package ocpp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/station-simulator/internal/domain/serialization"
	"github.com/charging-platform/station-simulator/internal/domain/validation"
	"github.com/charging-platform/station-simulator/internal/logger"
	"github.com/charging-platform/station-simulator/internal/metrics"
	"github.com/charging-platform/station-simulator/internal/statistics"
)

// Channel 引擎下层的传输通道，由websocket客户端实现
type Channel interface {
	// Send 发送一帧原始数据
	Send(data []byte) error
	// IsOpen 通道当前是否可写
	IsOpen() bool
}

// RequestHandler 处理中心系统下发的CALL
type RequestHandler interface {
	// HandleRequest 返回响应载荷或CALLERROR，二者必居其一
	HandleRequest(action ocpp16.Action, payload json.RawMessage) (interface{}, *CallError)
}

// ResponseCallback 出站CALL的完成回调
// 成功时payload非空err为nil；失败时err为*CallError或*TimeoutError。
type ResponseCallback func(payload json.RawMessage, err error)

// Config 引擎配置
type Config struct {
	// RequestTimeout 出站CALL等待响应的时限
	RequestTimeout time.Duration
	// BufferFlushInterval 发送缓冲的重放检查周期
	BufferFlushInterval time.Duration
}

// DefaultConfig 返回默认引擎配置
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout:      30 * time.Second,
		BufferFlushInterval: time.Minute,
	}
}

// pendingRequest 已发出、等待CALLRESULT/CALLERROR的CALL
type pendingRequest struct {
	action   ocpp16.Action
	callback ResponseCallback
	sentAt   time.Time
	timer    *time.Timer
}

// bufferedCall 尚不具备发送条件而暂存的CALL
type bufferedCall struct {
	messageID string
	action    ocpp16.Action
	data      []byte
	callback  ResponseCallback
}

// Engine OCPP-J消息引擎
// 负责帧的编解码、出站请求的生命周期管理和入站请求分发。
type Engine struct {
	stationID  string
	channel    Channel
	handler    RequestHandler
	serializer *serialization.Serializer
	validator  *validation.Validator
	stats      *statistics.Statistics
	config     *Config
	log        *logger.Logger

	// sendMutex 串行化所有出站帧，同一连接上不交错写
	sendMutex sync.Mutex

	pendingMutex sync.Mutex
	pending      map[string]*pendingRequest

	bufferMutex sync.Mutex
	buffer      []bufferedCall

	stateMutex sync.RWMutex
	accepted   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine 创建消息引擎，stats可为nil表示不采集统计
func NewEngine(stationID string, channel Channel, handler RequestHandler, stats *statistics.Statistics, config *Config, log *logger.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		stationID:  stationID,
		channel:    channel,
		handler:    handler,
		serializer: serialization.NewSerializer(),
		validator:  validation.NewValidator(),
		stats:      stats,
		config:     config,
		log:        log.WithStation(stationID),
		pending:    make(map[string]*pendingRequest),
	}
}

// Start 启动缓冲重放循环，Stop后可再次Start
func (e *Engine) Start() {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.flushLoop()
}

// Stop 停止引擎并丢弃未完成状态
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.SetRegistrationAccepted(false)

	e.pendingMutex.Lock()
	for id, p := range e.pending {
		p.timer.Stop()
		delete(e.pending, id)
	}
	e.pendingMutex.Unlock()

	e.bufferMutex.Lock()
	e.buffer = nil
	e.bufferMutex.Unlock()
}

// SetRegistrationAccepted 注册结果门控，接受后缓冲帧才会重放
func (e *Engine) SetRegistrationAccepted(accepted bool) {
	e.stateMutex.Lock()
	e.accepted = accepted
	e.stateMutex.Unlock()
	if accepted {
		e.flushBuffer()
	}
}

// IsRegistrationAccepted 当前注册门控状态
func (e *Engine) IsRegistrationAccepted() bool {
	e.stateMutex.RLock()
	defer e.stateMutex.RUnlock()
	return e.accepted
}

// SendOptions 单次发送的可选行为
type SendOptions struct {
	// SkipBufferingOnError 不可发送或发送失败时直接报错，不进缓冲
	SkipBufferingOnError bool
}

// SendCall 发出一个站点发起的CALL
// 通道未打开或注册未被接受时进入发送缓冲，条件满足后按原顺序重放。
// 返回分配的messageId。
func (e *Engine) SendCall(action ocpp16.Action, payload interface{}, callback ResponseCallback) (string, error) {
	return e.send(action, payload, callback, false, false)
}

// SendCallDirect 绕过注册门控直接发送
// 用于BootNotification和Pending状态下被TriggerMessage触发的请求。
func (e *Engine) SendCallDirect(action ocpp16.Action, payload interface{}, callback ResponseCallback) (string, error) {
	return e.send(action, payload, callback, true, false)
}

// SendCallWithOptions 按选项发送CALL
// 打开SkipBufferingOnError时不可发送即报错，其余行为等同SendCall。
func (e *Engine) SendCallWithOptions(action ocpp16.Action, payload interface{}, callback ResponseCallback, opts *SendOptions) (string, error) {
	skipBuffering := opts != nil && opts.SkipBufferingOnError
	return e.send(action, payload, callback, false, skipBuffering)
}

func (e *Engine) send(action ocpp16.Action, payload interface{}, callback ResponseCallback, direct, skipBuffering bool) (string, error) {
	if err := e.validator.ValidateStruct(payload); err != nil {
		return "", err
	}

	messageID := uuid.New().String()
	data, err := e.serializer.SerializeCall(messageID, string(action), payload)
	if err != nil {
		return "", err
	}

	canTransmit := e.channel.IsOpen() && (direct || e.IsRegistrationAccepted())
	if !canTransmit {
		if skipBuffering {
			return "", fmt.Errorf("cannot send %s request: channel not ready", action)
		}
		e.bufferMutex.Lock()
		e.buffer = append(e.buffer, bufferedCall{messageID: messageID, action: action, data: data, callback: callback})
		e.bufferMutex.Unlock()
		e.log.Debugf("Buffered %s request %s, channel not ready", action, messageID)
		return messageID, nil
	}

	return messageID, e.transmitCall(messageID, action, data, callback, skipBuffering)
}

// transmitCall 真正写通道并登记待响应状态，超时从这里起算
func (e *Engine) transmitCall(messageID string, action ocpp16.Action, data []byte, callback ResponseCallback, skipBuffering bool) error {
	p := &pendingRequest{
		action:   action,
		callback: callback,
		sentAt:   time.Now(),
	}
	p.timer = time.AfterFunc(e.config.RequestTimeout, func() {
		e.expireRequest(messageID)
	})

	e.pendingMutex.Lock()
	e.pending[messageID] = p
	e.pendingMutex.Unlock()

	e.sendMutex.Lock()
	err := e.channel.Send(data)
	e.sendMutex.Unlock()

	if err != nil {
		e.pendingMutex.Lock()
		delete(e.pending, messageID)
		e.pendingMutex.Unlock()
		p.timer.Stop()

		if skipBuffering {
			return fmt.Errorf("failed to send %s request %s: %w", action, messageID, err)
		}

		// 发送失败回到缓冲，等通道恢复后重放
		e.bufferMutex.Lock()
		e.buffer = append(e.buffer, bufferedCall{messageID: messageID, action: action, data: data, callback: callback})
		e.bufferMutex.Unlock()
		e.log.Warnf("Failed to send %s request %s, buffered for retry: %v", action, messageID, err)
		return nil
	}

	metrics.FramesSent.WithLabelValues(string(action), "call").Inc()
	if e.stats != nil {
		e.stats.AddRequest(string(action), len(data))
	}
	return nil
}

// expireRequest 出站请求超时，以GenericError回调
func (e *Engine) expireRequest(messageID string) {
	e.pendingMutex.Lock()
	p, ok := e.pending[messageID]
	if ok {
		delete(e.pending, messageID)
	}
	e.pendingMutex.Unlock()
	if !ok {
		return
	}

	e.log.Warnf("Request %s (%s) timed out after %s", messageID, p.action, e.config.RequestTimeout)
	metrics.RequestErrors.WithLabelValues(string(p.action), string(ErrorGenericError)).Inc()
	if e.stats != nil {
		e.stats.AddError(string(p.action))
	}
	if p.callback != nil {
		p.callback(nil, NewCallError(messageID, ErrorGenericError, "request timed out"))
	}
}

// PendingCount 当前等待响应的请求数
func (e *Engine) PendingCount() int {
	e.pendingMutex.Lock()
	defer e.pendingMutex.Unlock()
	return len(e.pending)
}

// BufferedCount 当前缓冲中的请求数
func (e *Engine) BufferedCount() int {
	e.bufferMutex.Lock()
	defer e.bufferMutex.Unlock()
	return len(e.buffer)
}

// flushLoop 周期性检查发送缓冲
func (e *Engine) flushLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.BufferFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.flushBuffer()
		}
	}
}

// flushBuffer 通道打开且注册被接受时按顺序重放缓冲帧
func (e *Engine) flushBuffer() {
	if !e.channel.IsOpen() || !e.IsRegistrationAccepted() {
		return
	}

	e.bufferMutex.Lock()
	queued := e.buffer
	e.buffer = nil
	e.bufferMutex.Unlock()

	if len(queued) == 0 {
		return
	}
	e.log.Infof("Flushing %d buffered requests", len(queued))
	for _, b := range queued {
		if err := e.transmitCall(b.messageID, b.action, b.data, b.callback, false); err != nil {
			e.log.Errorf("Failed to flush buffered request %s: %v", b.messageID, err)
		}
	}
}

// HandleIncoming 处理通道收到的一帧原始数据
// 结构不合法但messageId可恢复的帧回ProtocolError，其余只能丢弃。
func (e *Engine) HandleIncoming(data []byte) {
	frame, err := e.serializer.DeserializeFrame(data)
	if err != nil {
		metrics.FramesReceived.WithLabelValues("malformed").Inc()
		if messageID, ok := recoverMessageID(data); ok {
			e.log.Warnf("Rejecting malformed frame %s: %v", messageID, err)
			e.replyError(messageID, NewCallError(messageID, ErrorProtocolError, "malformed frame"))
			return
		}
		e.log.Warnf("Discarding malformed frame: %v", err)
		return
	}

	switch frame.MessageType {
	case int(ocpp16.Call):
		metrics.FramesReceived.WithLabelValues("call").Inc()
		e.handleCall(frame)
	case int(ocpp16.CallResult):
		metrics.FramesReceived.WithLabelValues("call_result").Inc()
		e.handleCallResult(frame)
	case int(ocpp16.CallError):
		metrics.FramesReceived.WithLabelValues("call_error").Inc()
		e.handleCallError(frame)
	default:
		e.log.Warnf("Discarding frame with unknown message type %d", frame.MessageType)
	}
}

// handleCall 分发中心系统的CALL并回写CALLRESULT或CALLERROR
func (e *Engine) handleCall(frame *serialization.Frame) {
	if !validation.IsSupportedAction(frame.Action) {
		e.replyError(frame.MessageID, NewCallError(frame.MessageID, ErrorNotImplemented, "action "+frame.Action+" is not implemented"))
		return
	}

	response, callErr := e.handler.HandleRequest(ocpp16.Action(frame.Action), frame.Payload)
	if callErr != nil {
		callErr.MessageID = frame.MessageID
		e.replyError(frame.MessageID, callErr)
		return
	}

	data, err := e.serializer.SerializeCallResult(frame.MessageID, response)
	if err != nil {
		e.log.Errorf("Failed to serialize %s response: %v", frame.Action, err)
		e.replyError(frame.MessageID, NewCallError(frame.MessageID, ErrorInternalError, "cannot serialize response"))
		return
	}

	e.sendMutex.Lock()
	sendErr := e.channel.Send(data)
	e.sendMutex.Unlock()
	if sendErr != nil {
		e.log.Errorf("Failed to send %s response: %v", frame.Action, sendErr)
		return
	}
	metrics.FramesSent.WithLabelValues(frame.Action, "call_result").Inc()
}

// replyError 回写CALLERROR，响应不进缓冲
func (e *Engine) replyError(messageID string, callErr *CallError) {
	data, err := e.serializer.SerializeCallError(messageID, string(callErr.Code), callErr.Description, callErr.Details)
	if err != nil {
		e.log.Errorf("Failed to serialize call error: %v", err)
		return
	}

	e.sendMutex.Lock()
	sendErr := e.channel.Send(data)
	e.sendMutex.Unlock()
	if sendErr != nil {
		e.log.Errorf("Failed to send call error: %v", sendErr)
		return
	}
	metrics.FramesSent.WithLabelValues("", "call_error").Inc()
}

// handleCallResult 匹配待响应请求并回调
func (e *Engine) handleCallResult(frame *serialization.Frame) {
	p := e.takePending(frame.MessageID)
	if p == nil {
		e.log.Warnf("Received CALLRESULT for unknown message id %s", frame.MessageID)
		return
	}

	elapsed := time.Since(p.sentAt)
	metrics.RequestDuration.WithLabelValues(string(p.action)).Observe(elapsed.Seconds())
	if e.stats != nil {
		e.stats.AddResponse(string(p.action), elapsed)
	}
	if p.callback != nil {
		p.callback(frame.Payload, nil)
	}
}

// handleCallError 匹配待响应请求并以错误回调
func (e *Engine) handleCallError(frame *serialization.Frame) {
	p := e.takePending(frame.MessageID)
	if p == nil {
		e.log.Warnf("Received CALLERROR for unknown message id %s", frame.MessageID)
		return
	}

	callErr := &CallError{
		MessageID:   frame.MessageID,
		Code:        ErrorCode(frame.ErrorCode),
		Description: frame.ErrorDescription,
	}
	if len(frame.ErrorDetails) > 0 {
		var details map[string]interface{}
		if json.Unmarshal(frame.ErrorDetails, &details) == nil {
			callErr.Details = details
		}
	}

	e.log.Warnf("Request %s (%s) rejected: %s", frame.MessageID, p.action, callErr.Error())
	metrics.RequestErrors.WithLabelValues(string(p.action), frame.ErrorCode).Inc()
	if e.stats != nil {
		e.stats.AddError(string(p.action))
	}
	if p.callback != nil {
		p.callback(nil, callErr)
	}
}

// recoverMessageID 从无法完整解析的帧里尽力取出messageId
func recoverMessageID(data []byte) (string, bool) {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil || len(elements) < 2 {
		return "", false
	}
	var messageID string
	if err := json.Unmarshal(elements[1], &messageID); err != nil || messageID == "" {
		return "", false
	}
	return messageID, true
}

func (e *Engine) takePending(messageID string) *pendingRequest {
	e.pendingMutex.Lock()
	defer e.pendingMutex.Unlock()

	p, ok := e.pending[messageID]
	if !ok {
		return nil
	}
	p.timer.Stop()
	delete(e.pending, messageID)
	return p
}
