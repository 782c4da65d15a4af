package station

import (
	"strconv"
	"sync"
	"time"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/station-simulator/internal/template"
)

// 模拟器关心的标准配置键
const (
	KeyHeartbeatInterval         = "HeartbeatInterval"
	KeyMeterValueSampleInterval  = "MeterValueSampleInterval"
	KeyNumberOfConnectors        = "NumberOfConnectors"
	KeyAuthorizeRemoteTxRequests = "AuthorizeRemoteTxRequests"
	KeyConnectionTimeOut         = "ConnectionTimeOut"
	KeyWebSocketPingInterval     = "WebSocketPingInterval"
	KeySupportedFeatureProfiles  = "SupportedFeatureProfiles"
	KeyReserveConnectorZero      = "ReserveConnectorZeroSupported"
	KeyMeterValuesSampledData    = "MeterValuesSampledData"
)

// ConfigurationStore 站点的OCPP配置键存储
// Get/Change Configuration操作和内部定时器都从这里取值。
type ConfigurationStore struct {
	mutex sync.RWMutex
	keys  map[string]*template.ConfigurationKey
	order []string
	// dirty 自上次持久化以来是否有变更
	dirty bool
}

// NewConfigurationStore 从调和后的配置键创建存储
func NewConfigurationStore(keys []template.ConfigurationKey) *ConfigurationStore {
	s := &ConfigurationStore{keys: make(map[string]*template.ConfigurationKey, len(keys))}
	for i := range keys {
		key := keys[i]
		if _, ok := s.keys[key.Key]; !ok {
			s.order = append(s.order, key.Key)
		}
		s.keys[key.Key] = &key
	}
	return s
}

// Get 读取配置键的值
func (s *ConfigurationStore) Get(name string) (string, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	key, ok := s.keys[name]
	if !ok {
		return "", false
	}
	return key.Value, true
}

// GetKeyValues GetConfiguration的查询语义
// 请求为空返回全部可见键，否则拆分为已知键与未知键名。
func (s *ConfigurationStore) GetKeyValues(requested []string) ([]ocpp16.KeyValue, []string) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(requested) == 0 {
		result := make([]ocpp16.KeyValue, 0, len(s.order))
		for _, name := range s.order {
			key := s.keys[name]
			if key.Visible != nil && !*key.Visible {
				continue
			}
			result = append(result, keyValue(key))
		}
		return result, nil
	}

	known := make([]ocpp16.KeyValue, 0, len(requested))
	var unknown []string
	for _, name := range requested {
		key, ok := s.keys[name]
		if !ok || (key.Visible != nil && !*key.Visible) {
			unknown = append(unknown, name)
			continue
		}
		known = append(known, keyValue(key))
	}
	return known, unknown
}

func keyValue(key *template.ConfigurationKey) ocpp16.KeyValue {
	value := key.Value
	return ocpp16.KeyValue{
		Key:      key.Key,
		Readonly: key.Readonly,
		Value:    &value,
	}
}

// Set ChangeConfiguration的写入语义
func (s *ConfigurationStore) Set(name, value string) ocpp16.ConfigurationStatus {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key, ok := s.keys[name]
	if !ok || (key.Visible != nil && !*key.Visible) {
		return ocpp16.ConfigurationStatusNotSupported
	}
	if key.Readonly {
		return ocpp16.ConfigurationStatusRejected
	}
	if key.Value == value {
		return ocpp16.ConfigurationStatusAccepted
	}

	key.Value = value
	s.dirty = true
	if key.Reboot {
		return ocpp16.ConfigurationStatusRebootRequired
	}
	return ocpp16.ConfigurationStatusAccepted
}

// SetInternal 内部写入，必要时创建键，不检查readonly
// 供电流限制键、监管地址键等模拟器自身维护的键使用。
func (s *ConfigurationStore) SetInternal(name, value string, readonly bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if key, ok := s.keys[name]; ok {
		if key.Value != value {
			key.Value = value
			s.dirty = true
		}
		return
	}
	s.order = append(s.order, name)
	s.keys[name] = &template.ConfigurationKey{Key: name, Value: value, Readonly: readonly}
	s.dirty = true
}

// GetInt 按整数读取，缺失或非法时返回fallback
func (s *ConfigurationStore) GetInt(name string, fallback int) int {
	raw, ok := s.Get(name)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// GetBool 按布尔读取，缺失或非法时返回fallback
func (s *ConfigurationStore) GetBool(name string, fallback bool) bool {
	raw, ok := s.Get(name)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

// GetDuration 把秒数键读取为Duration，缺失、非法或非正时返回fallback
func (s *ConfigurationStore) GetDuration(name string, fallback time.Duration) time.Duration {
	seconds := s.GetInt(name, -1)
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Snapshot 导出全部配置键用于持久化
func (s *ConfigurationStore) Snapshot() []template.ConfigurationKey {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]template.ConfigurationKey, 0, len(s.order))
	for _, name := range s.order {
		result = append(result, *s.keys[name])
	}
	return result
}

// ConsumeDirty 返回并清除脏标记
func (s *ConfigurationStore) ConsumeDirty() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	dirty := s.dirty
	s.dirty = false
	return dirty
}
