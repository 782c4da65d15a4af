package station

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/station-simulator/internal/template"
)

func newTestStore() *ConfigurationStore {
	hidden := false
	return NewConfigurationStore([]template.ConfigurationKey{
		{Key: KeyHeartbeatInterval, Value: "60"},
		{Key: KeyMeterValueSampleInterval, Value: "30"},
		{Key: KeyNumberOfConnectors, Value: "2", Readonly: true},
		{Key: KeyConnectionTimeOut, Value: "120", Reboot: true},
		{Key: "InternalSecret", Value: "hidden", Visible: &hidden},
	})
}

func TestConfigurationStore_Set(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		expected ocpp16.ConfigurationStatus
	}{
		{"可写键", KeyHeartbeatInterval, "300", ocpp16.ConfigurationStatusAccepted},
		{"未知键", "NoSuchKey", "1", ocpp16.ConfigurationStatusNotSupported},
		{"不可见键视同未知", "InternalSecret", "x", ocpp16.ConfigurationStatusNotSupported},
		{"只读键", KeyNumberOfConnectors, "4", ocpp16.ConfigurationStatusRejected},
		{"需要重启的键", KeyConnectionTimeOut, "60", ocpp16.ConfigurationStatusRebootRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore()
			assert.Equal(t, tt.expected, s.Set(tt.key, tt.value))
		})
	}
}

func TestConfigurationStore_SetSameValue(t *testing.T) {
	s := newTestStore()
	s.ConsumeDirty()

	// 值未变接受但不置脏
	assert.Equal(t, ocpp16.ConfigurationStatusAccepted, s.Set(KeyHeartbeatInterval, "60"))
	assert.False(t, s.ConsumeDirty())

	assert.Equal(t, ocpp16.ConfigurationStatusAccepted, s.Set(KeyHeartbeatInterval, "90"))
	assert.True(t, s.ConsumeDirty())
	assert.False(t, s.ConsumeDirty())
}

func TestConfigurationStore_GetKeyValues(t *testing.T) {
	s := newTestStore()

	// 空请求返回全部可见键
	all, unknown := s.GetKeyValues(nil)
	assert.Nil(t, unknown)
	assert.Len(t, all, 4)
	for _, kv := range all {
		assert.NotEqual(t, "InternalSecret", kv.Key)
	}

	// 已知与未知拆分，不可见键归入未知
	known, unknown := s.GetKeyValues([]string{KeyHeartbeatInterval, "NoSuchKey", "InternalSecret"})
	require.Len(t, known, 1)
	assert.Equal(t, KeyHeartbeatInterval, known[0].Key)
	require.NotNil(t, known[0].Value)
	assert.Equal(t, "60", *known[0].Value)
	assert.Equal(t, []string{"NoSuchKey", "InternalSecret"}, unknown)
}

func TestConfigurationStore_SetInternal(t *testing.T) {
	s := newTestStore()

	// 内部写入可创建键并绕过readonly
	s.SetInternal("MaximumAmperage", "32", true)
	value, ok := s.Get("MaximumAmperage")
	require.True(t, ok)
	assert.Equal(t, "32", value)

	s.SetInternal(KeyNumberOfConnectors, "4", true)
	value, _ = s.Get(KeyNumberOfConnectors)
	assert.Equal(t, "4", value)
}

func TestConfigurationStore_TypedGetters(t *testing.T) {
	s := newTestStore()
	s.SetInternal("FlagKey", "true", false)
	s.SetInternal("BadNumber", "abc", false)

	assert.Equal(t, 60, s.GetInt(KeyHeartbeatInterval, 10))
	assert.Equal(t, 10, s.GetInt("NoSuchKey", 10))
	assert.Equal(t, 10, s.GetInt("BadNumber", 10))

	assert.True(t, s.GetBool("FlagKey", false))
	assert.False(t, s.GetBool("NoSuchKey", false))

	assert.Equal(t, time.Minute, s.GetDuration(KeyHeartbeatInterval, time.Second))
	assert.Equal(t, time.Second, s.GetDuration("NoSuchKey", time.Second))

	// 零或负的秒数回落默认值
	s.SetInternal("ZeroSeconds", "0", false)
	assert.Equal(t, time.Second, s.GetDuration("ZeroSeconds", time.Second))
}

func TestConfigurationStore_Snapshot(t *testing.T) {
	s := newTestStore()
	s.Set(KeyHeartbeatInterval, "90")

	snapshot := s.Snapshot()
	require.Len(t, snapshot, 5)
	// 快照保持插入顺序且带最新值
	assert.Equal(t, KeyHeartbeatInterval, snapshot[0].Key)
	assert.Equal(t, "90", snapshot[0].Value)
}
