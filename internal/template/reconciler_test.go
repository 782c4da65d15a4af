package template

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/station-simulator/internal/cache"
	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/station-simulator/internal/electric"
)

func writeTemplate(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "station.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalTemplate = `{
  "baseName": "CS-SIM",
  "chargePointVendor": "SimVendor",
  "chargePointModel": "SimModel",
  "firmwareVersion": "1.2.3",
  "power": 22,
  "powerUnit": "kW",
  "voltageOut": 230,
  "numberOfPhases": 3,
  "numberOfConnectors": 2,
  "supervisionUrls": ["ws://localhost:8080/ocpp"]
}`

func TestLoad(t *testing.T) {
	path := writeTemplate(t, minimalTemplate)

	tmpl, hash, err := Load(path, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "CS-SIM", tmpl.BaseName)
	assert.Len(t, hash, 64)
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeTemplate(t, "")

	_, _, err := Load(path, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestLoad_MissingFile(t *testing.T) {
	_, _, err := Load("/nonexistent/station.json", nil, nil)
	assert.Error(t, err)
}

func TestLoad_SharedCache(t *testing.T) {
	path := writeTemplate(t, minimalTemplate)
	fileCache := cache.NewLRUCache(cache.DefaultCacheConfig())

	first, hash1, err := Load(path, fileCache, nil)
	require.NoError(t, err)
	second, hash2, err := Load(path, fileCache, nil)
	require.NoError(t, err)

	// 同一哈希命中缓存，返回同一个解析结果
	assert.Equal(t, hash1, hash2)
	assert.Same(t, first, second)
}

func TestCanonicalHash_IgnoresWhitespace(t *testing.T) {
	compact := []byte(`{"a":1,"b":[2,3]}`)
	pretty := []byte("{\n  \"b\": [2, 3],\n  \"a\": 1\n}")

	h1, err := CanonicalHash(compact)
	require.NoError(t, err)
	h2, err := CanonicalHash(pretty)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestLoad_DeprecatedKeys(t *testing.T) {
	path := writeTemplate(t, `{
	  "baseName": "CS-SIM",
	  "chargePointVendor": "SimVendor",
	  "chargePointModel": "SimModel",
	  "supervisionUrl": "ws://old.example/ocpp",
	  "authorizationFile": "tags.txt",
	  "mustAuthorizeAtRemoteStart": false
	}`)

	tmpl, _, err := Load(path, nil, nil)
	require.NoError(t, err)

	// 废弃键被搬运到新字段
	assert.Equal(t, []string{"ws://old.example/ocpp"}, tmpl.SupervisionUrls)
	assert.Equal(t, "tags.txt", tmpl.IdTagsFile)
	require.NotNil(t, tmpl.RemoteAuthorization)
	assert.False(t, *tmpl.RemoteAuthorization)
}

func TestReconcile(t *testing.T) {
	path := writeTemplate(t, minimalTemplate)
	r := NewReconciler(nil, nil)

	plan, err := r.Reconcile(path, 3)
	require.NoError(t, err)

	info := plan.Info
	assert.Equal(t, "CS-SIM-00003", info.StationID)
	assert.Equal(t, "1.6", info.OCPPVersion)
	assert.InDelta(t, 22000, info.MaximumPower, 0.001)
	// 从功率推导电流：22000 / (230*3) = 31.88 -> 31
	assert.Equal(t, 31, info.MaximumAmperage)
	assert.NotEmpty(t, info.TemplateHash)
	assert.NotEmpty(t, info.HashID)

	// 0号连接器加2个充电连接器
	require.Len(t, plan.Connectors, 3)
	assert.Equal(t, 0, plan.Connectors[0].ConnectorID)
	assert.Equal(t, 1, plan.Connectors[1].ConnectorID)
	assert.Equal(t, 2, plan.Connectors[2].ConnectorID)
}

func TestReconcile_AmperageToPower(t *testing.T) {
	path := writeTemplate(t, `{
	  "baseName": "CS-SIM",
	  "chargePointVendor": "SimVendor",
	  "chargePointModel": "SimModel",
	  "maximumAmperage": 16,
	  "voltageOut": 230,
	  "numberOfPhases": 3
	}`)
	r := NewReconciler(nil, nil)

	plan, err := r.Reconcile(path, 0)
	require.NoError(t, err)
	assert.InDelta(t, electric.AmpsToWatts(16, electric.CurrentTypeAC, 230, 3), plan.Info.MaximumPower, 0.001)
}

func TestReconcile_ConnectorsAndEvsesExclusive(t *testing.T) {
	path := writeTemplate(t, `{
	  "baseName": "CS-SIM",
	  "chargePointVendor": "SimVendor",
	  "chargePointModel": "SimModel",
	  "Connectors": {"1": {}},
	  "Evses": {"1": {"Connectors": {"1": {}}}}
	}`)
	r := NewReconciler(nil, nil)

	_, err := r.Reconcile(path, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one")
}

func TestReconcile_Evses(t *testing.T) {
	path := writeTemplate(t, `{
	  "baseName": "CS-SIM",
	  "chargePointVendor": "SimVendor",
	  "chargePointModel": "SimModel",
	  "Evses": {
	    "0": {"Connectors": {"0": {}}},
	    "1": {"Connectors": {"1": {}}},
	    "2": {"Connectors": {"1": {}, "2": {}}}
	  }
	}`)
	r := NewReconciler(nil, nil)

	plan, err := r.Reconcile(path, 0)
	require.NoError(t, err)

	// 连接器编号跨EVSE连续分配
	require.Len(t, plan.Connectors, 4)
	assert.Equal(t, 0, plan.Connectors[0].ConnectorID)
	assert.Equal(t, 1, plan.Connectors[1].ConnectorID)
	assert.Equal(t, 1, plan.Connectors[1].EvseID)
	assert.Equal(t, 2, plan.Connectors[2].ConnectorID)
	assert.Equal(t, 2, plan.Connectors[2].EvseID)
	assert.Equal(t, 3, plan.Connectors[3].ConnectorID)
	assert.Equal(t, 2, plan.Connectors[3].EvseID)
}

func TestReconcile_SerialNumbers(t *testing.T) {
	path := writeTemplate(t, `{
	  "baseName": "CS-SIM",
	  "chargePointVendor": "SimVendor",
	  "chargePointModel": "SimModel",
	  "chargePointSerialNumberPrefix": "CP-",
	  "meterSerialNumberPrefix": "MTR-"
	}`)
	r := NewReconciler(nil, nil)

	plan, err := r.Reconcile(path, 0)
	require.NoError(t, err)

	info := plan.Info
	require.NotNil(t, info.ChargePointSerialNumber)
	assert.True(t, strings.HasPrefix(*info.ChargePointSerialNumber, "CP-"))
	// 前缀后是随机十六进制后缀
	assert.Regexp(t, regexp.MustCompile(`^CP-[0-9A-F]{8}$`), *info.ChargePointSerialNumber)
	require.NotNil(t, info.MeterSerialNumber)
	assert.Regexp(t, regexp.MustCompile(`^MTR-[0-9A-F]{8}$`), *info.MeterSerialNumber)
	assert.Nil(t, info.ChargeBoxSerialNumber)
}

func TestReconcile_FixedSerialNumber(t *testing.T) {
	path := writeTemplate(t, `{
	  "baseName": "CS-SIM",
	  "chargePointVendor": "SimVendor",
	  "chargePointModel": "SimModel",
	  "chargePointSerialNumberPrefix": "CP-001",
	  "randomSerialNumber": false
	}`)
	r := NewReconciler(nil, nil)

	plan, err := r.Reconcile(path, 0)
	require.NoError(t, err)
	assert.Equal(t, "CP-001", *plan.Info.ChargePointSerialNumber)
}

func TestReconcile_FixedName(t *testing.T) {
	path := writeTemplate(t, `{
	  "baseName": "CS-FIXED",
	  "fixedName": true,
	  "chargePointVendor": "SimVendor",
	  "chargePointModel": "SimModel"
	}`)
	r := NewReconciler(nil, nil)

	plan, err := r.Reconcile(path, 7)
	require.NoError(t, err)
	assert.Equal(t, "CS-FIXED", plan.Info.StationID)
}

func TestReconcile_PersistedSerialNumbersSurvive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "station.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
	  "baseName": "CS-SIM",
	  "chargePointVendor": "SimVendor",
	  "chargePointModel": "SimModel",
	  "chargePointSerialNumberPrefix": "CP-"
	}`), 0644))

	r := NewReconciler(nil, nil)
	first, err := r.Reconcile(path, 0)
	require.NoError(t, err)

	// 持久化后再调和，序列号保持稳定
	cfPath := ConfigurationFilePath(path, first.Info.StationID)
	require.NoError(t, SaveConfigurationFile(cfPath, &ConfigurationFile{StationInfo: first.Info}, nil))

	second, err := r.Reconcile(path, 0)
	require.NoError(t, err)
	assert.Equal(t, *first.Info.ChargePointSerialNumber, *second.Info.ChargePointSerialNumber)
}

func TestReconcile_TemplateChangeKeepsSerialWithSamePrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "station.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
	  "baseName": "CS-SIM",
	  "chargePointVendor": "SimVendor",
	  "chargePointModel": "SimModel",
	  "chargePointSerialNumberPrefix": "CP-"
	}`), 0644))

	r := NewReconciler(nil, nil)
	first, err := r.Reconcile(path, 0)
	require.NoError(t, err)

	cfPath := ConfigurationFilePath(path, first.Info.StationID)
	require.NoError(t, SaveConfigurationFile(cfPath, &ConfigurationFile{StationInfo: first.Info}, nil))

	// 模板变了但前缀没变，序列号跟着老配置走
	require.NoError(t, os.WriteFile(path, []byte(`{
	  "baseName": "CS-SIM",
	  "chargePointVendor": "OtherVendor",
	  "chargePointModel": "SimModel",
	  "chargePointSerialNumberPrefix": "CP-"
	}`), 0644))

	second, err := r.Reconcile(path, 0)
	require.NoError(t, err)
	assert.Equal(t, *first.Info.ChargePointSerialNumber, *second.Info.ChargePointSerialNumber)
	// 其余持久化字段仍按模板变化失效
	assert.Equal(t, "OtherVendor", second.Info.ChargePointVendor)
}

func TestReconcile_TemplateChangeDropsSerialWithNewPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "station.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
	  "baseName": "CS-SIM",
	  "chargePointVendor": "SimVendor",
	  "chargePointModel": "SimModel",
	  "chargePointSerialNumberPrefix": "CP-"
	}`), 0644))

	r := NewReconciler(nil, nil)
	first, err := r.Reconcile(path, 0)
	require.NoError(t, err)

	cfPath := ConfigurationFilePath(path, first.Info.StationID)
	require.NoError(t, SaveConfigurationFile(cfPath, &ConfigurationFile{StationInfo: first.Info}, nil))

	// 前缀换了，老序列号作废
	require.NoError(t, os.WriteFile(path, []byte(`{
	  "baseName": "CS-SIM",
	  "chargePointVendor": "SimVendor",
	  "chargePointModel": "SimModel",
	  "chargePointSerialNumberPrefix": "CPX-"
	}`), 0644))

	second, err := r.Reconcile(path, 0)
	require.NoError(t, err)
	assert.NotEqual(t, *first.Info.ChargePointSerialNumber, *second.Info.ChargePointSerialNumber)
	assert.True(t, strings.HasPrefix(*second.Info.ChargePointSerialNumber, "CPX-"))
}

func TestReconcile_ConfigurationKeyMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "station.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
	  "baseName": "CS-SIM",
	  "chargePointVendor": "SimVendor",
	  "chargePointModel": "SimModel",
	  "Configuration": {
	    "configurationKey": [
	      {"key": "HeartbeatInterval", "value": "60"},
	      {"key": "MeterValueSampleInterval", "value": "30"}
	    ]
	  }
	}`), 0644))

	r := NewReconciler(nil, nil)
	first, err := r.Reconcile(path, 0)
	require.NoError(t, err)

	// 持久化变更后的值覆盖模板默认值
	cfPath := ConfigurationFilePath(path, first.Info.StationID)
	require.NoError(t, SaveConfigurationFile(cfPath, &ConfigurationFile{
		StationInfo: first.Info,
		ConfigurationKey: []ConfigurationKey{
			{Key: "HeartbeatInterval", Value: "300"},
		},
	}, nil))

	second, err := r.Reconcile(path, 0)
	require.NoError(t, err)

	values := map[string]string{}
	for _, key := range second.ConfigurationKeys {
		values[key.Key] = key.Value
	}
	assert.Equal(t, "300", values["HeartbeatInterval"])
	assert.Equal(t, "30", values["MeterValueSampleInterval"])
}

func TestBumpFirmwareVersion(t *testing.T) {
	re := regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)$`)

	tests := []struct {
		name     string
		version  string
		upgrade  *FirmwareUpgrade
		expected string
		ok       bool
	}{
		{"默认步进最后一组", "1.2.3", nil, "1.2.4", true},
		{"指定组与步长", "1.2.3", &FirmwareUpgrade{VersionUpgrade: &VersionUpgrade{Step: 2, PatternGroup: 2}}, "1.4.3", true},
		{"不匹配的版本号", "v1.2", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, ok := bumpFirmwareVersion(tt.version, re, tt.upgrade)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, next)
			}
		})
	}
}

func TestSaveConfigurationFile_SkipsIdenticalContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "configurations", "cs.json")

	cf := &ConfigurationFile{
		ConfigurationKey: []ConfigurationKey{{Key: "HeartbeatInterval", Value: "60"}},
	}
	require.NoError(t, SaveConfigurationFile(path, cf, nil))

	first, err := os.Stat(path)
	require.NoError(t, err)

	// 内容未变时不重写文件
	again := &ConfigurationFile{
		ConfigurationKey: []ConfigurationKey{{Key: "HeartbeatInterval", Value: "60"}},
	}
	require.NoError(t, SaveConfigurationFile(path, again, nil))
	second, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, first.ModTime(), second.ModTime())

	// 落盘的内容带configurationHash
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var parsed ConfigurationFile
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.NotEmpty(t, parsed.ConfigurationHash)
}

func TestReconcile_BootStatus(t *testing.T) {
	path := writeTemplate(t, `{
	  "baseName": "CS-SIM",
	  "chargePointVendor": "SimVendor",
	  "chargePointModel": "SimModel",
	  "numberOfConnectors": 2,
	  "Connectors": {
	    "1": {"bootStatus": "Preparing"}
	  }
	}`)
	r := NewReconciler(nil, nil)

	plan, err := r.Reconcile(path, 0)
	require.NoError(t, err)

	require.Len(t, plan.Connectors, 3)
	require.NotNil(t, plan.Connectors[1].BootStatus)
	assert.Equal(t, ocpp16.ChargePointStatusPreparing, *plan.Connectors[1].BootStatus)
	assert.Nil(t, plan.Connectors[2].BootStatus)
}
