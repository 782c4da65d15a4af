package template

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/charging-platform/station-simulator/internal/cache"
	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/station-simulator/internal/electric"
	"github.com/charging-platform/station-simulator/internal/logger"
)

// Template 站点模板文档
type Template struct {
	BaseName   string  `json:"baseName"`
	NameSuffix *string `json:"nameSuffix,omitempty"`
	FixedName  *bool   `json:"fixedName,omitempty"`

	ChargePointVendor             string  `json:"chargePointVendor"`
	ChargePointModel              string  `json:"chargePointModel"`
	ChargeBoxSerialNumberPrefix   *string `json:"chargeBoxSerialNumberPrefix,omitempty"`
	ChargePointSerialNumberPrefix *string `json:"chargePointSerialNumberPrefix,omitempty"`
	MeterSerialNumberPrefix       *string `json:"meterSerialNumberPrefix,omitempty"`
	MeterType                     *string `json:"meterType,omitempty"`

	FirmwareVersion        string           `json:"firmwareVersion,omitempty"`
	FirmwareVersionPattern string           `json:"firmwareVersionPattern,omitempty"`
	FirmwareUpgrade        *FirmwareUpgrade `json:"firmwareUpgrade,omitempty"`

	OCPPVersion string `json:"ocppVersion,omitempty"`

	CurrentOutType  electric.CurrentType `json:"currentOutType,omitempty"`
	VoltageOut      float64              `json:"voltageOut,omitempty"`
	NumberOfPhases  int                  `json:"numberOfPhases,omitempty"`
	Power           float64              `json:"power,omitempty"`
	PowerUnit       string               `json:"powerUnit,omitempty"` // W 或 kW
	MaximumAmperage int                  `json:"maximumAmperage,omitempty"`

	NumberOfConnectors int                          `json:"numberOfConnectors,omitempty"`
	RandomConnectors   bool                         `json:"randomConnectors,omitempty"`
	UseConnectorId0    *bool                        `json:"useConnectorId0,omitempty"`
	Connectors         map[string]ConnectorTemplate `json:"Connectors,omitempty"`
	Evses              map[string]EvseTemplate      `json:"Evses,omitempty"`

	Configuration                 *ConfigurationSection `json:"Configuration,omitempty"`
	AutomaticTransactionGenerator *ATGConfiguration     `json:"AutomaticTransactionGenerator,omitempty"`

	SupervisionUrls                 []string `json:"supervisionUrls,omitempty"`
	SupervisionUser                 string   `json:"supervisionUser,omitempty"`
	SupervisionPassword             string   `json:"supervisionPassword,omitempty"`
	SupervisionUrlOcppConfiguration bool     `json:"supervisionUrlOcppConfiguration,omitempty"`
	SupervisionUrlOcppKey           string   `json:"supervisionUrlOcppKey,omitempty"`
	AmperageLimitationOcppKey       *string  `json:"amperageLimitationOcppKey,omitempty"`

	AutoRegister              bool `json:"autoRegister,omitempty"`
	RegistrationMaxRetries    *int `json:"registrationMaxRetries,omitempty"`
	AutoReconnectMaxRetries   *int `json:"autoReconnectMaxRetries,omitempty"`
	ReconnectExponentialDelay bool `json:"reconnectExponentialDelay,omitempty"`
	ConnectionTimeout         int  `json:"connectionTimeout,omitempty"` // 秒
	ResetTime                 int  `json:"resetTime,omitempty"`         // 秒
	WebSocketPingInterval     *int `json:"webSocketPingInterval,omitempty"`

	BeginEndMeterValues      bool `json:"beginEndMeterValues,omitempty"`
	OCPPStrictCompliance     bool `json:"ocppStrictCompliance,omitempty"`
	OutOfOrderEndMeterValues bool `json:"outOfOrderEndMeterValues,omitempty"`
	MeteringPerTransaction   bool `json:"meteringPerTransaction,omitempty"`

	StationInfoPersistentConfiguration *bool `json:"stationInfoPersistentConfiguration,omitempty"`
	OCPPPersistentConfiguration        *bool `json:"ocppPersistentConfiguration,omitempty"`
	ATGPersistentConfiguration         *bool `json:"automaticTransactionGeneratorPersistentConfiguration,omitempty"`

	EnableStatistics          bool   `json:"enableStatistics,omitempty"`
	StopTransactionsOnStopped *bool  `json:"stopTransactionsOnStopped,omitempty"`
	PowerSharedByConnectors   bool   `json:"powerSharedByConnectors,omitempty"`
	RandomSerialNumber        *bool  `json:"randomSerialNumber,omitempty"`
	RemoteAuthorization       *bool  `json:"remoteAuthorization,omitempty"`
	IdTagsFile                string `json:"idTagsFile,omitempty"`

	// 废弃字段，加载时重写到新字段并告警
	DeprecatedSupervisionUrl             string `json:"supervisionUrl,omitempty"`
	DeprecatedAuthorizationFile          string `json:"authorizationFile,omitempty"`
	DeprecatedPayloadSchemaValidation    *bool  `json:"payloadSchemaValidation,omitempty"`
	DeprecatedMustAuthorizeAtRemoteStart *bool  `json:"mustAuthorizeAtRemoteStart,omitempty"`
}

// FirmwareUpgrade 固件升级模拟配置
type FirmwareUpgrade struct {
	VersionUpgrade *VersionUpgrade `json:"versionUpgrade,omitempty"`
	Reset          *bool           `json:"reset,omitempty"`
}

// VersionUpgrade 版本号步进规则
type VersionUpgrade struct {
	Step         int `json:"step,omitempty"`
	PatternGroup int `json:"patternGroup,omitempty"`
}

// ConnectorTemplate 模板中的单个连接器
type ConnectorTemplate struct {
	BootStatus *ocpp16.ChargePointStatus `json:"bootStatus,omitempty"`
}

// EvseTemplate 模板中的单个EVSE
type EvseTemplate struct {
	Connectors map[string]ConnectorTemplate `json:"Connectors"`
}

// ConfigurationSection 模板中的OCPP配置段
type ConfigurationSection struct {
	ConfigurationKey []ConfigurationKey `json:"configurationKey,omitempty"`
}

// ConfigurationKey 单个OCPP配置键
type ConfigurationKey struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Readonly bool   `json:"readonly,omitempty"`
	Visible  *bool  `json:"visible,omitempty"`
	Reboot   bool   `json:"reboot,omitempty"`
}

// ATGConfiguration 自动交易生成器配置
type ATGConfiguration struct {
	Enable                         bool    `json:"enable"`
	MinDuration                    int     `json:"minDuration,omitempty"`                    // 秒
	MaxDuration                    int     `json:"maxDuration,omitempty"`                    // 秒
	MinDelayBetweenTwoTransactions int     `json:"minDelayBetweenTwoTransactions,omitempty"` // 秒
	MaxDelayBetweenTwoTransactions int     `json:"maxDelayBetweenTwoTransactions,omitempty"` // 秒
	ProbabilityOfStart             float64 `json:"probabilityOfStart,omitempty"`
	StopAfterHours                 float64 `json:"stopAfterHours,omitempty"`
	StopOnConnectionFailure        bool    `json:"stopOnConnectionFailure,omitempty"`
	RequireAuthorize               bool    `json:"requireAuthorize,omitempty"`
	IdTagDistribution              string  `json:"idTagDistribution,omitempty"` // random, round-robin
}

// LoadError 模板加载错误，启动时致命
type LoadError struct {
	File    string
	Message string
	Cause   error
}

// Error 实现error接口
func (e LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("template %s: %s: %v", e.File, e.Message, e.Cause)
	}
	return fmt.Sprintf("template %s: %s", e.File, e.Message)
}

// Load 读取并解析模板文件，返回模板与其内容哈希
// 解析结果按哈希进入进程级LRU缓存，多站点共享。
func Load(path string, fileCache *cache.LRUCache, log *logger.Logger) (*Template, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", LoadError{File: path, Message: "cannot read template file", Cause: err}
	}
	if len(data) == 0 {
		return nil, "", LoadError{File: path, Message: "template file is empty"}
	}

	hash, err := CanonicalHash(data)
	if err != nil {
		return nil, "", LoadError{File: path, Message: "cannot hash template content", Cause: err}
	}

	if fileCache != nil {
		if cached, ok := fileCache.Get(templateCacheKey(hash)); ok {
			return cached.(*Template), hash, nil
		}
	}

	var tmpl Template
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return nil, "", LoadError{File: path, Message: "cannot parse template JSON", Cause: err}
	}

	rewriteDeprecatedKeys(&tmpl, path, log)

	if fileCache != nil {
		fileCache.Set(templateCacheKey(hash), &tmpl, 0)
	}
	return &tmpl, hash, nil
}

func templateCacheKey(hash string) string {
	return "template:" + hash
}

// CanonicalHash 对JSON内容做规范化后计算SHA-256十六进制摘要
// 规范化通过decode/re-encode完成，对象键按字典序输出，消除空白差异。
func CanonicalHash(data []byte) (string, error) {
	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(parsed)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// rewriteDeprecatedKeys 把废弃字段搬运到新字段并告警
func rewriteDeprecatedKeys(tmpl *Template, path string, log *logger.Logger) {
	if log == nil {
		log = logger.Default()
	}

	if tmpl.DeprecatedSupervisionUrl != "" {
		log.Warnf("Template %s uses deprecated key 'supervisionUrl', use 'supervisionUrls' instead", path)
		if len(tmpl.SupervisionUrls) == 0 {
			tmpl.SupervisionUrls = []string{tmpl.DeprecatedSupervisionUrl}
		}
		tmpl.DeprecatedSupervisionUrl = ""
	}

	if tmpl.DeprecatedAuthorizationFile != "" {
		log.Warnf("Template %s uses deprecated key 'authorizationFile', use 'idTagsFile' instead", path)
		if tmpl.IdTagsFile == "" {
			tmpl.IdTagsFile = tmpl.DeprecatedAuthorizationFile
		}
		tmpl.DeprecatedAuthorizationFile = ""
	}

	if tmpl.DeprecatedMustAuthorizeAtRemoteStart != nil {
		log.Warnf("Template %s uses deprecated key 'mustAuthorizeAtRemoteStart', use 'remoteAuthorization' instead", path)
		if tmpl.RemoteAuthorization == nil {
			tmpl.RemoteAuthorization = tmpl.DeprecatedMustAuthorizeAtRemoteStart
		}
		tmpl.DeprecatedMustAuthorizeAtRemoteStart = nil
	}

	if tmpl.DeprecatedPayloadSchemaValidation != nil {
		log.Warnf("Template %s uses deprecated key 'payloadSchemaValidation', payload validation is always on", path)
		tmpl.DeprecatedPayloadSchemaValidation = nil
	}
}
