package template

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charging-platform/station-simulator/internal/cache"
	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/station-simulator/internal/electric"
	"github.com/charging-platform/station-simulator/internal/logger"
)

// 未显式配置时的默认值
const (
	defaultFirmwareVersionPattern  = `^(\d+)\.(\d+)\.(\d+)$`
	defaultVoltageOut              = float64(electric.Voltage230)
	defaultNumberOfPhases          = 3
	defaultNumberOfConnectors      = 1
	defaultRegistrationMaxRetries  = -1 // 无限
	defaultAutoReconnectMaxRetries = -1 // 无限
	defaultConnectionTimeout       = 30 * time.Second
	defaultResetTime               = 60 * time.Second
	defaultWebSocketPingInterval   = 60 * time.Second
	serialSuffixBytes              = 4
)

// StationInfo 模板与持久化配置调和后的站点完整画像
type StationInfo struct {
	HashID        string `json:"hashId"`
	StationID     string `json:"chargingStationId"`
	TemplateFile  string `json:"-"`
	TemplateIndex int    `json:"-"`
	TemplateHash  string `json:"templateHash"`

	ChargePointVendor       string  `json:"chargePointVendor"`
	ChargePointModel        string  `json:"chargePointModel"`
	ChargePointSerialNumber *string `json:"chargePointSerialNumber,omitempty"`
	ChargeBoxSerialNumber   *string `json:"chargeBoxSerialNumber,omitempty"`
	MeterSerialNumber       *string `json:"meterSerialNumber,omitempty"`
	MeterType               *string `json:"meterType,omitempty"`

	FirmwareVersion        string                 `json:"firmwareVersion,omitempty"`
	FirmwareVersionPattern string                 `json:"firmwareVersionPattern,omitempty"`
	FirmwareStatus         ocpp16.FirmwareStatus  `json:"firmwareStatus,omitempty"`
	FirmwareUpgrade        *FirmwareUpgrade       `json:"firmwareUpgrade,omitempty"`

	OCPPVersion string `json:"ocppVersion"`

	CurrentOutType  electric.CurrentType `json:"currentOutType"`
	VoltageOut      float64              `json:"voltageOut"`
	NumberOfPhases  int                  `json:"numberOfPhases"`
	MaximumPower    float64              `json:"maximumPower"` // 瓦
	MaximumAmperage int                  `json:"maximumAmperage"`

	UseConnectorID0         bool `json:"useConnectorId0"`
	RandomConnectors        bool `json:"randomConnectors,omitempty"`
	PowerSharedByConnectors bool `json:"powerSharedByConnectors,omitempty"`

	BeginEndMeterValues      bool `json:"beginEndMeterValues,omitempty"`
	OCPPStrictCompliance     bool `json:"ocppStrictCompliance,omitempty"`
	OutOfOrderEndMeterValues bool `json:"outOfOrderEndMeterValues,omitempty"`
	MeteringPerTransaction   bool `json:"meteringPerTransaction,omitempty"`

	AutoRegister              bool          `json:"autoRegister,omitempty"`
	RegistrationMaxRetries    int           `json:"registrationMaxRetries"`
	AutoReconnectMaxRetries   int           `json:"autoReconnectMaxRetries"`
	ReconnectExponentialDelay bool          `json:"reconnectExponentialDelay,omitempty"`
	ConnectionTimeout         time.Duration `json:"-"`
	ResetTime                 time.Duration `json:"-"`
	WebSocketPingInterval     time.Duration `json:"-"`

	SupervisionURLs                 []string `json:"supervisionUrls,omitempty"`
	SupervisionUser                 string   `json:"-"`
	SupervisionPassword             string   `json:"-"`
	SupervisionUrlOcppConfiguration bool     `json:"supervisionUrlOcppConfiguration,omitempty"`
	SupervisionUrlOcppKey           string   `json:"supervisionUrlOcppKey,omitempty"`
	AmperageLimitationOcppKey       *string  `json:"amperageLimitationOcppKey,omitempty"`

	StationInfoPersistentConfiguration bool `json:"-"`
	OCPPPersistentConfiguration        bool `json:"-"`
	ATGPersistentConfiguration         bool `json:"-"`

	EnableStatistics          bool   `json:"enableStatistics,omitempty"`
	StopTransactionsOnStopped bool   `json:"stopTransactionsOnStopped"`
	RemoteAuthorization       bool   `json:"remoteAuthorization"`
	IdTagsFile                string `json:"idTagsFile,omitempty"`
}

// ConnectorPlan 调和后的连接器布局，evseID为0表示非EVSE布局
type ConnectorPlan struct {
	ConnectorID int
	EvseID      int
	BootStatus  *ocpp16.ChargePointStatus
}

// StationPlan 一个站点实例的启动物料
type StationPlan struct {
	Info       *StationInfo
	Connectors []ConnectorPlan
	ATG        *ATGConfiguration
	// ConfigurationKeys 模板默认值与持久化值合并后的OCPP配置键
	ConfigurationKeys []ConfigurationKey
}

// Reconciler 把模板文件展开为可运行的站点画像
type Reconciler struct {
	fileCache *cache.LRUCache
	log       *logger.Logger
}

// NewReconciler 创建模板调和器
func NewReconciler(fileCache *cache.LRUCache, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.Default()
	}
	return &Reconciler{fileCache: fileCache, log: log}
}

// Reconcile 加载模板并合并持久化配置，产出第index个站点实例的启动物料
// 持久化配置中的显式值优先于模板默认值；模板哈希变化时持久化值整体失效。
func (r *Reconciler) Reconcile(templateFile string, index int) (*StationPlan, error) {
	tmpl, templateHash, err := Load(templateFile, r.fileCache, r.log)
	if err != nil {
		return nil, err
	}

	if len(tmpl.Connectors) > 0 && len(tmpl.Evses) > 0 {
		return nil, LoadError{File: templateFile, Message: "template declares both Connectors and Evses, exactly one is required"}
	}

	info := r.buildStationInfo(tmpl, templateFile, templateHash, index)

	persisted, err := LoadConfigurationFile(configurationFilePath(templateFile, info.StationID), r.log)
	if err != nil {
		return nil, err
	}
	if persisted != nil && persisted.StationInfo != nil && persisted.StationInfo.TemplateHash == templateHash {
		mergePersistedStationInfo(info, persisted.StationInfo)
	} else if persisted != nil && persisted.StationInfo != nil {
		r.log.Warnf("Template %s changed since last run of %s, discarding persisted station info", templateFile, info.StationID)
		propagateSerialNumbers(info, persisted.StationInfo, tmpl)
		persisted = nil
	}

	r.validateFirmware(info, templateFile)

	connectors, err := r.buildConnectorPlan(tmpl, templateFile)
	if err != nil {
		return nil, err
	}

	keys := mergeConfigurationKeys(tmpl, persisted, info)

	var atg *ATGConfiguration
	if tmpl.AutomaticTransactionGenerator != nil {
		atgCopy := *tmpl.AutomaticTransactionGenerator
		atg = &atgCopy
	}

	return &StationPlan{
		Info:              info,
		Connectors:        connectors,
		ATG:               atg,
		ConfigurationKeys: keys,
	}, nil
}

func (r *Reconciler) buildStationInfo(tmpl *Template, templateFile, templateHash string, index int) *StationInfo {
	info := &StationInfo{
		TemplateFile:  templateFile,
		TemplateIndex: index,
		TemplateHash:  templateHash,

		ChargePointVendor: tmpl.ChargePointVendor,
		ChargePointModel:  tmpl.ChargePointModel,
		MeterType:         tmpl.MeterType,

		FirmwareVersion:        tmpl.FirmwareVersion,
		FirmwareVersionPattern: tmpl.FirmwareVersionPattern,
		FirmwareStatus:         ocpp16.FirmwareStatusIdle,
		FirmwareUpgrade:        tmpl.FirmwareUpgrade,

		OCPPVersion: tmpl.OCPPVersion,

		CurrentOutType: tmpl.CurrentOutType,
		VoltageOut:     tmpl.VoltageOut,
		NumberOfPhases: tmpl.NumberOfPhases,

		RandomConnectors:        tmpl.RandomConnectors,
		PowerSharedByConnectors: tmpl.PowerSharedByConnectors,

		BeginEndMeterValues:      tmpl.BeginEndMeterValues,
		OCPPStrictCompliance:     tmpl.OCPPStrictCompliance,
		OutOfOrderEndMeterValues: tmpl.OutOfOrderEndMeterValues,
		MeteringPerTransaction:   tmpl.MeteringPerTransaction,

		AutoRegister:              tmpl.AutoRegister,
		ReconnectExponentialDelay: tmpl.ReconnectExponentialDelay,

		SupervisionURLs:                 tmpl.SupervisionUrls,
		SupervisionUser:                 tmpl.SupervisionUser,
		SupervisionPassword:             tmpl.SupervisionPassword,
		SupervisionUrlOcppConfiguration: tmpl.SupervisionUrlOcppConfiguration,
		SupervisionUrlOcppKey:           tmpl.SupervisionUrlOcppKey,
		AmperageLimitationOcppKey:       tmpl.AmperageLimitationOcppKey,

		EnableStatistics: tmpl.EnableStatistics,
		IdTagsFile:       tmpl.IdTagsFile,
	}

	if info.OCPPVersion == "" {
		info.OCPPVersion = "1.6"
	}
	if info.FirmwareVersionPattern == "" {
		info.FirmwareVersionPattern = defaultFirmwareVersionPattern
	}
	if info.CurrentOutType == "" {
		info.CurrentOutType = electric.CurrentTypeAC
	}
	if info.VoltageOut == 0 {
		if info.CurrentOutType == electric.CurrentTypeDC {
			info.VoltageOut = float64(electric.Voltage400)
		} else {
			info.VoltageOut = defaultVoltageOut
		}
	}
	if info.NumberOfPhases == 0 {
		if info.CurrentOutType == electric.CurrentTypeDC {
			info.NumberOfPhases = 0
		} else {
			info.NumberOfPhases = defaultNumberOfPhases
		}
	}

	// 功率与电流互推，模板给哪个都行
	power := tmpl.Power
	if strings.EqualFold(tmpl.PowerUnit, "kW") {
		power *= 1000
	}
	info.MaximumPower = power
	info.MaximumAmperage = tmpl.MaximumAmperage
	if info.MaximumPower == 0 && info.MaximumAmperage > 0 {
		info.MaximumPower = electric.AmpsToWatts(float64(info.MaximumAmperage), info.CurrentOutType, info.VoltageOut, info.NumberOfPhases)
	}
	if info.MaximumAmperage == 0 && info.MaximumPower > 0 {
		info.MaximumAmperage = electric.AmperageFromPower(info.MaximumPower, info.CurrentOutType, info.VoltageOut, info.NumberOfPhases)
	}

	info.UseConnectorID0 = true
	if tmpl.UseConnectorId0 != nil {
		info.UseConnectorID0 = *tmpl.UseConnectorId0
	}

	info.RegistrationMaxRetries = defaultRegistrationMaxRetries
	if tmpl.RegistrationMaxRetries != nil {
		info.RegistrationMaxRetries = *tmpl.RegistrationMaxRetries
	}
	info.AutoReconnectMaxRetries = defaultAutoReconnectMaxRetries
	if tmpl.AutoReconnectMaxRetries != nil {
		info.AutoReconnectMaxRetries = *tmpl.AutoReconnectMaxRetries
	}

	info.ConnectionTimeout = defaultConnectionTimeout
	if tmpl.ConnectionTimeout > 0 {
		info.ConnectionTimeout = time.Duration(tmpl.ConnectionTimeout) * time.Second
	}
	info.ResetTime = defaultResetTime
	if tmpl.ResetTime > 0 {
		info.ResetTime = time.Duration(tmpl.ResetTime) * time.Second
	}
	info.WebSocketPingInterval = defaultWebSocketPingInterval
	if tmpl.WebSocketPingInterval != nil {
		info.WebSocketPingInterval = time.Duration(*tmpl.WebSocketPingInterval) * time.Second
	}

	info.StopTransactionsOnStopped = true
	if tmpl.StopTransactionsOnStopped != nil {
		info.StopTransactionsOnStopped = *tmpl.StopTransactionsOnStopped
	}
	info.RemoteAuthorization = true
	if tmpl.RemoteAuthorization != nil {
		info.RemoteAuthorization = *tmpl.RemoteAuthorization
	}

	info.StationInfoPersistentConfiguration = true
	if tmpl.StationInfoPersistentConfiguration != nil {
		info.StationInfoPersistentConfiguration = *tmpl.StationInfoPersistentConfiguration
	}
	info.OCPPPersistentConfiguration = true
	if tmpl.OCPPPersistentConfiguration != nil {
		info.OCPPPersistentConfiguration = *tmpl.OCPPPersistentConfiguration
	}
	info.ATGPersistentConfiguration = true
	if tmpl.ATGPersistentConfiguration != nil {
		info.ATGPersistentConfiguration = *tmpl.ATGPersistentConfiguration
	}

	info.StationID = stationName(tmpl, index)
	info.HashID = hashID(info.StationID, templateHash)

	randomSerial := true
	if tmpl.RandomSerialNumber != nil {
		randomSerial = *tmpl.RandomSerialNumber
	}
	info.ChargePointSerialNumber = serialNumber(tmpl.ChargePointSerialNumberPrefix, randomSerial)
	info.ChargeBoxSerialNumber = serialNumber(tmpl.ChargeBoxSerialNumberPrefix, randomSerial)
	info.MeterSerialNumber = serialNumber(tmpl.MeterSerialNumberPrefix, randomSerial)

	return info
}

// stationName 生成站点名：固定名直接用baseName，否则baseName-序号[后缀]
// 部署实例序号（CF_INSTANCE_INDEX）参与命名避免多副本冲突。
func stationName(tmpl *Template, index int) string {
	fixed := tmpl.FixedName != nil && *tmpl.FixedName
	if fixed {
		return tmpl.BaseName
	}

	name := fmt.Sprintf("%s-%05d", tmpl.BaseName, index)
	if instance := os.Getenv("CF_INSTANCE_INDEX"); instance != "" {
		name = fmt.Sprintf("%s-%s-%05d", tmpl.BaseName, instance, index)
	}
	if tmpl.NameSuffix != nil {
		name += *tmpl.NameSuffix
	}
	return name
}

func hashID(stationID, templateHash string) string {
	h, _ := CanonicalHash([]byte(strconv.Quote(stationID + ":" + templateHash)))
	return h
}

// serialNumber 前缀加随机十六进制后缀；关闭随机时直接用前缀
func serialNumber(prefix *string, random bool) *string {
	if prefix == nil {
		return nil
	}
	if !random {
		value := *prefix
		return &value
	}
	buf := make([]byte, serialSuffixBytes)
	if _, err := rand.Read(buf); err != nil {
		value := *prefix
		return &value
	}
	value := *prefix + strings.ToUpper(hex.EncodeToString(buf))
	return &value
}

// validateFirmware 校验固件版本号是否匹配模板声明的正则，不匹配只告警
// 上次运行停在Installing状态时，按升级规则推进版本号并复位状态。
func (r *Reconciler) validateFirmware(info *StationInfo, templateFile string) {
	re, err := regexp.Compile(info.FirmwareVersionPattern)
	if err != nil {
		r.log.Warnf("Template %s has invalid firmwareVersionPattern %q: %v", templateFile, info.FirmwareVersionPattern, err)
		return
	}
	if info.FirmwareVersion != "" && !re.MatchString(info.FirmwareVersion) {
		r.log.Warnf("Template %s firmware version %q does not match pattern %q", templateFile, info.FirmwareVersion, info.FirmwareVersionPattern)
	}

	if info.FirmwareStatus == ocpp16.FirmwareStatusInstalling {
		if next, ok := bumpFirmwareVersion(info.FirmwareVersion, re, info.FirmwareUpgrade); ok {
			r.log.Infof("Station %s completes simulated firmware install: %s -> %s", info.StationID, info.FirmwareVersion, next)
			info.FirmwareVersion = next
		}
		info.FirmwareStatus = ocpp16.FirmwareStatusInstalled
	}
}

// bumpFirmwareVersion 按patternGroup对应的捕获组步进版本号
func bumpFirmwareVersion(version string, re *regexp.Regexp, upgrade *FirmwareUpgrade) (string, bool) {
	step := 1
	group := re.NumSubexp()
	if upgrade != nil && upgrade.VersionUpgrade != nil {
		if upgrade.VersionUpgrade.Step > 0 {
			step = upgrade.VersionUpgrade.Step
		}
		if upgrade.VersionUpgrade.PatternGroup > 0 {
			group = upgrade.VersionUpgrade.PatternGroup
		}
	}

	match := re.FindStringSubmatchIndex(version)
	if match == nil || group < 1 || group > re.NumSubexp() {
		return "", false
	}
	start, end := match[2*group], match[2*group+1]
	if start < 0 {
		return "", false
	}
	current, err := strconv.Atoi(version[start:end])
	if err != nil {
		return "", false
	}
	return version[:start] + strconv.Itoa(current+step) + version[end:], true
}

// buildConnectorPlan 展开连接器布局
// 模板要么给Connectors（含0号为站级），要么给Evses，不声明时按numberOfConnectors生成。
func (r *Reconciler) buildConnectorPlan(tmpl *Template, templateFile string) ([]ConnectorPlan, error) {
	if len(tmpl.Evses) > 0 {
		return expandEvses(tmpl, templateFile)
	}

	count := tmpl.NumberOfConnectors
	declared := declaredConnectorIDs(tmpl.Connectors)
	if count == 0 {
		for _, id := range declared {
			if id > count {
				count = id
			}
		}
	}
	if count == 0 {
		count = defaultNumberOfConnectors
	}

	plans := make([]ConnectorPlan, 0, count+1)
	useID0 := tmpl.UseConnectorId0 == nil || *tmpl.UseConnectorId0
	if useID0 {
		plans = append(plans, ConnectorPlan{ConnectorID: 0, BootStatus: connectorBootStatus(tmpl.Connectors, 0)})
	}
	for id := 1; id <= count; id++ {
		source := id
		if tmpl.RandomConnectors && len(declared) > 0 {
			source = declared[(id-1)%len(declared)]
			if source == 0 && len(declared) > 1 {
				source = declared[id%len(declared)]
			}
		}
		plans = append(plans, ConnectorPlan{ConnectorID: id, BootStatus: connectorBootStatus(tmpl.Connectors, source)})
	}
	return plans, nil
}

func expandEvses(tmpl *Template, templateFile string) ([]ConnectorPlan, error) {
	evseIDs := make([]int, 0, len(tmpl.Evses))
	for raw := range tmpl.Evses {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return nil, LoadError{File: templateFile, Message: fmt.Sprintf("invalid EVSE id %q", raw), Cause: err}
		}
		evseIDs = append(evseIDs, id)
	}
	sort.Ints(evseIDs)

	plans := make([]ConnectorPlan, 0)
	nextConnectorID := 1
	for _, evseID := range evseIDs {
		evse := tmpl.Evses[strconv.Itoa(evseID)]
		if evseID == 0 {
			plans = append(plans, ConnectorPlan{ConnectorID: 0, EvseID: 0, BootStatus: connectorBootStatus(evse.Connectors, 0)})
			continue
		}
		connIDs := declaredConnectorIDs(evse.Connectors)
		if len(connIDs) == 0 {
			connIDs = []int{1}
		}
		for _, local := range connIDs {
			plans = append(plans, ConnectorPlan{
				ConnectorID: nextConnectorID,
				EvseID:      evseID,
				BootStatus:  connectorBootStatus(evse.Connectors, local),
			})
			nextConnectorID++
		}
	}
	return plans, nil
}

func declaredConnectorIDs(connectors map[string]ConnectorTemplate) []int {
	ids := make([]int, 0, len(connectors))
	for raw := range connectors {
		if id, err := strconv.Atoi(raw); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

func connectorBootStatus(connectors map[string]ConnectorTemplate, id int) *ocpp16.ChargePointStatus {
	if connectors == nil {
		return nil
	}
	if c, ok := connectors[strconv.Itoa(id)]; ok {
		return c.BootStatus
	}
	return nil
}

// mergePersistedStationInfo 持久化的显式值覆盖模板默认值
// 序列号在重启间保持稳定靠的就是这里。
func mergePersistedStationInfo(info *StationInfo, persisted *StationInfo) {
	if persisted.ChargePointSerialNumber != nil {
		info.ChargePointSerialNumber = persisted.ChargePointSerialNumber
	}
	if persisted.ChargeBoxSerialNumber != nil {
		info.ChargeBoxSerialNumber = persisted.ChargeBoxSerialNumber
	}
	if persisted.MeterSerialNumber != nil {
		info.MeterSerialNumber = persisted.MeterSerialNumber
	}
	if persisted.FirmwareVersion != "" {
		info.FirmwareVersion = persisted.FirmwareVersion
	}
	if persisted.FirmwareStatus != "" {
		info.FirmwareStatus = persisted.FirmwareStatus
	}
	if persisted.HashID != "" {
		info.HashID = persisted.HashID
	}
}

// propagateSerialNumbers 模板变化后保留前缀未变的序列号
// 前缀变了的序列号用新生成的。
func propagateSerialNumbers(info *StationInfo, persisted *StationInfo, tmpl *Template) {
	if keep := carriedSerial(persisted.ChargePointSerialNumber, tmpl.ChargePointSerialNumberPrefix); keep != nil {
		info.ChargePointSerialNumber = keep
	}
	if keep := carriedSerial(persisted.ChargeBoxSerialNumber, tmpl.ChargeBoxSerialNumberPrefix); keep != nil {
		info.ChargeBoxSerialNumber = keep
	}
	if keep := carriedSerial(persisted.MeterSerialNumber, tmpl.MeterSerialNumberPrefix); keep != nil {
		info.MeterSerialNumber = keep
	}
}

// carriedSerial 持久化序列号仍匹配模板前缀时返回它
func carriedSerial(persisted *string, prefix *string) *string {
	if persisted == nil || prefix == nil || !strings.HasPrefix(*persisted, *prefix) {
		return nil
	}
	return persisted
}

// mergeConfigurationKeys 模板配置键为底，持久化值覆盖
// 持久化文件中多出的键保留，模板删除键需人工清理配置文件。
func mergeConfigurationKeys(tmpl *Template, persisted *ConfigurationFile, info *StationInfo) []ConfigurationKey {
	merged := make(map[string]ConfigurationKey)
	order := make([]string, 0)

	if tmpl.Configuration != nil {
		for _, key := range tmpl.Configuration.ConfigurationKey {
			if _, ok := merged[key.Key]; !ok {
				order = append(order, key.Key)
			}
			merged[key.Key] = key
		}
	}

	if persisted != nil && info.OCPPPersistentConfiguration {
		for _, key := range persisted.ConfigurationKey {
			if existing, ok := merged[key.Key]; ok {
				existing.Value = key.Value
				merged[key.Key] = existing
			} else {
				order = append(order, key.Key)
				merged[key.Key] = key
			}
		}
	}

	result := make([]ConfigurationKey, 0, len(order))
	for _, name := range order {
		result = append(result, merged[name])
	}
	return result
}
