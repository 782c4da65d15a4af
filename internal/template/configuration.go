package template

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charging-platform/station-simulator/internal/logger"
)

// ConfigurationFile 站点在重启间保留的持久化状态
type ConfigurationFile struct {
	// ConfigurationHash 除本字段外全部内容的规范化摘要，内容未变时跳过写盘
	ConfigurationHash string `json:"configurationHash,omitempty"`

	StationInfo      *StationInfo       `json:"stationInfo,omitempty"`
	ConfigurationKey []ConfigurationKey `json:"configurationKey,omitempty"`

	AutomaticTransactionGenerator         *ATGConfiguration `json:"automaticTransactionGenerator,omitempty"`
	AutomaticTransactionGeneratorStatuses []ATGStatus       `json:"automaticTransactionGeneratorStatuses,omitempty"`
}

// ATGStatus 自动交易生成器的逐连接器运行计数
type ATGStatus struct {
	ConnectorID               int   `json:"connectorId"`
	Start                     bool  `json:"start"`
	AcceptedStartTransactions int64 `json:"acceptedStartTransactionRequests"`
	RejectedStartTransactions int64 `json:"rejectedStartTransactionRequests"`
	AcceptedStopTransactions  int64 `json:"acceptedStopTransactionRequests"`
	RejectedStopTransactions  int64 `json:"rejectedStopTransactionRequests"`
	StartedTransactions       int64 `json:"startedTransactions"`
	StoppedTransactions       int64 `json:"stoppedTransactions"`
}

// 同一配置文件的读写互斥，多个站点可能共享目录
var configurationFileMutexes sync.Map

func configurationFileMutex(path string) *sync.Mutex {
	m, _ := configurationFileMutexes.LoadOrStore(path, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// configurationFilePath 模板文件旁的configurations目录，按站点一个文件
func configurationFilePath(templateFile, stationID string) string {
	dir := filepath.Join(filepath.Dir(templateFile), "configurations")
	base := strings.TrimSuffix(filepath.Base(templateFile), filepath.Ext(templateFile))
	return filepath.Join(dir, base+"-"+stationID+".json")
}

// ConfigurationFilePath 暴露给station包用于保存
func ConfigurationFilePath(templateFile, stationID string) string {
	return configurationFilePath(templateFile, stationID)
}

// LoadConfigurationFile 读取持久化配置，不存在返回nil不报错
func LoadConfigurationFile(path string, log *logger.Logger) (*ConfigurationFile, error) {
	mu := configurationFileMutex(path)
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, LoadError{File: path, Message: "cannot read configuration file", Cause: err}
	}
	if len(data) == 0 {
		return nil, nil
	}

	var cf ConfigurationFile
	if err := json.Unmarshal(data, &cf); err != nil {
		if log == nil {
			log = logger.Default()
		}
		log.Warnf("Configuration file %s is corrupt, starting fresh: %v", path, err)
		return nil, nil
	}
	return &cf, nil
}

// SaveConfigurationFile 写出持久化配置
// 先按去掉configurationHash的内容计算摘要，与上次相同则不落盘。
func SaveConfigurationFile(path string, cf *ConfigurationFile, log *logger.Logger) error {
	if log == nil {
		log = logger.Default()
	}

	mu := configurationFileMutex(path)
	mu.Lock()
	defer mu.Unlock()

	hash, err := configurationHash(cf)
	if err != nil {
		return LoadError{File: path, Message: "cannot hash configuration content", Cause: err}
	}

	if previous, err := os.ReadFile(path); err == nil {
		var existing ConfigurationFile
		if json.Unmarshal(previous, &existing) == nil && existing.ConfigurationHash == hash {
			return nil
		}
	}

	cf.ConfigurationHash = hash
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return LoadError{File: path, Message: "cannot marshal configuration content", Cause: err}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return LoadError{File: path, Message: "cannot create configurations directory", Cause: err}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return LoadError{File: path, Message: "cannot write configuration file", Cause: err}
	}
	log.Debugf("Configuration file %s saved", path)
	return nil
}

func configurationHash(cf *ConfigurationFile) (string, error) {
	clone := *cf
	clone.ConfigurationHash = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return "", err
	}
	return CanonicalHash(data)
}
