package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config 模拟器进程配置
type Config struct {
	SupervisionURLs []string         `mapstructure:"supervision_urls"`
	Stations        []StationEntry   `mapstructure:"stations"`
	Log             LogConfig        `mapstructure:"log"`
	Metrics         MetricsConfig    `mapstructure:"metrics"`
	Statistics      StatisticsConfig `mapstructure:"statistics"`
	Kafka           KafkaConfig      `mapstructure:"kafka"`
	Redis           RedisConfig      `mapstructure:"redis"`
	OCPP            OCPPConfig       `mapstructure:"ocpp"`
}

// StationEntry 要启动的站点模板及实例数
type StationEntry struct {
	TemplateFile     string `mapstructure:"template_file"`
	NumberOfStations int    `mapstructure:"number_of_stations"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
	Async  bool   `mapstructure:"async"`
}

// MetricsConfig 监控指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// StatisticsConfig 性能统计配置
type StatisticsConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	SinkType      string        `mapstructure:"sink_type"` // none, file, redis
	FileDir       string        `mapstructure:"file_dir"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// KafkaConfig 生命周期事件发布配置
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// RedisConfig Redis配置（统计落地用）
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// OCPPConfig OCPP协议配置
type OCPPConfig struct {
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	BufferFlushInterval   time.Duration `mapstructure:"buffer_flush_interval"`
	ConnectionTimeout     time.Duration `mapstructure:"connection_timeout"`
	WebSocketPingInterval time.Duration `mapstructure:"websocket_ping_interval"`
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.SupervisionURLs) == 0 {
		return nil, fmt.Errorf("at least one supervision URL is required")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("statistics.enabled", false)
	v.SetDefault("statistics.sink_type", "file")
	v.SetDefault("statistics.file_dir", "statistics")
	v.SetDefault("statistics.flush_interval", time.Minute)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "station-lifecycle-events")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("ocpp.request_timeout", 30*time.Second)
	v.SetDefault("ocpp.buffer_flush_interval", time.Minute)
	v.SetDefault("ocpp.connection_timeout", 30*time.Second)
	v.SetDefault("ocpp.websocket_ping_interval", 30*time.Second)
}
