package statistics

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// 每条命令保留的耗时样本上限，超过后环形覆盖最旧样本
const defaultSampleCapacity = 256

// CommandStatistics 单条命令的统计项
type CommandStatistics struct {
	Command       string `json:"command"`
	RequestCount  int64  `json:"request_count"`
	ResponseCount int64  `json:"response_count"`
	ErrorCount    int64  `json:"error_count"`
	// MessageSize 该命令累计发送的载荷字节数
	MessageSize int64         `json:"message_size"`
	MinTime     time.Duration `json:"min_time"`
	MaxTime     time.Duration `json:"max_time"`
	AvgTime     time.Duration `json:"avg_time"`
	MedianTime  time.Duration `json:"median_time"`
	P95Time     time.Duration `json:"p95_time"`
	StdDevTime  time.Duration `json:"std_dev_time"`
}

// commandEntry 内部可变状态
type commandEntry struct {
	requestCount  int64
	responseCount int64
	errorCount    int64
	messageSize   int64

	samples []float64 // 毫秒，环形缓冲
	next    int
	full    bool
}

// Statistics 站点级性能统计
type Statistics struct {
	stationID string
	mutex     sync.RWMutex
	commands  map[string]*commandEntry
	capacity  int
}

// New 创建统计收集器
func New(stationID string) *Statistics {
	return &Statistics{
		stationID: stationID,
		commands:  make(map[string]*commandEntry),
		capacity:  defaultSampleCapacity,
	}
}

// StationID 所属站点
func (s *Statistics) StationID() string {
	return s.stationID
}

func (s *Statistics) entry(command string) *commandEntry {
	e, ok := s.commands[command]
	if !ok {
		e = &commandEntry{samples: make([]float64, 0, s.capacity)}
		s.commands[command] = e
	}
	return e
}

// AddRequest 记录一次请求发送
// messageSize按命令累计（对同一命令多次CALL取字节数之和）。
func (s *Statistics) AddRequest(command string, messageSize int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e := s.entry(command)
	e.requestCount++
	e.messageSize += int64(messageSize)
}

// AddResponse 记录一次响应及其耗时
func (s *Statistics) AddResponse(command string, elapsed time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e := s.entry(command)
	e.responseCount++
	e.addSample(elapsed, s.capacity)
}

// AddError 记录一次错误（CALLERROR或超时）
func (s *Statistics) AddError(command string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.entry(command).errorCount++
}

func (e *commandEntry) addSample(elapsed time.Duration, capacity int) {
	ms := float64(elapsed) / float64(time.Millisecond)
	if len(e.samples) < capacity {
		e.samples = append(e.samples, ms)
		return
	}
	e.samples[e.next] = ms
	e.next = (e.next + 1) % capacity
	e.full = true
}

// Snapshot 导出全部命令的统计快照
func (s *Statistics) Snapshot() []CommandStatistics {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]CommandStatistics, 0, len(s.commands))
	for command, e := range s.commands {
		cs := CommandStatistics{
			Command:       command,
			RequestCount:  e.requestCount,
			ResponseCount: e.responseCount,
			ErrorCount:    e.errorCount,
			MessageSize:   e.messageSize,
		}

		if len(e.samples) > 0 {
			data := stats.Float64Data(e.samples)
			if v, err := data.Min(); err == nil {
				cs.MinTime = msToDuration(v)
			}
			if v, err := data.Max(); err == nil {
				cs.MaxTime = msToDuration(v)
			}
			if v, err := data.Mean(); err == nil {
				cs.AvgTime = msToDuration(v)
			}
			if v, err := data.Median(); err == nil {
				cs.MedianTime = msToDuration(v)
			}
			if v, err := data.Percentile(95); err == nil {
				cs.P95Time = msToDuration(v)
			}
			if v, err := data.StandardDeviation(); err == nil {
				cs.StdDevTime = msToDuration(v)
			}
		}

		result = append(result, cs)
	}
	return result
}

// Get 获取单条命令的统计快照
func (s *Statistics) Get(command string) (CommandStatistics, bool) {
	for _, cs := range s.Snapshot() {
		if cs.Command == command {
			return cs, true
		}
	}
	return CommandStatistics{}, false
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
