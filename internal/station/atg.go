package station

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/station-simulator/internal/logger"
	"github.com/charging-platform/station-simulator/internal/template"
)

// ATG默认参数，秒
const (
	atgDefaultMinDuration = 60
	atgDefaultMaxDuration = 120
	atgDefaultMinDelay    = 30
	atgDefaultMaxDelay    = 60
)

// TransactionGenerator 自动交易生成器
// 每个可充电连接器一个工作协程，在随机间隔后发起随机时长的交易。
type TransactionGenerator struct {
	station *Station
	config  *template.ATGConfiguration
	log     *logger.Logger

	idTags     []string
	nextTagIdx int
	tagMutex   sync.Mutex

	statusMutex sync.Mutex
	statuses    map[int]*template.ATGStatus

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransactionGenerator 创建生成器
func NewTransactionGenerator(station *Station, config *template.ATGConfiguration, log *logger.Logger) *TransactionGenerator {
	if log == nil {
		log = logger.Default()
	}
	g := &TransactionGenerator{
		station:  station,
		config:   config,
		log:      log,
		statuses: make(map[int]*template.ATGStatus),
	}
	g.idTags = loadIdTags(station.Info().IdTagsFile, log)
	return g
}

// loadIdTags 从idTagsFile读取授权标签，一行一个，没有文件时用生成的标签
func loadIdTags(path string, log *logger.Logger) []string {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("Cannot read id tags file %s: %v", path, err)
		} else {
			var tags []string
			for _, line := range strings.Split(string(data), "\n") {
				line = strings.TrimSpace(line)
				if line != "" && !strings.HasPrefix(line, "#") {
					tags = append(tags, line)
				}
			}
			if len(tags) > 0 {
				return tags
			}
		}
	}

	tags := make([]string, 8)
	for i := range tags {
		tags[i] = fmt.Sprintf("SIMTAG%08d", i+1)
	}
	return tags
}

// Start 为每个可充电连接器启动工作协程
func (g *TransactionGenerator) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	g.cancel = cancel

	var deadline time.Time
	if g.config.StopAfterHours > 0 {
		deadline = time.Now().Add(time.Duration(g.config.StopAfterHours * float64(time.Hour)))
	}

	for _, id := range g.station.connectorIDs {
		if id == 0 {
			continue
		}
		g.statusFor(id).Start = true
		g.wg.Add(1)
		go g.connectorLoop(ctx, id, deadline)
	}
	g.log.Infof("Automatic transaction generator started")
}

// Stop 停止全部工作协程
func (g *TransactionGenerator) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()

	g.statusMutex.Lock()
	for _, st := range g.statuses {
		st.Start = false
	}
	g.statusMutex.Unlock()
}

// Statuses 逐连接器的运行计数，持久化用
func (g *TransactionGenerator) Statuses() []template.ATGStatus {
	g.statusMutex.Lock()
	defer g.statusMutex.Unlock()

	result := make([]template.ATGStatus, 0, len(g.statuses))
	for _, st := range g.statuses {
		result = append(result, *st)
	}
	return result
}

func (g *TransactionGenerator) statusFor(connectorID int) *template.ATGStatus {
	g.statusMutex.Lock()
	defer g.statusMutex.Unlock()

	st, ok := g.statuses[connectorID]
	if !ok {
		st = &template.ATGStatus{ConnectorID: connectorID}
		g.statuses[connectorID] = st
	}
	return st
}

// connectorLoop 单个连接器的交易循环
func (g *TransactionGenerator) connectorLoop(ctx context.Context, connectorID int, deadline time.Time) {
	defer g.wg.Done()

	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			g.log.Infof("ATG on connector %d reached stopAfterHours, stopping", connectorID)
			return
		}

		delay := randomSeconds(g.config.MinDelayBetweenTwoTransactions, g.config.MaxDelayBetweenTwoTransactions,
			atgDefaultMinDelay, atgDefaultMaxDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if g.config.ProbabilityOfStart > 0 && rand.Float64() > g.config.ProbabilityOfStart {
			continue
		}
		if !g.station.engine.IsRegistrationAccepted() {
			if g.config.StopOnConnectionFailure {
				return
			}
			continue
		}

		g.runTransaction(ctx, connectorID)
	}
}

// runTransaction 执行一笔交易
func (g *TransactionGenerator) runTransaction(ctx context.Context, connectorID int) {
	idTag := g.nextIdTag()
	st := g.statusFor(connectorID)

	if g.config.RequireAuthorize {
		authorized := make(chan bool, 1)
		g.station.Authorize(idTag, func(info *ocpp16.IdTagInfo, err error) {
			authorized <- err == nil && info.Status == ocpp16.AuthorizationStatusAccepted
		})
		select {
		case <-ctx.Done():
			return
		case ok := <-authorized:
			if !ok {
				g.log.Debugf("ATG id tag %s not authorized on connector %d", idTag, connectorID)
				return
			}
		}
	}

	if err := g.station.BeginTransaction(connectorID, idTag); err != nil {
		g.statusMutex.Lock()
		st.RejectedStartTransactions++
		g.statusMutex.Unlock()
		g.log.Debugf("ATG start on connector %d rejected: %v", connectorID, err)
		return
	}
	g.statusMutex.Lock()
	st.AcceptedStartTransactions++
	st.StartedTransactions++
	g.statusMutex.Unlock()

	duration := randomSeconds(g.config.MinDuration, g.config.MaxDuration,
		atgDefaultMinDuration, atgDefaultMaxDuration)
	select {
	case <-ctx.Done():
		// 站点停止时由StopTransactionsOnStopped收尾
		return
	case <-time.After(duration):
	}

	if !g.station.connectors[connectorID].HasTransaction() {
		// 交易被远程或预约流程提前结束
		return
	}
	if err := g.station.EndTransaction(connectorID, ocpp16.ReasonLocal); err != nil {
		g.statusMutex.Lock()
		st.RejectedStopTransactions++
		g.statusMutex.Unlock()
		g.log.Debugf("ATG stop on connector %d failed: %v", connectorID, err)
		return
	}
	g.statusMutex.Lock()
	st.AcceptedStopTransactions++
	st.StoppedTransactions++
	g.statusMutex.Unlock()
}

// nextIdTag 取下一个标签，round-robin或随机
func (g *TransactionGenerator) nextIdTag() string {
	g.tagMutex.Lock()
	defer g.tagMutex.Unlock()

	if g.config.IdTagDistribution == "round-robin" {
		tag := g.idTags[g.nextTagIdx%len(g.idTags)]
		g.nextTagIdx++
		return tag
	}
	return g.idTags[rand.Intn(len(g.idTags))]
}

func randomSeconds(min, max, defaultMin, defaultMax int) time.Duration {
	if min <= 0 {
		min = defaultMin
	}
	if max < min {
		max = defaultMax
	}
	if max < min {
		max = min
	}
	span := max - min
	if span == 0 {
		return time.Duration(min) * time.Second
	}
	return time.Duration(min+rand.Intn(span+1)) * time.Second
}
