package smartcharging

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/station-simulator/internal/electric"
)

// ChargingContext 计算限额时的站点侧输入
type ChargingContext struct {
	CurrentType electric.CurrentType
	Voltage     float64
	// DefaultPhases 周期未指定numberPhases时的相数
	DefaultPhases int
	// MaximumPower 站点硬件上限，瓦
	MaximumPower float64
	// PowerDivider 共享功率时的均摊分母，正在充电的连接器数
	PowerDivider int
	// TransactionStart RELATIVE计划的基准时刻，无交易时为零值
	TransactionStart time.Time
	// TransactionID 进行中的交易号，TxProfile匹配用
	TransactionID *int
}

// Limit 解析出的功率限额
type Limit struct {
	// PowerW 允许的最大功率，瓦
	PowerW float64
	// Limited 是否有配置文件生效，false时PowerW为硬件上限
	Limited bool
	// ProfileID 生效的配置文件
	ProfileID int
}

// Store 连接器维度的充电配置文件存储
// 0号连接器承载站级配置文件，对所有连接器生效。
type Store struct {
	mutex    sync.RWMutex
	profiles map[int][]*ocpp16.ChargingProfile
}

// NewStore 创建配置文件存储
func NewStore() *Store {
	return &Store{profiles: make(map[int][]*ocpp16.ChargingProfile)}
}

// Set SetChargingProfile语义
// 同一连接器上目的与堆叠层级相同的旧文件被替换，chargingProfileId相同的亦然。
// 接受时规整周期表：按startPeriod升序，首个周期从0起算。
func (s *Store) Set(connectorID int, profile *ocpp16.ChargingProfile) ocpp16.ChargingProfileStatus {
	if profile.ChargingProfilePurpose == ocpp16.ChargingProfilePurposeTxProfile && connectorID == 0 {
		return ocpp16.ChargingProfileStatusRejected
	}

	periods := profile.ChargingSchedule.ChargingSchedulePeriod
	sort.SliceStable(periods, func(i, j int) bool {
		return periods[i].StartPeriod < periods[j].StartPeriod
	})
	if len(periods) > 0 {
		periods[0].StartPeriod = 0
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	kept := s.profiles[connectorID][:0]
	for _, existing := range s.profiles[connectorID] {
		replaced := existing.ChargingProfileId == profile.ChargingProfileId ||
			(existing.ChargingProfilePurpose == profile.ChargingProfilePurpose &&
				existing.StackLevel == profile.StackLevel)
		if !replaced {
			kept = append(kept, existing)
		}
	}
	s.profiles[connectorID] = append(kept, profile)
	return ocpp16.ChargingProfileStatusAccepted
}

// Clear ClearChargingProfile语义，按过滤条件删除
func (s *Store) Clear(profileID *int, connectorID *int, purpose *ocpp16.ChargingProfilePurpose, stackLevel *int) ocpp16.ClearChargingProfileStatus {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cleared := false
	for connector, profiles := range s.profiles {
		if connectorID != nil && connector != *connectorID {
			continue
		}
		kept := profiles[:0]
		for _, p := range profiles {
			match := (profileID == nil || p.ChargingProfileId == *profileID) &&
				(purpose == nil || p.ChargingProfilePurpose == *purpose) &&
				(stackLevel == nil || p.StackLevel == *stackLevel)
			if match {
				cleared = true
			} else {
				kept = append(kept, p)
			}
		}
		s.profiles[connector] = kept
	}

	if !cleared {
		return ocpp16.ClearChargingProfileStatusUnknown
	}
	return ocpp16.ClearChargingProfileStatusAccepted
}

// ClearTransactionProfiles 交易结束时清除其TxProfile
func (s *Store) ClearTransactionProfiles(transactionID int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for connector, profiles := range s.profiles {
		kept := profiles[:0]
		for _, p := range profiles {
			if p.ChargingProfilePurpose == ocpp16.ChargingProfilePurposeTxProfile &&
				p.TransactionId != nil && *p.TransactionId == transactionID {
				continue
			}
			kept = append(kept, p)
		}
		s.profiles[connector] = kept
	}
}

// Count 存储中的配置文件总数
func (s *Store) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	total := 0
	for _, profiles := range s.profiles {
		total += len(profiles)
	}
	return total
}

// candidate 参与裁决的配置文件及其归属
type candidate struct {
	profile       *ocpp16.ChargingProfile
	connectorWide bool
}

// ResolveLimit 解析连接器在at时刻的功率限额
// 配置文件按堆叠层级从高到低裁决，同层级连接器级优先于站级，
// 第一个在at时刻给出有效周期的文件胜出。无文件生效时回落到硬件上限。
func (s *Store) ResolveLimit(connectorID int, at time.Time, ctx *ChargingContext) Limit {
	hardware := ctx.MaximumPower
	if ctx.PowerDivider > 1 {
		hardware = math.Floor(ctx.MaximumPower / float64(ctx.PowerDivider))
	}
	result := Limit{PowerW: hardware, Limited: false}

	s.mutex.RLock()
	candidates := make([]candidate, 0)
	for _, p := range s.profiles[connectorID] {
		candidates = append(candidates, candidate{profile: p})
	}
	if connectorID != 0 {
		for _, p := range s.profiles[0] {
			candidates = append(candidates, candidate{profile: p, connectorWide: true})
		}
	}
	s.mutex.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].profile.StackLevel != candidates[j].profile.StackLevel {
			return candidates[i].profile.StackLevel > candidates[j].profile.StackLevel
		}
		return !candidates[i].connectorWide && candidates[j].connectorWide
	})

	for _, c := range candidates {
		limit, ok := s.evaluate(c.profile, at, ctx)
		if !ok {
			continue
		}
		if limit < hardware {
			return Limit{PowerW: limit, Limited: true, ProfileID: c.profile.ChargingProfileId}
		}
		return Limit{PowerW: hardware, Limited: true, ProfileID: c.profile.ChargingProfileId}
	}
	return result
}

// evaluate 单个配置文件在at时刻的限额，瓦
func (s *Store) evaluate(p *ocpp16.ChargingProfile, at time.Time, ctx *ChargingContext) (float64, bool) {
	if p.ValidFrom != nil && at.Before(p.ValidFrom.Time) {
		return 0, false
	}
	if p.ValidTo != nil && at.After(p.ValidTo.Time) {
		return 0, false
	}
	if p.ChargingProfilePurpose == ocpp16.ChargingProfilePurposeTxProfile {
		if ctx.TransactionID == nil || p.TransactionId == nil || *p.TransactionId != *ctx.TransactionID {
			return 0, false
		}
	}

	start, ok := scheduleStart(p, at, ctx)
	if !ok {
		return 0, false
	}

	elapsed := at.Sub(start)
	if elapsed < 0 {
		return 0, false
	}
	schedule := p.ChargingSchedule
	if schedule.Duration != nil && elapsed >= time.Duration(*schedule.Duration)*time.Second {
		return 0, false
	}

	period, ok := activePeriod(schedule.ChargingSchedulePeriod, elapsed)
	if !ok {
		return 0, false
	}

	return periodPowerW(schedule.ChargingRateUnit, period, ctx), true
}

// scheduleStart 计划的起算时刻
// ABSOLUTE用startSchedule；RECURRING把startSchedule按日/周平移到at之前最近一次；
// RELATIVE以交易开始为基准，无交易不生效。
func scheduleStart(p *ocpp16.ChargingProfile, at time.Time, ctx *ChargingContext) (time.Time, bool) {
	switch p.ChargingProfileKind {
	case ocpp16.ChargingProfileKindRelative:
		if ctx.TransactionStart.IsZero() {
			return time.Time{}, false
		}
		return ctx.TransactionStart, true

	case ocpp16.ChargingProfileKindRecurring:
		if p.ChargingSchedule.StartSchedule == nil {
			return time.Time{}, false
		}
		interval := 24 * time.Hour
		if p.RecurrencyKind != nil && *p.RecurrencyKind == ocpp16.RecurrencyKindWeekly {
			interval = 7 * 24 * time.Hour
		}
		start := p.ChargingSchedule.StartSchedule.Time
		if at.Before(start) {
			return time.Time{}, false
		}
		periods := at.Sub(start) / interval
		return start.Add(periods * interval), true

	default: // Absolute
		if p.ChargingSchedule.StartSchedule == nil {
			// 无startSchedule的Absolute按Relative处理
			if ctx.TransactionStart.IsZero() {
				return time.Time{}, false
			}
			return ctx.TransactionStart, true
		}
		return p.ChargingSchedule.StartSchedule.Time, true
	}
}

// activePeriod 取startPeriod不超过elapsed的最后一个周期
func activePeriod(periods []ocpp16.ChargingSchedulePeriod, elapsed time.Duration) (*ocpp16.ChargingSchedulePeriod, bool) {
	var active *ocpp16.ChargingSchedulePeriod
	for i := range periods {
		if time.Duration(periods[i].StartPeriod)*time.Second <= elapsed {
			active = &periods[i]
		}
	}
	return active, active != nil
}

// periodPowerW 周期限额换算为瓦
func periodPowerW(unit ocpp16.ChargingRateUnit, period *ocpp16.ChargingSchedulePeriod, ctx *ChargingContext) float64 {
	if unit == ocpp16.ChargingRateUnitW {
		return period.Limit
	}

	phases := ctx.DefaultPhases
	if period.NumberPhases != nil {
		phases = *period.NumberPhases
	}
	return electric.AmpsToWatts(period.Limit, ctx.CurrentType, ctx.Voltage, phases)
}
