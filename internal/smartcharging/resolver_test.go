package smartcharging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/station-simulator/internal/electric"
)

func acContext() *ChargingContext {
	return &ChargingContext{
		CurrentType:   electric.CurrentTypeAC,
		Voltage:       230,
		DefaultPhases: 3,
		MaximumPower:  22080, // 32A三相
		PowerDivider:  1,
	}
}

func absoluteProfile(id, stackLevel int, start time.Time, unit ocpp16.ChargingRateUnit, limit float64) *ocpp16.ChargingProfile {
	startSchedule := ocpp16.NewDateTime(start)
	return &ocpp16.ChargingProfile{
		ChargingProfileId:      id,
		StackLevel:             stackLevel,
		ChargingProfilePurpose: ocpp16.ChargingProfilePurposeTxDefaultProfile,
		ChargingProfileKind:    ocpp16.ChargingProfileKindAbsolute,
		ChargingSchedule: ocpp16.ChargingSchedule{
			StartSchedule:    &startSchedule,
			ChargingRateUnit: unit,
			ChargingSchedulePeriod: []ocpp16.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: limit},
			},
		},
	}
}

func TestStore_Set(t *testing.T) {
	store := NewStore()
	now := time.Now()

	status := store.Set(1, absoluteProfile(1, 0, now, ocpp16.ChargingRateUnitW, 11000))
	assert.Equal(t, ocpp16.ChargingProfileStatusAccepted, status)
	assert.Equal(t, 1, store.Count())

	// 同目的同层级替换而不是叠加
	status = store.Set(1, absoluteProfile(2, 0, now, ocpp16.ChargingRateUnitW, 7000))
	assert.Equal(t, ocpp16.ChargingProfileStatusAccepted, status)
	assert.Equal(t, 1, store.Count())

	// 0号连接器拒绝TxProfile
	tx := absoluteProfile(3, 0, now, ocpp16.ChargingRateUnitW, 5000)
	tx.ChargingProfilePurpose = ocpp16.ChargingProfilePurposeTxProfile
	assert.Equal(t, ocpp16.ChargingProfileStatusRejected, store.Set(0, tx))
}

func TestStore_SetNormalizesPeriods(t *testing.T) {
	store := NewStore()
	now := time.Now()

	profile := absoluteProfile(1, 0, now.Add(-time.Minute), ocpp16.ChargingRateUnitW, 11000)
	profile.ChargingSchedule.ChargingSchedulePeriod = []ocpp16.ChargingSchedulePeriod{
		{StartPeriod: 600, Limit: 7000},
		{StartPeriod: 30, Limit: 11000},
	}

	require.Equal(t, ocpp16.ChargingProfileStatusAccepted, store.Set(1, profile))

	// 周期按startPeriod升序，首个周期归零
	periods := profile.ChargingSchedule.ChargingSchedulePeriod
	require.Len(t, periods, 2)
	assert.Equal(t, 0, periods[0].StartPeriod)
	assert.InDelta(t, 11000, periods[0].Limit, 0.001)
	assert.Equal(t, 600, periods[1].StartPeriod)

	// 归零后的首个周期立即生效
	limit := store.ResolveLimit(1, now, acContext())
	assert.True(t, limit.Limited)
	assert.InDelta(t, 11000, limit.PowerW, 0.001)
}

func TestStore_Clear(t *testing.T) {
	store := NewStore()
	now := time.Now()

	store.Set(1, absoluteProfile(1, 0, now, ocpp16.ChargingRateUnitW, 11000))
	store.Set(2, absoluteProfile(2, 1, now, ocpp16.ChargingRateUnitW, 7000))

	// 按ID清除
	id := 1
	assert.Equal(t, ocpp16.ClearChargingProfileStatusAccepted, store.Clear(&id, nil, nil, nil))
	assert.Equal(t, 1, store.Count())

	// 没有匹配返回Unknown
	missing := 99
	assert.Equal(t, ocpp16.ClearChargingProfileStatusUnknown, store.Clear(&missing, nil, nil, nil))

	// 无过滤条件清除全部
	assert.Equal(t, ocpp16.ClearChargingProfileStatusAccepted, store.Clear(nil, nil, nil, nil))
	assert.Equal(t, 0, store.Count())
}

func TestResolveLimit_AmpsConversion(t *testing.T) {
	store := NewStore()
	now := time.Now()

	// 10A三相230V -> 6900W
	store.Set(1, absoluteProfile(1, 0, now.Add(-time.Minute), ocpp16.ChargingRateUnitA, 10))

	limit := store.ResolveLimit(1, now, acContext())
	assert.True(t, limit.Limited)
	assert.InDelta(t, 6900, limit.PowerW, 0.001)
	assert.Equal(t, 1, limit.ProfileID)
}

func TestResolveLimit_StackOrder(t *testing.T) {
	store := NewStore()
	now := time.Now()

	// 低层级站级文件与高层级连接器文件并存，高层级胜出
	store.Set(0, absoluteProfile(1, 0, now.Add(-time.Minute), ocpp16.ChargingRateUnitW, 4000))
	store.Set(1, absoluteProfile(2, 5, now.Add(-time.Minute), ocpp16.ChargingRateUnitW, 9000))

	limit := store.ResolveLimit(1, now, acContext())
	assert.True(t, limit.Limited)
	assert.InDelta(t, 9000, limit.PowerW, 0.001)
	assert.Equal(t, 2, limit.ProfileID)
}

func TestResolveLimit_SameStackLevelConnectorWins(t *testing.T) {
	store := NewStore()
	now := time.Now()

	store.Set(0, absoluteProfile(1, 3, now.Add(-time.Minute), ocpp16.ChargingRateUnitW, 4000))
	store.Set(1, absoluteProfile(2, 3, now.Add(-time.Minute), ocpp16.ChargingRateUnitW, 8000))

	limit := store.ResolveLimit(1, now, acContext())
	assert.Equal(t, 2, limit.ProfileID)
}

func TestResolveLimit_RecurringWeekly(t *testing.T) {
	store := NewStore()
	now := time.Now()

	// 三周前生效的周重复计划，平移到本周仍然有效
	weekly := ocpp16.RecurrencyKindWeekly
	start := now.Add(-21*24*time.Hour - time.Minute)
	profile := absoluteProfile(1, 0, start, ocpp16.ChargingRateUnitW, 5000)
	profile.ChargingProfileKind = ocpp16.ChargingProfileKindRecurring
	profile.RecurrencyKind = &weekly
	duration := 3600
	profile.ChargingSchedule.Duration = &duration
	store.Set(1, profile)

	limit := store.ResolveLimit(1, now, acContext())
	assert.True(t, limit.Limited)
	assert.InDelta(t, 5000, limit.PowerW, 0.001)

	// 平移后的窗口外不再生效
	outside := store.ResolveLimit(1, now.Add(2*time.Hour), acContext())
	assert.False(t, outside.Limited)
}

func TestResolveLimit_Relative(t *testing.T) {
	store := NewStore()
	now := time.Now()

	profile := &ocpp16.ChargingProfile{
		ChargingProfileId:      1,
		StackLevel:             0,
		ChargingProfilePurpose: ocpp16.ChargingProfilePurposeTxDefaultProfile,
		ChargingProfileKind:    ocpp16.ChargingProfileKindRelative,
		ChargingSchedule: ocpp16.ChargingSchedule{
			ChargingRateUnit: ocpp16.ChargingRateUnitW,
			ChargingSchedulePeriod: []ocpp16.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: 11000},
				{StartPeriod: 1800, Limit: 5500},
			},
		},
	}
	store.Set(1, profile)

	// 无交易时RELATIVE不生效
	limit := store.ResolveLimit(1, now, acContext())
	assert.False(t, limit.Limited)

	// 交易开始后按开始时刻取周期
	ctx := acContext()
	ctx.TransactionStart = now.Add(-10 * time.Minute)
	limit = store.ResolveLimit(1, now, ctx)
	require.True(t, limit.Limited)
	assert.InDelta(t, 11000, limit.PowerW, 0.001)

	// 过了1800秒切到第二个周期
	ctx.TransactionStart = now.Add(-40 * time.Minute)
	limit = store.ResolveLimit(1, now, ctx)
	require.True(t, limit.Limited)
	assert.InDelta(t, 5500, limit.PowerW, 0.001)
}

func TestResolveLimit_HardwareCap(t *testing.T) {
	store := NewStore()
	now := time.Now()

	// 文件限额高于硬件上限时按硬件上限收口
	store.Set(1, absoluteProfile(1, 0, now.Add(-time.Minute), ocpp16.ChargingRateUnitW, 50000))

	limit := store.ResolveLimit(1, now, acContext())
	assert.True(t, limit.Limited)
	assert.InDelta(t, 22080, limit.PowerW, 0.001)
}

func TestResolveLimit_PowerDivider(t *testing.T) {
	store := NewStore()
	now := time.Now()

	ctx := acContext()
	ctx.PowerDivider = 2

	// 无文件时回落到均摊后的硬件上限
	limit := store.ResolveLimit(1, now, ctx)
	assert.False(t, limit.Limited)
	assert.InDelta(t, 11040, limit.PowerW, 0.001)
}

func TestResolveLimit_NoProfiles(t *testing.T) {
	store := NewStore()

	limit := store.ResolveLimit(1, time.Now(), acContext())
	assert.False(t, limit.Limited)
	assert.InDelta(t, 22080, limit.PowerW, 0.001)
}

func TestStore_ClearTransactionProfiles(t *testing.T) {
	store := NewStore()
	now := time.Now()

	txID := 42
	profile := absoluteProfile(1, 0, now, ocpp16.ChargingRateUnitW, 7000)
	profile.ChargingProfilePurpose = ocpp16.ChargingProfilePurposeTxProfile
	profile.TransactionId = &txID
	store.Set(1, profile)
	store.Set(1, absoluteProfile(2, 1, now, ocpp16.ChargingRateUnitW, 9000))

	store.ClearTransactionProfiles(42)
	assert.Equal(t, 1, store.Count())
}
