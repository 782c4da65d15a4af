package station

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
)

func TestConnector_Transaction(t *testing.T) {
	c := NewConnector(1, 0, nil)

	require.NoError(t, c.StartTransaction(1001, "TAG-1"))
	assert.True(t, c.HasTransaction())
	assert.Equal(t, "TAG-1", c.TransactionIdTag())
	id, ok := c.TransactionID()
	require.True(t, ok)
	assert.Equal(t, 1001, id)

	// 已有交易不允许二次开始
	assert.Error(t, c.StartTransaction(1002, "TAG-2"))

	stopped, _, err := c.StopTransaction()
	require.NoError(t, err)
	assert.Equal(t, 1001, stopped)
	assert.False(t, c.HasTransaction())
	_, ok = c.TransactionID()
	assert.False(t, ok)

	// 没有交易时停止报错
	_, _, err = c.StopTransaction()
	assert.Error(t, err)
}

func TestConnector_Zero(t *testing.T) {
	c := NewConnector(0, 0, nil)

	// 0号连接器代表整站，不承载交易
	assert.Error(t, c.StartTransaction(1, "TAG-1"))
}

func TestConnector_LifetimeMeter(t *testing.T) {
	c := NewConnector(1, 0, nil)

	c.AddEnergy(500, 11000)
	assert.InDelta(t, 500, c.EnergyWh(), 0.001)
	assert.InDelta(t, 11000, c.PowerW(), 0.001)

	// 交易内电量从开始时的读数起算
	require.NoError(t, c.StartTransaction(1001, "TAG-1"))
	c.AddEnergy(300, 11000)
	c.AddEnergy(200, 11000)
	assert.InDelta(t, 1000, c.EnergyWh(), 0.001)
	assert.InDelta(t, 500, c.TransactionEnergyWh(), 0.001)

	// 停止时返回终生读数，电表不清零
	_, meterStop, err := c.StopTransaction()
	require.NoError(t, err)
	assert.InDelta(t, 1000, meterStop, 0.001)
	assert.InDelta(t, 1000, c.EnergyWh(), 0.001)
	assert.InDelta(t, 0, c.TransactionEnergyWh(), 0.001)
	assert.InDelta(t, 0, c.PowerW(), 0.001)
}

func TestConnector_SetAvailability(t *testing.T) {
	c := NewConnector(1, 0, nil)

	assert.Equal(t, ocpp16.AvailabilityStatusAccepted, c.SetAvailability(ocpp16.AvailabilityTypeInoperative))
	assert.Equal(t, ocpp16.AvailabilityTypeInoperative, c.Availability())

	// 已是目标值直接接受
	assert.Equal(t, ocpp16.AvailabilityStatusAccepted, c.SetAvailability(ocpp16.AvailabilityTypeInoperative))

	// 交易进行中推迟生效
	c.SetAvailability(ocpp16.AvailabilityTypeOperative)
	require.NoError(t, c.StartTransaction(1001, "TAG-1"))
	assert.Equal(t, ocpp16.AvailabilityStatusScheduled, c.SetAvailability(ocpp16.AvailabilityTypeInoperative))
	assert.Equal(t, ocpp16.AvailabilityTypeOperative, c.Availability())
}

func TestConnector_SetStatus(t *testing.T) {
	c := NewConnector(1, 0, nil)

	assert.True(t, c.SetStatus(ocpp16.ChargePointStatusPreparing))
	// 同值不算变化
	assert.False(t, c.SetStatus(ocpp16.ChargePointStatusPreparing))
	assert.Equal(t, ocpp16.ChargePointStatusPreparing, c.Status())
}

func TestConnector_BootStatusResolved(t *testing.T) {
	t.Run("模板bootStatus优先且只用一次", func(t *testing.T) {
		boot := ocpp16.ChargePointStatusPreparing
		c := NewConnector(1, 0, &boot)

		assert.Equal(t, ocpp16.ChargePointStatusPreparing, c.BootStatusResolved())
		// 第二次解析回到常规判定
		assert.Equal(t, ocpp16.ChargePointStatusAvailable, c.BootStatusResolved())
	})

	t.Run("交易残留报Preparing", func(t *testing.T) {
		c := NewConnector(1, 0, nil)
		require.NoError(t, c.StartTransaction(1001, "TAG-1"))

		assert.Equal(t, ocpp16.ChargePointStatusPreparing, c.BootStatusResolved())
	})

	t.Run("不可用报Unavailable", func(t *testing.T) {
		c := NewConnector(1, 0, nil)
		c.SetAvailability(ocpp16.AvailabilityTypeInoperative)

		assert.Equal(t, ocpp16.ChargePointStatusUnavailable, c.BootStatusResolved())
	})

	t.Run("默认Available", func(t *testing.T) {
		c := NewConnector(1, 0, nil)

		assert.Equal(t, ocpp16.ChargePointStatusAvailable, c.BootStatusResolved())
	})
}

func TestConnector_Reservation(t *testing.T) {
	c := NewConnector(1, 0, nil)

	_, ok := c.ReservationID()
	assert.False(t, ok)

	id := 7
	c.SetReservation(&id)
	got, ok := c.ReservationID()
	require.True(t, ok)
	assert.Equal(t, 7, got)

	c.SetReservation(nil)
	_, ok = c.ReservationID()
	assert.False(t, ok)
}

func TestConnector_RemoteStartPending(t *testing.T) {
	c := NewConnector(1, 0, nil)

	c.SetRemoteStartPending(true, "TAG-1")
	pending, idTag := c.RemoteStartPending()
	assert.True(t, pending)
	assert.Equal(t, "TAG-1", idTag)

	// 交易开始清除过渡标记
	require.NoError(t, c.StartTransaction(1001, "TAG-1"))
	pending, _ = c.RemoteStartPending()
	assert.False(t, pending)
}
