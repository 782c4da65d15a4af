package station

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
)

// removalRecorder 收集移除回调
type removalRecorder struct {
	mu      sync.Mutex
	removed []struct {
		ID     int
		Reason ReservationRemovalReason
	}
}

func (r *removalRecorder) record(reservation *Reservation, reason ReservationRemovalReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, struct {
		ID     int
		Reason ReservationRemovalReason
	}{reservation.ID, reason})
}

func (r *removalRecorder) snapshot() []struct {
	ID     int
	Reason ReservationRemovalReason
} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]struct {
		ID     int
		Reason ReservationRemovalReason
	}(nil), r.removed...)
}

func reservation(id, connectorID int, idTag string, expiry time.Time) *Reservation {
	return &Reservation{ID: id, ConnectorID: connectorID, IdTag: idTag, ExpiryDate: expiry}
}

func TestReservationManager_Reserve(t *testing.T) {
	m := NewReservationManager(nil, nil)
	expiry := time.Now().Add(time.Hour)

	status := m.Reserve(reservation(1, 1, "TAG-1", expiry), ocpp16.ChargePointStatusAvailable, ocpp16.AvailabilityTypeOperative)
	assert.Equal(t, ocpp16.ReservationStatusAccepted, status)
	assert.Equal(t, 1, m.Count())

	// 同一连接器的第二个预约被拒
	status = m.Reserve(reservation(2, 1, "TAG-2", expiry), ocpp16.ChargePointStatusAvailable, ocpp16.AvailabilityTypeOperative)
	assert.Equal(t, ocpp16.ReservationStatusOccupied, status)

	// 其他连接器不受影响
	status = m.Reserve(reservation(3, 2, "TAG-3", expiry), ocpp16.ChargePointStatusAvailable, ocpp16.AvailabilityTypeOperative)
	assert.Equal(t, ocpp16.ReservationStatusAccepted, status)
}

func TestReservationManager_ReserveStatusChecks(t *testing.T) {
	m := NewReservationManager(nil, nil)
	expiry := time.Now().Add(time.Hour)

	tests := []struct {
		name         string
		status       ocpp16.ChargePointStatus
		availability ocpp16.AvailabilityType
		expected     ocpp16.ReservationStatus
	}{
		{"不可用连接器", ocpp16.ChargePointStatusAvailable, ocpp16.AvailabilityTypeInoperative, ocpp16.ReservationStatusUnavailable},
		{"Unavailable状态", ocpp16.ChargePointStatusUnavailable, ocpp16.AvailabilityTypeOperative, ocpp16.ReservationStatusUnavailable},
		{"故障连接器", ocpp16.ChargePointStatusFaulted, ocpp16.AvailabilityTypeOperative, ocpp16.ReservationStatusFaulted},
		{"充电中", ocpp16.ChargePointStatusCharging, ocpp16.AvailabilityTypeOperative, ocpp16.ReservationStatusOccupied},
		{"已被预约", ocpp16.ChargePointStatusReserved, ocpp16.AvailabilityTypeOperative, ocpp16.ReservationStatusOccupied},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := m.Reserve(reservation(10+i, 1, "TAG-1", expiry), tt.status, tt.availability)
			assert.Equal(t, tt.expected, status)
		})
	}
	assert.Equal(t, 0, m.Count())
}

func TestReservationManager_ReserveSameIDReplaces(t *testing.T) {
	recorder := &removalRecorder{}
	m := NewReservationManager(recorder.record, nil)
	expiry := time.Now().Add(time.Hour)

	require.Equal(t, ocpp16.ReservationStatusAccepted,
		m.Reserve(reservation(1, 1, "TAG-1", expiry), ocpp16.ChargePointStatusAvailable, ocpp16.AvailabilityTypeOperative))

	// 同号预约覆盖旧预约，即使连接器显示Reserved
	status := m.Reserve(reservation(1, 2, "TAG-2", expiry), ocpp16.ChargePointStatusReserved, ocpp16.AvailabilityTypeOperative)
	assert.Equal(t, ocpp16.ReservationStatusAccepted, status)
	assert.Equal(t, 1, m.Count())

	removed := recorder.snapshot()
	require.Len(t, removed, 1)
	assert.Equal(t, 1, removed[0].ID)
	assert.Equal(t, ReservationRemovedReplaced, removed[0].Reason)

	r, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, 2, r.ConnectorID)
	assert.Equal(t, "TAG-2", r.IdTag)
}

func TestReservationManager_Cancel(t *testing.T) {
	recorder := &removalRecorder{}
	m := NewReservationManager(recorder.record, nil)
	expiry := time.Now().Add(time.Hour)

	m.Reserve(reservation(1, 1, "TAG-1", expiry), ocpp16.ChargePointStatusAvailable, ocpp16.AvailabilityTypeOperative)

	assert.Equal(t, ocpp16.CancelReservationStatusAccepted, m.Cancel(1))
	assert.Equal(t, 0, m.Count())

	removed := recorder.snapshot()
	require.Len(t, removed, 1)
	assert.Equal(t, ReservationRemovedCanceled, removed[0].Reason)

	// 未知预约号拒绝
	assert.Equal(t, ocpp16.CancelReservationStatusRejected, m.Cancel(99))
}

func TestReservationManager_ExpirySweep(t *testing.T) {
	recorder := &removalRecorder{}
	m := NewReservationManager(recorder.record, nil)
	m.Start()
	defer m.Stop()

	m.Reserve(reservation(1, 1, "TAG-1", time.Now().Add(100*time.Millisecond)), ocpp16.ChargePointStatusAvailable, ocpp16.AvailabilityTypeOperative)

	// 扫描周期为1秒，过期后最多再等一个周期
	require.Eventually(t, func() bool {
		return m.Count() == 0
	}, 3*time.Second, 50*time.Millisecond)

	removed := recorder.snapshot()
	require.Len(t, removed, 1)
	assert.Equal(t, ReservationRemovedExpired, removed[0].Reason)
}

func TestReservationManager_RemoveSilentReasons(t *testing.T) {
	recorder := &removalRecorder{}
	m := NewReservationManager(recorder.record, nil)
	expiry := time.Now().Add(time.Hour)

	m.Reserve(reservation(1, 1, "TAG-1", expiry), ocpp16.ChargePointStatusAvailable, ocpp16.AvailabilityTypeOperative)

	assert.True(t, m.Remove(1, ReservationRemovedTransactionStarted))
	assert.False(t, m.Remove(1, ReservationRemovedTransactionStarted))

	removed := recorder.snapshot()
	require.Len(t, removed, 1)
	assert.Equal(t, ReservationRemovedTransactionStarted, removed[0].Reason)
}

func TestReservationRemovalReason_NotifiesAvailable(t *testing.T) {
	assert.True(t, ReservationRemovedExpired.notifiesAvailable())
	assert.True(t, ReservationRemovedCanceled.notifiesAvailable())
	assert.True(t, ReservationRemovedReplaced.notifiesAvailable())
	assert.False(t, ReservationRemovedConnectorStateChanged.notifiesAvailable())
	assert.False(t, ReservationRemovedTransactionStarted.notifiesAvailable())
}

func TestReservationManager_ForConnectorAndAuthorizes(t *testing.T) {
	m := NewReservationManager(nil, nil)
	parent := "PARENT-1"
	r := &Reservation{ID: 1, ConnectorID: 1, IdTag: "TAG-1", ParentIdTag: &parent, ExpiryDate: time.Now().Add(time.Hour)}
	m.Reserve(r, ocpp16.ChargePointStatusAvailable, ocpp16.AvailabilityTypeOperative)

	got, ok := m.ForConnector(1)
	require.True(t, ok)
	assert.Equal(t, 1, got.ID)
	_, ok = m.ForConnector(2)
	assert.False(t, ok)

	// 本人或同父标签都可消费预约
	assert.True(t, m.Authorizes(r, "TAG-1", nil))
	other := "PARENT-1"
	assert.True(t, m.Authorizes(r, "TAG-2", &other))
	wrong := "PARENT-2"
	assert.False(t, m.Authorizes(r, "TAG-2", &wrong))
	assert.False(t, m.Authorizes(r, "TAG-2", nil))
}
