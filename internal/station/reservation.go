package station

import (
	"context"
	"sync"
	"time"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/station-simulator/internal/logger"
)

// ReservationRemovalReason 预约被移除的原因
type ReservationRemovalReason string

const (
	// ReservationRemovedExpired 到期自动清除
	ReservationRemovedExpired ReservationRemovalReason = "EXPIRED"
	// ReservationRemovedCanceled 中心系统CancelReservation
	ReservationRemovedCanceled ReservationRemovalReason = "RESERVATION_CANCELED"
	// ReservationRemovedReplaced 同号ReserveNow覆盖旧预约
	ReservationRemovedReplaced ReservationRemovalReason = "REPLACE_EXISTING"
	// ReservationRemovedConnectorStateChanged 连接器状态变化使预约失效
	ReservationRemovedConnectorStateChanged ReservationRemovalReason = "CONNECTOR_STATE_CHANGED"
	// ReservationRemovedTransactionStarted 预约被本人开始的交易消费
	ReservationRemovedTransactionStarted ReservationRemovalReason = "TRANSACTION_STARTED"
)

// notifiesAvailable 该移除原因是否需要上报连接器回到Available
func (r ReservationRemovalReason) notifiesAvailable() bool {
	switch r {
	case ReservationRemovedExpired, ReservationRemovedCanceled, ReservationRemovedReplaced:
		return true
	}
	return false
}

// Reservation 单条预约
type Reservation struct {
	ID          int
	ConnectorID int
	IdTag       string
	ParentIdTag *string
	ExpiryDate  time.Time
}

// Expired 是否已过期
func (r *Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiryDate)
}

// reservationExpirySweepInterval 过期预约的检查周期
const reservationExpirySweepInterval = time.Second

// ReservationManager 站点的预约簿
// 过期清理由后台扫描完成，移除回调里上报状态变更。
type ReservationManager struct {
	mutex        sync.Mutex
	reservations map[int]*Reservation

	// onRemoved 预约移除回调，在锁外调用
	onRemoved func(reservation *Reservation, reason ReservationRemovalReason)
	log       *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReservationManager 创建预约簿
func NewReservationManager(onRemoved func(*Reservation, ReservationRemovalReason), log *logger.Logger) *ReservationManager {
	if log == nil {
		log = logger.Default()
	}
	return &ReservationManager{
		reservations: make(map[int]*Reservation),
		onRemoved:    onRemoved,
		log:          log,
	}
}

// Start 启动过期扫描
func (m *ReservationManager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

// Stop 停止过期扫描
func (m *ReservationManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *ReservationManager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(reservationExpirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.removeExpired(now)
		}
	}
}

func (m *ReservationManager) removeExpired(now time.Time) {
	m.mutex.Lock()
	var expired []*Reservation
	for id, r := range m.reservations {
		if r.Expired(now) {
			expired = append(expired, r)
			delete(m.reservations, id)
		}
	}
	m.mutex.Unlock()

	for _, r := range expired {
		m.log.Infof("Reservation %d on connector %d expired", r.ID, r.ConnectorID)
		m.notifyRemoved(r, ReservationRemovedExpired)
	}
}

func (m *ReservationManager) notifyRemoved(r *Reservation, reason ReservationRemovalReason) {
	if m.onRemoved != nil {
		m.onRemoved(r, reason)
	}
}

// Reserve ReserveNow语义：同号预约直接覆盖，占用中的连接器拒绝
// connectorStatus为目标连接器当前状态，用于判定Occupied/Faulted/Unavailable。
func (m *ReservationManager) Reserve(r *Reservation, connectorStatus ocpp16.ChargePointStatus, availability ocpp16.AvailabilityType) ocpp16.ReservationStatus {
	if availability == ocpp16.AvailabilityTypeInoperative || connectorStatus == ocpp16.ChargePointStatusUnavailable {
		return ocpp16.ReservationStatusUnavailable
	}
	if connectorStatus == ocpp16.ChargePointStatusFaulted {
		return ocpp16.ReservationStatusFaulted
	}

	m.mutex.Lock()
	existing, sameID := m.reservations[r.ID]

	if !sameID {
		switch connectorStatus {
		case ocpp16.ChargePointStatusCharging, ocpp16.ChargePointStatusPreparing,
			ocpp16.ChargePointStatusFinishing, ocpp16.ChargePointStatusSuspendedEV,
			ocpp16.ChargePointStatusSuspendedEVSE, ocpp16.ChargePointStatusReserved:
			m.mutex.Unlock()
			return ocpp16.ReservationStatusOccupied
		}
		if m.reservedLocked(r.ConnectorID) {
			m.mutex.Unlock()
			return ocpp16.ReservationStatusOccupied
		}
	}

	m.reservations[r.ID] = r
	m.mutex.Unlock()

	if sameID {
		m.log.Infof("Reservation %d replaced, now on connector %d", r.ID, r.ConnectorID)
		m.notifyRemoved(existing, ReservationRemovedReplaced)
	}
	return ocpp16.ReservationStatusAccepted
}

// Cancel CancelReservation语义
func (m *ReservationManager) Cancel(reservationID int) ocpp16.CancelReservationStatus {
	m.mutex.Lock()
	r, ok := m.reservations[reservationID]
	if ok {
		delete(m.reservations, reservationID)
	}
	m.mutex.Unlock()

	if !ok {
		return ocpp16.CancelReservationStatusRejected
	}
	m.notifyRemoved(r, ReservationRemovedCanceled)
	return ocpp16.CancelReservationStatusAccepted
}

// Remove 内部移除（状态变化或交易开始消费预约）
func (m *ReservationManager) Remove(reservationID int, reason ReservationRemovalReason) bool {
	m.mutex.Lock()
	r, ok := m.reservations[reservationID]
	if ok {
		delete(m.reservations, reservationID)
	}
	m.mutex.Unlock()

	if !ok {
		return false
	}
	m.notifyRemoved(r, reason)
	return true
}

// Get 查询预约
func (m *ReservationManager) Get(reservationID int) (*Reservation, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	r, ok := m.reservations[reservationID]
	return r, ok
}

// ForConnector 连接器上的有效预约
func (m *ReservationManager) ForConnector(connectorID int) (*Reservation, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now()
	for _, r := range m.reservations {
		if r.ConnectorID == connectorID && !r.Expired(now) {
			return r, true
		}
	}
	return nil, false
}

// Authorizes 预约是否授权该idTag开始交易
func (m *ReservationManager) Authorizes(r *Reservation, idTag string, parentIdTag *string) bool {
	if r.IdTag == idTag {
		return true
	}
	if r.ParentIdTag != nil && parentIdTag != nil && *r.ParentIdTag == *parentIdTag {
		return true
	}
	return false
}

func (m *ReservationManager) reservedLocked(connectorID int) bool {
	now := time.Now()
	for _, r := range m.reservations {
		if r.ConnectorID == connectorID && !r.Expired(now) {
			return true
		}
	}
	return false
}

// Count 有效预约数
func (m *ReservationManager) Count() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.reservations)
}
