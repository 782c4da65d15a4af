package station

import (
	"fmt"
	"sync"
	"time"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
)

// Connector 单个连接器的运行时状态
// 0号连接器代表整站，不参与交易。
type Connector struct {
	mutex sync.RWMutex

	ID     int
	EvseID int

	status       ocpp16.ChargePointStatus
	bootStatus   *ocpp16.ChargePointStatus
	availability ocpp16.AvailabilityType
	errorCode    ocpp16.ChargePointErrorCode

	// 交易状态，transactionID非nil与transactionStarted同真同假
	transactionID      *int
	transactionStarted bool
	transactionIdTag   string
	transactionStart   time.Time
	remoteStartPending bool
	remoteStartIdTag   string

	// energyWh 连接器终生电表读数，只增不减
	energyWh float64
	// txStartWh 当前交易开始时的电表读数
	txStartWh float64
	// 本次采样周期的瞬时功率
	powerW float64

	reservationID *int
}

// NewConnector 创建连接器，初始Available且可用
func NewConnector(id, evseID int, bootStatus *ocpp16.ChargePointStatus) *Connector {
	return &Connector{
		ID:           id,
		EvseID:       evseID,
		status:       ocpp16.ChargePointStatusAvailable,
		bootStatus:   bootStatus,
		availability: ocpp16.AvailabilityTypeOperative,
		errorCode:    ocpp16.ChargePointErrorCodeNoError,
	}
}

// Status 当前OCPP状态
func (c *Connector) Status() ocpp16.ChargePointStatus {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.status
}

// SetStatus 更新状态，返回是否发生变化
func (c *Connector) SetStatus(status ocpp16.ChargePointStatus) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.status == status {
		return false
	}
	c.status = status
	return true
}

// BootStatusResolved 计算启动时应上报的状态并清除一次性bootStatus
// 优先级：模板bootStatus > 交易残留(Preparing) > 不可用(Unavailable) > Available。
func (c *Connector) BootStatusResolved() ocpp16.ChargePointStatus {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	switch {
	case c.bootStatus != nil:
		status := *c.bootStatus
		c.bootStatus = nil
		c.status = status
	case c.transactionStarted:
		c.status = ocpp16.ChargePointStatusPreparing
	case c.availability == ocpp16.AvailabilityTypeInoperative:
		c.status = ocpp16.ChargePointStatusUnavailable
	default:
		c.status = ocpp16.ChargePointStatusAvailable
	}
	return c.status
}

// ErrorCode 当前错误码
func (c *Connector) ErrorCode() ocpp16.ChargePointErrorCode {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.errorCode
}

// Availability 当前可用性
func (c *Connector) Availability() ocpp16.AvailabilityType {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.availability
}

// SetAvailability 更新可用性，交易进行中返回Scheduled
func (c *Connector) SetAvailability(availability ocpp16.AvailabilityType) ocpp16.AvailabilityStatus {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.availability == availability {
		return ocpp16.AvailabilityStatusAccepted
	}
	if c.transactionStarted {
		return ocpp16.AvailabilityStatusScheduled
	}
	c.availability = availability
	return ocpp16.AvailabilityStatusAccepted
}

// StartTransaction 登记交易开始
func (c *Connector) StartTransaction(transactionID int, idTag string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.ID == 0 {
		return fmt.Errorf("connector 0 cannot carry a transaction")
	}
	if c.transactionStarted {
		return fmt.Errorf("connector %d already has transaction %d", c.ID, *c.transactionID)
	}

	id := transactionID
	c.transactionID = &id
	c.transactionStarted = true
	c.transactionIdTag = idTag
	c.transactionStart = time.Now()
	c.remoteStartPending = false
	c.remoteStartIdTag = ""
	c.txStartWh = c.energyWh
	return nil
}

// StopTransaction 清除交易状态，返回交易号与停止时的电表读数
func (c *Connector) StopTransaction() (int, float64, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.transactionStarted || c.transactionID == nil {
		return 0, 0, fmt.Errorf("connector %d has no running transaction", c.ID)
	}

	transactionID := *c.transactionID
	energy := c.energyWh
	c.transactionID = nil
	c.transactionStarted = false
	c.transactionIdTag = ""
	c.powerW = 0
	return transactionID, energy, nil
}

// TransactionID 进行中的交易号
func (c *Connector) TransactionID() (int, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.transactionID == nil {
		return 0, false
	}
	return *c.transactionID, true
}

// HasTransaction 是否有进行中的交易
func (c *Connector) HasTransaction() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.transactionStarted
}

// TransactionIdTag 进行中交易的idTag
func (c *Connector) TransactionIdTag() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.transactionIdTag
}

// TransactionStart 交易开始时间
func (c *Connector) TransactionStart() time.Time {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.transactionStart
}

// SetRemoteStartPending RemoteStartTransaction到StartTransaction之间的过渡标记
func (c *Connector) SetRemoteStartPending(pending bool, idTag string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.remoteStartPending = pending
	c.remoteStartIdTag = idTag
}

// RemoteStartPending 是否有待落地的远程启动
func (c *Connector) RemoteStartPending() (bool, string) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.remoteStartPending, c.remoteStartIdTag
}

// AddEnergy 累加采样周期内的电能并记录功率
func (c *Connector) AddEnergy(wh, powerW float64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.energyWh += wh
	c.powerW = powerW
}

// EnergyWh 电表读数
func (c *Connector) EnergyWh() float64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.energyWh
}

// TransactionEnergyWh 当前交易内已充电能
func (c *Connector) TransactionEnergyWh() float64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if !c.transactionStarted {
		return 0
	}
	return c.energyWh - c.txStartWh
}

// PowerW 最近一次采样的功率
func (c *Connector) PowerW() float64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.powerW
}

// SetReservation 绑定预约
func (c *Connector) SetReservation(reservationID *int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.reservationID = reservationID
}

// ReservationID 当前绑定的预约号
func (c *Connector) ReservationID() (int, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.reservationID == nil {
		return 0, false
	}
	return *c.reservationID, true
}
