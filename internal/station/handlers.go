package station

import (
	"time"

	"github.com/charging-platform/station-simulator/internal/domain/events"
	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
)

// HasConnector 连接器是否存在
func (s *Station) HasConnector(connectorID int) bool {
	_, ok := s.connectors[connectorID]
	return ok
}

// Reset Reset请求处理，总是接受并异步执行
// Hard与Soft的区别在停止交易的原因码。
func (s *Station) Reset(resetType ocpp16.ResetType) ocpp16.ResetStatus {
	reason := ocpp16.ReasonSoftReset
	if resetType == ocpp16.ResetTypeHard {
		reason = ocpp16.ReasonHardReset
	}

	go s.performReset(reason)
	return ocpp16.ResetStatusAccepted
}

// performReset 停交易、断开、等待resetTime后重新上线
func (s *Station) performReset(reason ocpp16.Reason) {
	s.log.Infof("Resetting station (%s)", reason)

	for _, id := range s.connectorIDs {
		if s.connectors[id].HasTransaction() {
			if err := s.EndTransaction(id, reason); err != nil {
				s.log.Warnf("Failed to stop transaction on connector %d during reset: %v", id, err)
			}
		}
	}

	s.persistConfiguration()
	parent := s.parentCtx
	if err := s.Stop(); err != nil {
		s.log.Errorf("Failed to stop during reset: %v", err)
		return
	}

	select {
	case <-parent.Done():
		// 整个进程在关闭，不再重启
	case <-time.After(s.info.ResetTime):
	}

	if err := s.Start(parent); err != nil {
		s.log.Errorf("Failed to restart after reset: %v", err)
	}
}

// ChangeAvailability ChangeAvailability请求处理
// 0号连接器的变更级联到所有连接器；交易进行中返回Scheduled。
func (s *Station) ChangeAvailability(connectorID int, availability ocpp16.AvailabilityType) ocpp16.AvailabilityStatus {
	targets := []int{connectorID}
	if connectorID == 0 {
		targets = s.connectorIDs
	}

	result := ocpp16.AvailabilityStatusAccepted
	for _, id := range targets {
		c := s.connectors[id]
		status := c.SetAvailability(availability)
		if status == ocpp16.AvailabilityStatusScheduled {
			s.pendingMutex.Lock()
			s.pendingAvailability[id] = availability
			s.pendingMutex.Unlock()
			result = ocpp16.AvailabilityStatusScheduled
			continue
		}

		if availability == ocpp16.AvailabilityTypeInoperative {
			s.updateConnectorStatus(id, ocpp16.ChargePointStatusUnavailable)
		} else {
			s.updateConnectorStatus(id, ocpp16.ChargePointStatusAvailable)
		}
	}
	return result
}

// GetConfiguration GetConfiguration请求处理
func (s *Station) GetConfiguration(keys []string) ([]ocpp16.KeyValue, []string) {
	return s.store.GetKeyValues(keys)
}

// ChangeConfiguration ChangeConfiguration请求处理
// 心跳与采样周期的变更立即生效。
func (s *Station) ChangeConfiguration(key, value string) ocpp16.ConfigurationStatus {
	status := s.store.Set(key, value)
	if status != ocpp16.ConfigurationStatusAccepted {
		return status
	}

	switch key {
	case KeyHeartbeatInterval:
		s.resetHeartbeat(s.store.GetDuration(KeyHeartbeatInterval, defaultHeartbeat))
	case s.supervisionURLKey():
		s.log.Warnf("Supervision URL changed to %s, reconnect required", value)
	}

	s.publish(events.NewStationLifecycleEvent(events.EventTypeStationUpdated, s.info.StationID, "configuration changed: "+key))
	s.persistConfiguration()
	return status
}

func (s *Station) supervisionURLKey() string {
	if s.info.SupervisionUrlOcppConfiguration {
		return s.info.SupervisionUrlOcppKey
	}
	return ""
}

// ClearCache ClearCache请求处理，清空授权缓存
func (s *Station) ClearCache() ocpp16.ClearCacheStatus {
	s.authCache.Clear()
	return ocpp16.ClearCacheStatusAccepted
}

// UnlockConnector UnlockConnector请求处理
// 交易进行中先以UnlockCommand停止交易。
func (s *Station) UnlockConnector(connectorID int) ocpp16.UnlockStatus {
	c, ok := s.connectors[connectorID]
	if !ok || connectorID == 0 {
		return ocpp16.UnlockStatusNotSupported
	}

	if c.HasTransaction() {
		if err := s.EndTransaction(connectorID, ocpp16.ReasonUnlockCommand); err != nil {
			s.log.Warnf("Failed to stop transaction during unlock of connector %d: %v", connectorID, err)
			return ocpp16.UnlockStatusUnlockFailed
		}
	}
	return ocpp16.UnlockStatusUnlocked
}

// RemoteStartTransaction RemoteStartTransaction请求处理
// 未指定连接器时选第一个空闲的；remoteAuthorization开启时先走Authorize。
func (s *Station) RemoteStartTransaction(connectorID *int, idTag string, profile *ocpp16.ChargingProfile) ocpp16.RemoteStartStopStatus {
	target := 0
	if connectorID != nil {
		target = *connectorID
	} else {
		for _, id := range s.connectorIDs {
			if id == 0 {
				continue
			}
			c := s.connectors[id]
			if !c.HasTransaction() && c.Availability() == ocpp16.AvailabilityTypeOperative &&
				c.Status() == ocpp16.ChargePointStatusAvailable {
				target = id
				break
			}
		}
	}

	c, ok := s.connectors[target]
	if !ok || target == 0 {
		return ocpp16.RemoteStartStopStatusRejected
	}
	if c.HasTransaction() || c.Availability() == ocpp16.AvailabilityTypeInoperative {
		return ocpp16.RemoteStartStopStatusRejected
	}
	if r, reserved := s.reservations.ForConnector(target); reserved && !s.reservations.Authorizes(r, idTag, nil) {
		return ocpp16.RemoteStartStopStatusRejected
	}

	// TxProfile随远程启动一起下发
	if profile != nil {
		if profile.ChargingProfilePurpose != ocpp16.ChargingProfilePurposeTxProfile {
			return ocpp16.RemoteStartStopStatusRejected
		}
		s.profiles.Set(target, profile)
	}

	c.SetRemoteStartPending(true, idTag)
	go s.completeRemoteStart(target, idTag)
	return ocpp16.RemoteStartStopStatusAccepted
}

func (s *Station) completeRemoteStart(connectorID int, idTag string) {
	c := s.connectors[connectorID]

	start := func() {
		pending, pendingTag := c.RemoteStartPending()
		if !pending || pendingTag != idTag {
			return
		}
		c.SetRemoteStartPending(false, "")
		if err := s.BeginTransaction(connectorID, idTag); err != nil {
			s.log.Warnf("Remote start on connector %d failed: %v", connectorID, err)
		}
	}

	if !s.info.RemoteAuthorization {
		start()
		return
	}

	s.Authorize(idTag, func(info *ocpp16.IdTagInfo, err error) {
		if err != nil {
			s.log.Warnf("Remote start authorization failed: %v", err)
			c.SetRemoteStartPending(false, "")
			return
		}
		if info.Status != ocpp16.AuthorizationStatusAccepted {
			s.log.Warnf("Remote start id tag %s not authorized: %s", idTag, info.Status)
			c.SetRemoteStartPending(false, "")
			return
		}
		start()
	})
}

// RemoteStopTransaction RemoteStopTransaction请求处理
func (s *Station) RemoteStopTransaction(transactionID int) ocpp16.RemoteStartStopStatus {
	for _, id := range s.connectorIDs {
		if txID, ok := s.connectors[id].TransactionID(); ok && txID == transactionID {
			connectorID := id
			go func() {
				if err := s.EndTransaction(connectorID, ocpp16.ReasonRemote); err != nil {
					s.log.Warnf("Remote stop of transaction %d failed: %v", transactionID, err)
				}
			}()
			return ocpp16.RemoteStartStopStatusAccepted
		}
	}
	return ocpp16.RemoteStartStopStatusRejected
}

// ReserveNow ReserveNow请求处理
func (s *Station) ReserveNow(req *ocpp16.ReserveNowRequest) ocpp16.ReservationStatus {
	if req.ConnectorId == 0 && !s.store.GetBool(KeyReserveConnectorZero, false) {
		return ocpp16.ReservationStatusRejected
	}

	c := s.connectors[req.ConnectorId]
	reservation := &Reservation{
		ID:          req.ReservationId,
		ConnectorID: req.ConnectorId,
		IdTag:       req.IdTag,
		ParentIdTag: req.ParentIdTag,
		ExpiryDate:  req.ExpiryDate.Time,
	}

	status := s.reservations.Reserve(reservation, c.Status(), c.Availability())
	if status == ocpp16.ReservationStatusAccepted && req.ConnectorId != 0 {
		reservationID := req.ReservationId
		c.SetReservation(&reservationID)
		s.updateConnectorStatus(req.ConnectorId, ocpp16.ChargePointStatusReserved)
	}
	return status
}

// CancelReservation CancelReservation请求处理
func (s *Station) CancelReservation(reservationID int) ocpp16.CancelReservationStatus {
	return s.reservations.Cancel(reservationID)
}

// onReservationRemoved 预约移除回调
// 到期、取消和覆盖需要把连接器恢复为Available并上报。
func (s *Station) onReservationRemoved(r *Reservation, reason ReservationRemovalReason) {
	c, ok := s.connectors[r.ConnectorID]
	if ok {
		if current, reserved := c.ReservationID(); reserved && current == r.ID {
			c.SetReservation(nil)
		}
	}

	if reason.notifiesAvailable() && ok && c.Status() == ocpp16.ChargePointStatusReserved {
		s.updateConnectorStatus(r.ConnectorID, ocpp16.ChargePointStatusAvailable)
	}
}

// SetChargingProfile SetChargingProfile请求处理
// TxProfile要求连接器上有匹配的进行中交易。
func (s *Station) SetChargingProfile(connectorID int, profile *ocpp16.ChargingProfile) ocpp16.ChargingProfileStatus {
	if profile.ChargingProfilePurpose == ocpp16.ChargingProfilePurposeTxProfile {
		if connectorID == 0 {
			return ocpp16.ChargingProfileStatusRejected
		}
		txID, ok := s.connectors[connectorID].TransactionID()
		if !ok || profile.TransactionId == nil || *profile.TransactionId != txID {
			return ocpp16.ChargingProfileStatusRejected
		}
	}
	if profile.ChargingProfilePurpose == ocpp16.ChargingProfilePurposeChargePointMaxProfile && connectorID != 0 {
		return ocpp16.ChargingProfileStatusRejected
	}
	return s.profiles.Set(connectorID, profile)
}

// ClearChargingProfile ClearChargingProfile请求处理
func (s *Station) ClearChargingProfile(req *ocpp16.ClearChargingProfileRequest) ocpp16.ClearChargingProfileStatus {
	return s.profiles.Clear(req.Id, req.ConnectorId, req.ChargingProfilePurpose, req.StackLevel)
}

// TriggerMessage TriggerMessage请求处理
// 触发的消息绕过注册门控，Pending状态下中心系统靠它拉取状态。
func (s *Station) TriggerMessage(trigger ocpp16.MessageTrigger, connectorID *int) ocpp16.TriggerMessageStatus {
	switch trigger {
	case ocpp16.MessageTriggerBootNotification:
		go func() {
			if _, err := s.sendBootNotification(); err != nil {
				s.log.Warnf("Triggered BootNotification failed: %v", err)
			}
		}()
		return ocpp16.TriggerMessageStatusAccepted

	case ocpp16.MessageTriggerHeartbeat:
		go s.SendHeartbeat()
		return ocpp16.TriggerMessageStatusAccepted

	case ocpp16.MessageTriggerStatusNotification:
		targets := s.connectorIDs
		if connectorID != nil {
			targets = []int{*connectorID}
		}
		go func() {
			for _, id := range targets {
				c := s.connectors[id]
				s.SendStatusNotification(id, c.Status(), c.ErrorCode())
			}
		}()
		return ocpp16.TriggerMessageStatusAccepted

	case ocpp16.MessageTriggerMeterValues:
		targets := s.connectorIDs
		if connectorID != nil {
			targets = []int{*connectorID}
		}
		go func() {
			now := time.Now()
			for _, id := range targets {
				if id == 0 {
					continue
				}
				s.sendMeterValues(s.connectors[id], now)
			}
		}()
		return ocpp16.TriggerMessageStatusAccepted

	case ocpp16.MessageTriggerFirmwareStatusNotification:
		go s.SendFirmwareStatusNotification(s.info.FirmwareStatus)
		return ocpp16.TriggerMessageStatusAccepted

	default:
		return ocpp16.TriggerMessageStatusNotImplemented
	}
}

// DataTransfer DataTransfer请求处理，模拟器不认任何vendor
func (s *Station) DataTransfer(req *ocpp16.DataTransferRequest) *ocpp16.DataTransferResponse {
	s.log.Infof("DataTransfer from vendor %s rejected", req.VendorId)
	return &ocpp16.DataTransferResponse{Status: ocpp16.DataTransferStatusUnknownVendorId}
}

// UpdateFirmware UpdateFirmware请求处理，后台模拟下载与安装
func (s *Station) UpdateFirmware(req *ocpp16.UpdateFirmwareRequest) {
	go s.performFirmwareUpdate(req)
}

// performFirmwareUpdate 依次上报下载与安装状态
// Installing状态持久化后重启，下次启动时版本号按升级规则推进。
func (s *Station) performFirmwareUpdate(req *ocpp16.UpdateFirmwareRequest) {
	if wait := time.Until(req.RetrieveDate.Time); wait > 0 {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	s.log.Infof("Downloading firmware from %s", req.Location)
	s.SendFirmwareStatusNotification(ocpp16.FirmwareStatusDownloading)

	select {
	case <-s.ctx.Done():
		return
	case <-time.After(firmwareDownloadDelay):
	}
	s.SendFirmwareStatusNotification(ocpp16.FirmwareStatusDownloaded)

	s.info.FirmwareStatus = ocpp16.FirmwareStatusInstalling
	s.SendFirmwareStatusNotification(ocpp16.FirmwareStatusInstalling)
	s.persistConfiguration()

	reset := true
	if s.info.FirmwareUpgrade != nil && s.info.FirmwareUpgrade.Reset != nil {
		reset = *s.info.FirmwareUpgrade.Reset
	}
	if reset {
		s.performReset(ocpp16.ReasonReboot)
	}
}
