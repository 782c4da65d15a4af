package v16

import (
	"encoding/json"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/station-simulator/internal/domain/serialization"
	"github.com/charging-platform/station-simulator/internal/domain/validation"
	"github.com/charging-platform/station-simulator/internal/logger"
	"github.com/charging-platform/station-simulator/internal/ocpp"
)

// Station 处理入站请求时需要的站点操作
type Station interface {
	Reset(resetType ocpp16.ResetType) ocpp16.ResetStatus
	ChangeAvailability(connectorID int, availability ocpp16.AvailabilityType) ocpp16.AvailabilityStatus
	GetConfiguration(keys []string) ([]ocpp16.KeyValue, []string)
	ChangeConfiguration(key, value string) ocpp16.ConfigurationStatus
	ClearCache() ocpp16.ClearCacheStatus
	UnlockConnector(connectorID int) ocpp16.UnlockStatus
	RemoteStartTransaction(connectorID *int, idTag string, profile *ocpp16.ChargingProfile) ocpp16.RemoteStartStopStatus
	RemoteStopTransaction(transactionID int) ocpp16.RemoteStartStopStatus
	ReserveNow(req *ocpp16.ReserveNowRequest) ocpp16.ReservationStatus
	CancelReservation(reservationID int) ocpp16.CancelReservationStatus
	SetChargingProfile(connectorID int, profile *ocpp16.ChargingProfile) ocpp16.ChargingProfileStatus
	ClearChargingProfile(req *ocpp16.ClearChargingProfileRequest) ocpp16.ClearChargingProfileStatus
	TriggerMessage(trigger ocpp16.MessageTrigger, connectorID *int) ocpp16.TriggerMessageStatus
	DataTransfer(req *ocpp16.DataTransferRequest) *ocpp16.DataTransferResponse
	UpdateFirmware(req *ocpp16.UpdateFirmwareRequest)
	HasConnector(connectorID int) bool
}

// Handler OCPP 1.6入站请求分发器，实现引擎的RequestHandler接口
type Handler struct {
	station    Station
	serializer *serialization.Serializer
	validator  *validation.Validator
	log        *logger.Logger
}

// NewHandler 创建分发器
func NewHandler(station Station, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		station:    station,
		serializer: serialization.NewSerializer(),
		validator:  validation.NewValidator(),
		log:        log,
	}
}

// decode 反序列化并校验请求载荷
func (h *Handler) decode(payload json.RawMessage, target interface{}) *ocpp.CallError {
	if err := h.serializer.DeserializePayload(payload, target); err != nil {
		return ocpp.NewCallError("", ocpp.ErrorFormationViolation, err.Error())
	}
	if err := h.validator.ValidateStruct(target); err != nil {
		return ocpp.NewCallError("", ocpp.ErrorTypeConstraintViolation, err.Error())
	}
	return nil
}

// HandleRequest 实现RequestHandler接口
func (h *Handler) HandleRequest(action ocpp16.Action, payload json.RawMessage) (interface{}, *ocpp.CallError) {
	switch action {
	case ocpp16.ActionReset:
		return h.handleReset(payload)
	case ocpp16.ActionChangeAvailability:
		return h.handleChangeAvailability(payload)
	case ocpp16.ActionGetConfiguration:
		return h.handleGetConfiguration(payload)
	case ocpp16.ActionChangeConfiguration:
		return h.handleChangeConfiguration(payload)
	case ocpp16.ActionClearCache:
		return h.handleClearCache(payload)
	case ocpp16.ActionUnlockConnector:
		return h.handleUnlockConnector(payload)
	case ocpp16.ActionRemoteStartTransaction:
		return h.handleRemoteStartTransaction(payload)
	case ocpp16.ActionRemoteStopTransaction:
		return h.handleRemoteStopTransaction(payload)
	case ocpp16.ActionReserveNow:
		return h.handleReserveNow(payload)
	case ocpp16.ActionCancelReservation:
		return h.handleCancelReservation(payload)
	case ocpp16.ActionSetChargingProfile:
		return h.handleSetChargingProfile(payload)
	case ocpp16.ActionClearChargingProfile:
		return h.handleClearChargingProfile(payload)
	case ocpp16.ActionTriggerMessage:
		return h.handleTriggerMessage(payload)
	case ocpp16.ActionDataTransfer:
		return h.handleDataTransfer(payload)
	case ocpp16.ActionUpdateFirmware:
		return h.handleUpdateFirmware(payload)
	default:
		// 站点发起的动作不应作为CALL到达站点
		return nil, ocpp.NewCallError("", ocpp.ErrorNotSupported, "action "+string(action)+" is not supported by the charge point")
	}
}

func (h *Handler) handleReset(payload json.RawMessage) (interface{}, *ocpp.CallError) {
	var req ocpp16.ResetRequest
	if callErr := h.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	return &ocpp16.ResetResponse{Status: h.station.Reset(req.Type)}, nil
}

func (h *Handler) handleChangeAvailability(payload json.RawMessage) (interface{}, *ocpp.CallError) {
	var req ocpp16.ChangeAvailabilityRequest
	if callErr := h.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	if !h.station.HasConnector(req.ConnectorId) {
		return &ocpp16.ChangeAvailabilityResponse{Status: ocpp16.AvailabilityStatusRejected}, nil
	}
	return &ocpp16.ChangeAvailabilityResponse{Status: h.station.ChangeAvailability(req.ConnectorId, req.Type)}, nil
}

func (h *Handler) handleGetConfiguration(payload json.RawMessage) (interface{}, *ocpp.CallError) {
	var req ocpp16.GetConfigurationRequest
	if callErr := h.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	known, unknown := h.station.GetConfiguration(req.Key)
	return &ocpp16.GetConfigurationResponse{ConfigurationKey: known, UnknownKey: unknown}, nil
}

func (h *Handler) handleChangeConfiguration(payload json.RawMessage) (interface{}, *ocpp.CallError) {
	var req ocpp16.ChangeConfigurationRequest
	if callErr := h.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	return &ocpp16.ChangeConfigurationResponse{Status: h.station.ChangeConfiguration(req.Key, req.Value)}, nil
}

func (h *Handler) handleClearCache(payload json.RawMessage) (interface{}, *ocpp.CallError) {
	var req ocpp16.ClearCacheRequest
	if callErr := h.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	return &ocpp16.ClearCacheResponse{Status: h.station.ClearCache()}, nil
}

func (h *Handler) handleUnlockConnector(payload json.RawMessage) (interface{}, *ocpp.CallError) {
	var req ocpp16.UnlockConnectorRequest
	if callErr := h.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	if !h.station.HasConnector(req.ConnectorId) {
		return &ocpp16.UnlockConnectorResponse{Status: ocpp16.UnlockStatusNotSupported}, nil
	}
	return &ocpp16.UnlockConnectorResponse{Status: h.station.UnlockConnector(req.ConnectorId)}, nil
}

func (h *Handler) handleRemoteStartTransaction(payload json.RawMessage) (interface{}, *ocpp.CallError) {
	var req ocpp16.RemoteStartTransactionRequest
	if callErr := h.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	status := h.station.RemoteStartTransaction(req.ConnectorId, req.IdTag, req.ChargingProfile)
	return &ocpp16.RemoteStartTransactionResponse{Status: status}, nil
}

func (h *Handler) handleRemoteStopTransaction(payload json.RawMessage) (interface{}, *ocpp.CallError) {
	var req ocpp16.RemoteStopTransactionRequest
	if callErr := h.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	return &ocpp16.RemoteStopTransactionResponse{Status: h.station.RemoteStopTransaction(req.TransactionId)}, nil
}

func (h *Handler) handleReserveNow(payload json.RawMessage) (interface{}, *ocpp.CallError) {
	var req ocpp16.ReserveNowRequest
	if callErr := h.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	if !h.station.HasConnector(req.ConnectorId) {
		return &ocpp16.ReserveNowResponse{Status: ocpp16.ReservationStatusRejected}, nil
	}
	return &ocpp16.ReserveNowResponse{Status: h.station.ReserveNow(&req)}, nil
}

func (h *Handler) handleCancelReservation(payload json.RawMessage) (interface{}, *ocpp.CallError) {
	var req ocpp16.CancelReservationRequest
	if callErr := h.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	return &ocpp16.CancelReservationResponse{Status: h.station.CancelReservation(req.ReservationId)}, nil
}

func (h *Handler) handleSetChargingProfile(payload json.RawMessage) (interface{}, *ocpp.CallError) {
	var req ocpp16.SetChargingProfileRequest
	if callErr := h.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	if !h.station.HasConnector(req.ConnectorId) {
		return &ocpp16.SetChargingProfileResponse{Status: ocpp16.ChargingProfileStatusRejected}, nil
	}
	status := h.station.SetChargingProfile(req.ConnectorId, &req.CsChargingProfiles)
	return &ocpp16.SetChargingProfileResponse{Status: status}, nil
}

func (h *Handler) handleClearChargingProfile(payload json.RawMessage) (interface{}, *ocpp.CallError) {
	var req ocpp16.ClearChargingProfileRequest
	if callErr := h.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	return &ocpp16.ClearChargingProfileResponse{Status: h.station.ClearChargingProfile(&req)}, nil
}

func (h *Handler) handleTriggerMessage(payload json.RawMessage) (interface{}, *ocpp.CallError) {
	var req ocpp16.TriggerMessageRequest
	if callErr := h.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	if req.ConnectorId != nil && !h.station.HasConnector(*req.ConnectorId) {
		return &ocpp16.TriggerMessageResponse{Status: ocpp16.TriggerMessageStatusRejected}, nil
	}
	return &ocpp16.TriggerMessageResponse{Status: h.station.TriggerMessage(req.RequestedMessage, req.ConnectorId)}, nil
}

func (h *Handler) handleDataTransfer(payload json.RawMessage) (interface{}, *ocpp.CallError) {
	var req ocpp16.DataTransferRequest
	if callErr := h.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	return h.station.DataTransfer(&req), nil
}

func (h *Handler) handleUpdateFirmware(payload json.RawMessage) (interface{}, *ocpp.CallError) {
	var req ocpp16.UpdateFirmwareRequest
	if callErr := h.decode(payload, &req); callErr != nil {
		return nil, callErr
	}
	h.station.UpdateFirmware(&req)
	return &ocpp16.UpdateFirmwareResponse{}, nil
}
