package validation

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
)

// Validator OCPP载荷验证器
type Validator struct {
	validate *validator.Validate
}

// ValidationError 验证错误
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// Error 实现error接口
func (e ValidationError) Error() string {
	return e.Message
}

// ValidationErrors 验证错误集合
type ValidationErrors []ValidationError

// Error 实现error接口
func (e ValidationErrors) Error() string {
	var messages []string
	for _, err := range e {
		messages = append(messages, err.Message)
	}
	return strings.Join(messages, "; ")
}

// NewValidator 创建新的验证器
func NewValidator() *Validator {
	return &Validator{
		validate: validator.New(),
	}
}

// ValidateStruct 验证结构体
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors ValidationErrors

	if validatorErrors, ok := err.(validator.ValidationErrors); ok {
		for _, validatorError := range validatorErrors {
			validationErrors = append(validationErrors, ValidationError{
				Field:   validatorError.Field(),
				Tag:     validatorError.Tag(),
				Value:   fmt.Sprintf("%v", validatorError.Value()),
				Message: getErrorMessage(validatorError),
			})
		}
	}

	return validationErrors
}

// IsSupportedAction 检查action是否为已知的OCPP 1.6动作
func IsSupportedAction(action string) bool {
	_, ok := supportedActions[ocpp16.Action(action)]
	return ok
}

var supportedActions = map[ocpp16.Action]struct{}{
	ocpp16.ActionAuthorize:                  {},
	ocpp16.ActionBootNotification:           {},
	ocpp16.ActionCancelReservation:          {},
	ocpp16.ActionChangeAvailability:         {},
	ocpp16.ActionChangeConfiguration:        {},
	ocpp16.ActionClearCache:                 {},
	ocpp16.ActionClearChargingProfile:       {},
	ocpp16.ActionDataTransfer:               {},
	ocpp16.ActionFirmwareStatusNotification: {},
	ocpp16.ActionGetConfiguration:           {},
	ocpp16.ActionHeartbeat:                  {},
	ocpp16.ActionMeterValues:                {},
	ocpp16.ActionRemoteStartTransaction:     {},
	ocpp16.ActionRemoteStopTransaction:      {},
	ocpp16.ActionReserveNow:                 {},
	ocpp16.ActionReset:                      {},
	ocpp16.ActionSetChargingProfile:         {},
	ocpp16.ActionStartTransaction:           {},
	ocpp16.ActionStatusNotification:         {},
	ocpp16.ActionStopTransaction:            {},
	ocpp16.ActionTriggerMessage:             {},
	ocpp16.ActionUnlockConnector:            {},
	ocpp16.ActionUpdateFirmware:             {},
}

// getErrorMessage 生成可读的错误信息
func getErrorMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("Field '%s' is required", e.Field())
	case "min":
		return fmt.Sprintf("Field '%s' must be at least %s", e.Field(), e.Param())
	case "max":
		return fmt.Sprintf("Field '%s' must not exceed %s", e.Field(), e.Param())
	case "omitempty":
		return fmt.Sprintf("Field '%s' has an invalid value", e.Field())
	default:
		return fmt.Sprintf("Field '%s' failed validation '%s'", e.Field(), e.Tag())
	}
}
