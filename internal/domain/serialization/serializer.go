package serialization

import (
	"encoding/json"
	"fmt"
)

// SerializationError 序列化错误
type SerializationError struct {
	Operation string
	Message   string
	Cause     error
}

// Error 实现error接口
func (e SerializationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s failed: %s (caused by: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Message)
}

// Frame 一条解析后的OCPP-J帧
// CALL:       [2, messageId, action, payload]
// CALLRESULT: [3, messageId, payload]
// CALLERROR:  [4, messageId, errorCode, errorDescription, errorDetails]
type Frame struct {
	MessageType      int
	MessageID        string
	Action           string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// Serializer OCPP-J帧编解码器
type Serializer struct{}

// NewSerializer 创建新的编解码器
func NewSerializer() *Serializer {
	return &Serializer{}
}

// SerializeCall 序列化CALL帧
func (s *Serializer) SerializeCall(messageID string, action string, payload interface{}) ([]byte, error) {
	return s.marshalFrame("SerializeCall", []interface{}{2, messageID, action, payload})
}

// SerializeCallResult 序列化CALLRESULT帧
func (s *Serializer) SerializeCallResult(messageID string, payload interface{}) ([]byte, error) {
	return s.marshalFrame("SerializeCallResult", []interface{}{3, messageID, payload})
}

// SerializeCallError 序列化CALLERROR帧
func (s *Serializer) SerializeCallError(messageID string, errorCode string, errorDescription string, errorDetails interface{}) ([]byte, error) {
	if errorDetails == nil {
		errorDetails = map[string]interface{}{}
	}
	return s.marshalFrame("SerializeCallError", []interface{}{4, messageID, errorCode, errorDescription, errorDetails})
}

func (s *Serializer) marshalFrame(operation string, elements []interface{}) ([]byte, error) {
	data, err := json.Marshal(elements)
	if err != nil {
		return nil, SerializationError{
			Operation: operation,
			Message:   "Failed to marshal JSON",
			Cause:     err,
		}
	}
	return data, nil
}

// DeserializeFrame 解析一条入站帧
func (s *Serializer) DeserializeFrame(data []byte) (*Frame, error) {
	var message []json.RawMessage

	if err := json.Unmarshal(data, &message); err != nil {
		return nil, SerializationError{
			Operation: "DeserializeFrame",
			Message:   "Message is not a JSON array",
			Cause:     err,
		}
	}

	if len(message) < 3 {
		return nil, SerializationError{
			Operation: "DeserializeFrame",
			Message:   "Message array too short",
		}
	}

	frame := &Frame{}

	if err := json.Unmarshal(message[0], &frame.MessageType); err != nil {
		return nil, SerializationError{
			Operation: "DeserializeFrame",
			Message:   "Failed to parse message type",
			Cause:     err,
		}
	}

	if err := json.Unmarshal(message[1], &frame.MessageID); err != nil {
		return nil, SerializationError{
			Operation: "DeserializeFrame",
			Message:   "Failed to parse message ID",
			Cause:     err,
		}
	}

	switch frame.MessageType {
	case 2: // Call
		if len(message) != 4 {
			return nil, SerializationError{
				Operation: "DeserializeFrame",
				Message:   "Call message must have exactly 4 elements",
			}
		}
		if err := json.Unmarshal(message[2], &frame.Action); err != nil {
			return nil, SerializationError{
				Operation: "DeserializeFrame",
				Message:   "Failed to parse action",
				Cause:     err,
			}
		}
		frame.Payload = message[3]
		return frame, nil

	case 3: // CallResult
		if len(message) != 3 {
			return nil, SerializationError{
				Operation: "DeserializeFrame",
				Message:   "CallResult message must have exactly 3 elements",
			}
		}
		frame.Payload = message[2]
		return frame, nil

	case 4: // CallError
		if len(message) < 4 || len(message) > 5 {
			return nil, SerializationError{
				Operation: "DeserializeFrame",
				Message:   "CallError message must have 4 or 5 elements",
			}
		}
		if err := json.Unmarshal(message[2], &frame.ErrorCode); err != nil {
			return nil, SerializationError{
				Operation: "DeserializeFrame",
				Message:   "Failed to parse error code",
				Cause:     err,
			}
		}
		if err := json.Unmarshal(message[3], &frame.ErrorDescription); err != nil {
			return nil, SerializationError{
				Operation: "DeserializeFrame",
				Message:   "Failed to parse error description",
				Cause:     err,
			}
		}
		if len(message) == 5 {
			frame.ErrorDetails = message[4]
		}
		return frame, nil

	default:
		return nil, SerializationError{
			Operation: "DeserializeFrame",
			Message:   fmt.Sprintf("Invalid message type: %d", frame.MessageType),
		}
	}
}

// DeserializePayload 反序列化载荷到指定类型
func (s *Serializer) DeserializePayload(data []byte, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return SerializationError{
			Operation: "DeserializePayload",
			Message:   "Failed to unmarshal payload",
			Cause:     err,
		}
	}
	return nil
}
