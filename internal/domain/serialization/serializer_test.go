package serialization

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializer_SerializeCall(t *testing.T) {
	s := NewSerializer()

	payload := map[string]interface{}{
		"chargePointVendor": "SimVendor",
		"chargePointModel":  "SimModel",
	}
	data, err := s.SerializeCall("uuid-1", "BootNotification", payload)
	require.NoError(t, err)

	// 帧结构: [2, messageId, action, payload]
	var frame []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Len(t, frame, 4)

	var messageType int
	require.NoError(t, json.Unmarshal(frame[0], &messageType))
	assert.Equal(t, 2, messageType)

	var action string
	require.NoError(t, json.Unmarshal(frame[2], &action))
	assert.Equal(t, "BootNotification", action)
}

func TestSerializer_RoundTrip(t *testing.T) {
	s := NewSerializer()

	tests := []struct {
		name  string
		build func() ([]byte, error)
		check func(t *testing.T, frame *Frame)
	}{
		{
			name: "CALL往返",
			build: func() ([]byte, error) {
				return s.SerializeCall("id-1", "Heartbeat", map[string]string{})
			},
			check: func(t *testing.T, frame *Frame) {
				assert.Equal(t, 2, frame.MessageType)
				assert.Equal(t, "id-1", frame.MessageID)
				assert.Equal(t, "Heartbeat", frame.Action)
			},
		},
		{
			name: "CALLRESULT往返",
			build: func() ([]byte, error) {
				return s.SerializeCallResult("id-2", map[string]string{"currentTime": "2026-01-01T00:00:00Z"})
			},
			check: func(t *testing.T, frame *Frame) {
				assert.Equal(t, 3, frame.MessageType)
				assert.Equal(t, "id-2", frame.MessageID)
			},
		},
		{
			name: "CALLERROR往返",
			build: func() ([]byte, error) {
				return s.SerializeCallError("id-3", "GenericError", "boom", map[string]string{"k": "v"})
			},
			check: func(t *testing.T, frame *Frame) {
				assert.Equal(t, 4, frame.MessageType)
				assert.Equal(t, "id-3", frame.MessageID)
				assert.Equal(t, "GenericError", frame.ErrorCode)
				assert.Equal(t, "boom", frame.ErrorDescription)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.build()
			require.NoError(t, err)

			frame, err := s.DeserializeFrame(data)
			require.NoError(t, err)
			tt.check(t, frame)
		})
	}
}

func TestSerializer_DeserializeFrame_Malformed(t *testing.T) {
	s := NewSerializer()

	tests := []struct {
		name string
		data string
	}{
		{"非JSON", "not json"},
		{"非数组", `{"a":1}`},
		{"空数组", `[]`},
		{"CALL元素不足", `[2,"id-1"]`},
		{"CALLRESULT元素不足", `[3]`},
		{"CALLERROR元素不足", `[4,"id-1","GenericError"]`},
		{"消息类型非法", `[9,"id-1","Action",{}]`},
		{"消息ID非字符串", `[2,42,"Heartbeat",{}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.DeserializeFrame([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestSerializer_DeserializePayload(t *testing.T) {
	s := NewSerializer()

	type target struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}

	var out target
	err := s.DeserializePayload([]byte(`{"key":"HeartbeatInterval","value":"60"}`), &out)
	require.NoError(t, err)
	assert.Equal(t, "HeartbeatInterval", out.Key)
	assert.Equal(t, "60", out.Value)

	err = s.DeserializePayload([]byte(`{invalid`), &out)
	assert.Error(t, err)
}
