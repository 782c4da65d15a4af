package statistics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatistics_AddRequest(t *testing.T) {
	s := New("CS-00001")

	// 同一命令的载荷字节数累加
	s.AddRequest("Heartbeat", 20)
	s.AddRequest("Heartbeat", 30)
	s.AddRequest("BootNotification", 100)

	cs, ok := s.Get("Heartbeat")
	require.True(t, ok)
	assert.Equal(t, int64(2), cs.RequestCount)
	assert.Equal(t, int64(50), cs.MessageSize)

	cs, ok = s.Get("BootNotification")
	require.True(t, ok)
	assert.Equal(t, int64(1), cs.RequestCount)
	assert.Equal(t, int64(100), cs.MessageSize)
}

func TestStatistics_AddResponse(t *testing.T) {
	s := New("CS-00001")

	s.AddRequest("StartTransaction", 80)
	s.AddResponse("StartTransaction", 10*time.Millisecond)
	s.AddResponse("StartTransaction", 20*time.Millisecond)
	s.AddResponse("StartTransaction", 30*time.Millisecond)

	cs, ok := s.Get("StartTransaction")
	require.True(t, ok)
	assert.Equal(t, int64(3), cs.ResponseCount)
	assert.Equal(t, 10*time.Millisecond, cs.MinTime)
	assert.Equal(t, 30*time.Millisecond, cs.MaxTime)
	assert.Equal(t, 20*time.Millisecond, cs.AvgTime)
	assert.Equal(t, 20*time.Millisecond, cs.MedianTime)
}

func TestStatistics_AddError(t *testing.T) {
	s := New("CS-00001")

	s.AddRequest("Heartbeat", 20)
	s.AddError("Heartbeat")
	s.AddError("Heartbeat")

	cs, ok := s.Get("Heartbeat")
	require.True(t, ok)
	assert.Equal(t, int64(2), cs.ErrorCount)
}

func TestStatistics_Snapshot(t *testing.T) {
	s := New("CS-00001")

	s.AddRequest("Heartbeat", 20)
	s.AddRequest("MeterValues", 200)

	snapshot := s.Snapshot()
	assert.Len(t, snapshot, 2)

	commands := map[string]bool{}
	for _, cs := range snapshot {
		commands[cs.Command] = true
	}
	assert.True(t, commands["Heartbeat"])
	assert.True(t, commands["MeterValues"])
}

func TestStatistics_SampleRingBuffer(t *testing.T) {
	s := New("CS-00001")

	// 写满环形缓冲再多写一些，统计仍然可用
	for i := 0; i < defaultSampleCapacity+50; i++ {
		s.AddResponse("Heartbeat", time.Duration(i+1)*time.Millisecond)
	}

	cs, ok := s.Get("Heartbeat")
	require.True(t, ok)
	assert.Equal(t, int64(defaultSampleCapacity+50), cs.ResponseCount)
	// 最老的样本已被覆盖
	assert.Greater(t, cs.MinTime, time.Duration(0))
}

func TestStatistics_GetUnknownCommand(t *testing.T) {
	s := New("CS-00001")

	_, ok := s.Get("NoSuchCommand")
	assert.False(t, ok)
}
