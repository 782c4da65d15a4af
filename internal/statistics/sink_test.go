package statistics

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink_Write(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	snapshot := []CommandStatistics{
		{Command: "Heartbeat", RequestCount: 3, ResponseCount: 3, MessageSize: 60},
	}
	require.NoError(t, sink.Write(context.Background(), "CS-00001", snapshot))

	// 文件内容可解析且包含站点名
	data, err := os.ReadFile(filepath.Join(dir, "CS-00001.json"))
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, "CS-00001", parsed["station"])

	commands, ok := parsed["commands"].([]interface{})
	require.True(t, ok)
	assert.Len(t, commands, 1)
}

func TestRedisSink_Write(t *testing.T) {
	client, mock := redismock.NewClientMock()
	sink := NewRedisSink(client, "", time.Hour)

	snapshot := []CommandStatistics{
		{Command: "Heartbeat", RequestCount: 2, ResponseCount: 2, MessageSize: 40},
	}

	payload, err := json.Marshal(snapshot[0])
	require.NoError(t, err)

	key := "simulator:statistics:CS-00001"
	mock.ExpectHSet(key, "Heartbeat", payload).SetVal(1)
	mock.ExpectExpire(key, time.Hour).SetVal(true)

	require.NoError(t, sink.Write(context.Background(), "CS-00001", snapshot))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSink_WriteEmptySnapshot(t *testing.T) {
	client, mock := redismock.NewClientMock()
	sink := NewRedisSink(client, "", 0)

	// 空快照不触发任何Redis命令
	require.NoError(t, sink.Write(context.Background(), "CS-00001", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
