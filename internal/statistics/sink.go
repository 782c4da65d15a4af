package statistics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
)

// Sink 统计快照的落地端
type Sink interface {
	// Write 写出一份快照
	Write(ctx context.Context, stationID string, snapshot []CommandStatistics) error
	// Close 释放资源
	Close() error
}

// FileSink 把快照写为JSON文件，按站点一个文件
type FileSink struct {
	dir string
}

// NewFileSink 创建文件落地端
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create statistics directory: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Write 实现Sink接口
func (s *FileSink) Write(_ context.Context, stationID string, snapshot []CommandStatistics) error {
	data, err := json.MarshalIndent(map[string]interface{}{
		"station":   stationID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"commands":  snapshot,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal statistics snapshot: %w", err)
	}

	path := filepath.Join(s.dir, stationID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write statistics file %s: %w", path, err)
	}
	return nil
}

// Close 实现Sink接口
func (s *FileSink) Close() error {
	return nil
}

// RedisSink 把快照写入Redis hash，field为命令名
type RedisSink struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

// NewRedisSink 创建Redis落地端
func NewRedisSink(client redis.Cmdable, keyPrefix string, ttl time.Duration) *RedisSink {
	if keyPrefix == "" {
		keyPrefix = "simulator:statistics"
	}
	return &RedisSink{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

// Write 实现Sink接口
func (s *RedisSink) Write(ctx context.Context, stationID string, snapshot []CommandStatistics) error {
	if len(snapshot) == 0 {
		return nil
	}

	key := fmt.Sprintf("%s:%s", s.keyPrefix, stationID)
	fields := make(map[string]interface{}, len(snapshot))
	for _, cs := range snapshot {
		data, err := json.Marshal(cs)
		if err != nil {
			return fmt.Errorf("failed to marshal statistics for %s: %w", cs.Command, err)
		}
		fields[cs.Command] = data
	}

	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("failed to write statistics to redis: %w", err)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return fmt.Errorf("failed to set statistics ttl: %w", err)
		}
	}
	return nil
}

// Close 实现Sink接口
func (s *RedisSink) Close() error {
	if closer, ok := s.client.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
