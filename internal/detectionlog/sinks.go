package detectionlog

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/andresmejia3/overwatch/internal/types"
	"github.com/redis/go-redis/v9"
)

// Appender is the persistence the PostgresSink writes through. *store.Store satisfies it.
type Appender interface {
	AppendDetection(ctx context.Context, e types.DetectionLogEntry) error
}

// PostgresSink writes entries to the detections table.
type PostgresSink struct {
	store Appender
}

func NewPostgresSink(store Appender) *PostgresSink {
	return &PostgresSink{store: store}
}

func (s *PostgresSink) Write(ctx context.Context, e types.DetectionLogEntry) error {
	if err := s.store.AppendDetection(ctx, e); err != nil {
		return fmt.Errorf("persisting detection: %w", err)
	}
	return nil
}

// DefaultStream is the redis stream detections are published to.
const DefaultStream = "overwatch:detections"

// RedisSink publishes entries to a capped redis stream so other services can follow them.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink connects to addr. maxLen caps the stream (approximately); 0 leaves it uncapped.
func NewRedisSink(ctx context.Context, addr, stream string, maxLen int64) (*RedisSink, error) {
	if stream == "" {
		stream = DefaultStream
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}, nil
}

func (s *RedisSink) Write(ctx context.Context, e types.DetectionLogEntry) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: s.maxLen > 0,
		Values: map[string]interface{}{
			"name":       e.Name,
			"regno":      e.Regno,
			"camera_id":  e.CameraID,
			"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
			"confidence": strconv.FormatFloat(e.Confidence, 'f', 2, 64),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publishing detection: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
