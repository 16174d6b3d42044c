package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-redis/redis/v8"
)

// CodeSequence 原子递增计数器，用于分配户口编号
type CodeSequence interface {
	Next(ctx context.Context) (int64, error)
}

// PostgresCodeSequence 基于 household_code_seq
type PostgresCodeSequence struct {
	db *sql.DB
}

func NewPostgresCodeSequence(db *sql.DB) *PostgresCodeSequence {
	return &PostgresCodeSequence{db: db}
}

func (s *PostgresCodeSequence) Next(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT nextval('household_code_seq')`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to allocate household code: %w", err)
	}
	return n, nil
}

// RedisCodeSequence 基于 INCR；首次使用时用 SETNX 写入起始值
type RedisCodeSequence struct {
	client *redis.Client
	key    string
	start  int64

	mu     sync.Mutex
	seeded bool
}

// NewRedisCodeSequence start 为第一个返回值
func NewRedisCodeSequence(client *redis.Client, key string, start int64) *RedisCodeSequence {
	if key == "" {
		key = "hokhau:household_code_seq"
	}
	if start <= 0 {
		start = 1
	}
	return &RedisCodeSequence{client: client, key: key, start: start}
}

func (s *RedisCodeSequence) seed(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded {
		return nil
	}
	if err := s.client.SetNX(ctx, s.key, s.start-1, 0).Err(); err != nil {
		return err
	}
	s.seeded = true
	return nil
}

func (s *RedisCodeSequence) Next(ctx context.Context) (int64, error) {
	if err := s.seed(ctx); err != nil {
		return 0, fmt.Errorf("failed to seed household code sequence: %w", err)
	}
	n, err := s.client.Incr(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate household code: %w", err)
	}
	return n, nil
}

// MemoryCodeSequence 进程内计数器
type MemoryCodeSequence struct {
	n atomic.Int64
}

func NewMemoryCodeSequence(start int64) *MemoryCodeSequence {
	if start <= 0 {
		start = 1
	}
	s := &MemoryCodeSequence{}
	s.n.Store(start - 1)
	return s
}

func (s *MemoryCodeSequence) Next(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.n.Add(1), nil
}
