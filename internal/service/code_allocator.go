package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-redis/redis/v8"

	"hokhau/internal/config"
	"hokhau/internal/repository"
)

// CodeAllocator 分配户口编号 "HK" + 至少三位的序号
type CodeAllocator struct {
	seq repository.CodeSequence
}

func NewCodeAllocator(seq repository.CodeSequence) *CodeAllocator {
	return &CodeAllocator{seq: seq}
}

// NextHouseholdCode 每次调用从原子计数器取一个新值，并发调用方不会拿到相同编号
func (a *CodeAllocator) NextHouseholdCode(ctx context.Context) (string, error) {
	n, err := a.seq.Next(ctx)
	if err != nil {
		return "", err
	}
	return FormatHouseholdCode(n), nil
}

func FormatHouseholdCode(n int64) string {
	return fmt.Sprintf("HK%03d", n)
}

// SelectCodeSequence 按 CODE_ALLOCATOR 选择计数器，返回计数器与实际使用的后端。
// 所选后端不可用时先回落到另一个共享后端 (postgres / redis)，都不可用才用进程内计数器。
// 数据库可用时不会使用进程内计数器，否则重启后编号会与已有户口冲突。
func SelectCodeSequence(kind string, db *sql.DB, redisClient *redis.Client, start int64) (repository.CodeSequence, string) {
	pg := func() repository.CodeSequence { return repository.NewPostgresCodeSequence(db) }
	rd := func() repository.CodeSequence { return repository.NewRedisCodeSequence(redisClient, "", start) }

	switch kind {
	case config.AllocatorMemory:
		return repository.NewMemoryCodeSequence(start), config.AllocatorMemory
	case config.AllocatorRedis:
		if redisClient != nil {
			return rd(), config.AllocatorRedis
		}
		if db != nil {
			return pg(), config.AllocatorPostgres
		}
	default:
		if db != nil {
			return pg(), config.AllocatorPostgres
		}
		if redisClient != nil {
			return rd(), config.AllocatorRedis
		}
	}
	return repository.NewMemoryCodeSequence(start), config.AllocatorMemory
}
