package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const defaultTxTimeout = 5 * time.Second

// unique index / constraint names from migrations/sql/000001_init.up.sql
const (
	constraintOneHead       = "persons_one_head_per_household"
	constraintHouseholdCode = "households_code_key"
)

// querier 由 *sql.DB 和 *sql.Tx 共同实现
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// pgQueries 读写 SQL，q 可以是连接池或事务
type pgQueries struct {
	q querier
}

// PostgresStore 户籍存储 Postgres 实现
type PostgresStore struct {
	pgQueries
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresStore 创建 Postgres 存储；timeout 为 0 时使用默认事务超时
func NewPostgresStore(db *sql.DB, timeout time.Duration) *PostgresStore {
	if timeout <= 0 {
		timeout = defaultTxTimeout
	}
	return &PostgresStore{pgQueries: pgQueries{q: db}, db: db, timeout: timeout}
}

// 确保实现了接口
var _ Store = (*PostgresStore)(nil)

type postgresTx struct {
	pgQueries
}

// RunInTx 在单个数据库事务中执行 fn；fn 出错或 commit 失败时整体回滚
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&postgresTx{pgQueries{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapPQError(err))
	}
	return nil
}

// mapPQError 把唯一约束冲突翻译为仓储层哨兵错误
func mapPQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	if pqErr.Code == "23505" {
		switch pqErr.Constraint {
		case constraintOneHead:
			return fmt.Errorf("%w: %s", ErrHeadExists, pqErr.Message)
		case constraintHouseholdCode:
			return fmt.Errorf("%w: %s", ErrDuplicateCode, pqErr.Message)
		}
	}
	return err
}

// uuidArg 把 id 规范化为 uuid 文本。主键列按 uuid 比较才能走索引；
// 不是合法 uuid 的 id 不会命中任何行，直接返回 ErrNotFound，避免 ::uuid 转换失败中止事务
func uuidArg(id, what string) (string, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return u.String(), nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStringPtr(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
