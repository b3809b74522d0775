package state

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/redis/go-redis/v9"

	xerrors "PoH-Ledger/internal/errors"
	"PoH-Ledger/internal/ledger"
)

// RedisConfig 描述 Redis 账户存储的连接参数。
type RedisConfig struct {
	Address    string
	Password   string
	DB         int
	KeyPrefix  string
	MaxRetries int
}

// RedisStore 以 "<prefix><account>" 字符串键保存余额，结算使用 WATCH/MULTI 乐观事务。
type RedisStore struct {
	client     *redis.Client
	prefix     string
	maxRetries int
}

// NewRedisStore 创建 Redis 账户存储并检查连通性。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.MaxRetries), nil
}

// NewRedisStoreWithClient 复用已有的客户端。
func NewRedisStoreWithClient(client *redis.Client, prefix string, maxRetries int) *RedisStore {
	if prefix == "" {
		prefix = "poh:account:"
	}
	if maxRetries <= 0 {
		maxRetries = 16
	}
	return &RedisStore{client: client, prefix: prefix, maxRetries: maxRetries}
}

func (s *RedisStore) key(account string) string {
	return s.prefix + account
}

// Open 实现 Store 接口。
func (s *RedisStore) Open(ctx context.Context, account string, balance uint64) error {
	if account == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "account 不能为空")
	}
	if balance > math.MaxInt64 {
		return xerrors.Wrap(CodeBalanceOverflow, nil,
			fmt.Sprintf("account %q balance %d exceeds the Redis integer range", account, balance))
	}
	if err := s.client.Set(ctx, s.key(account), strconv.FormatUint(balance, 10), 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账户失败")
	}
	return nil
}

// Balance 实现 Store 接口。
func (s *RedisStore) Balance(ctx context.Context, account string) (uint64, error) {
	return s.read(ctx, s.client, account)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) read(ctx context.Context, c getter, account string) (uint64, error) {
	raw, err := c.Get(ctx, s.key(account)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, xerrors.Wrap(CodeUnknownAccount, nil, fmt.Sprintf("account %q", account))
	}
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账户失败")
	}
	balance, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("账户 %q 余额损坏", account))
	}
	return balance, nil
}

// Apply 在 WATCH 保护下读取双方余额并用 MULTI 提交；并发冲突时重试。
func (s *RedisStore) Apply(ctx context.Context, tx ledger.Transaction) error {
	fromKey, toKey := s.key(tx.From), s.key(tx.To)
	txf := func(rtx *redis.Tx) error {
		from, err := s.read(ctx, rtx, tx.From)
		if err != nil {
			return err
		}
		to, err := s.read(ctx, rtx, tx.To)
		if err != nil {
			return err
		}
		if from < tx.Amount {
			return xerrors.Wrap(CodeInsufficientFunds, nil,
				fmt.Sprintf("%q holds %d, needs %d", tx.From, from, tx.Amount))
		}
		if tx.From == tx.To || tx.Amount == 0 {
			return nil
		}
		// INCRBY/DECRBY 以 int64 运算。
		if tx.Amount > math.MaxInt64 || to > math.MaxInt64-tx.Amount {
			return xerrors.Wrap(CodeBalanceOverflow, nil,
				fmt.Sprintf("%q holds %d, cannot take %d", tx.To, to, tx.Amount))
		}
		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.DecrBy(ctx, fromKey, int64(tx.Amount))
			pipe.IncrBy(ctx, toKey, int64(tx.Amount))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, fromKey, toKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return xerrors.Wrap(xerrors.CodeConflict, nil, fmt.Sprintf("结算 %s 重试 %d 次仍冲突", tx.ID().Hex(), s.maxRetries))
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
