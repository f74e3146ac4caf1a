package eventbus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"
)

// unlockScript は自分が取得したロックだけを解放する。
var unlockScript = rdb.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock はSETNXによる単純な排他ロック。
// 複数のworkerプロセスのうち1つだけがイベントを中継するために使う。
type RedisLock struct {
	client rdb.UniversalClient
	key    string
	ttl    time.Duration
	token  string
}

// NewRedisLock はRedisLockを生成する。
func NewRedisLock(client rdb.UniversalClient, key string, ttl time.Duration) (*RedisLock, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate lock token: %w", err)
	}
	return &RedisLock{
		client: client,
		key:    key,
		ttl:    ttl,
		token:  hex.EncodeToString(b),
	}, nil
}

// TryLock はロックの取得を試みる。他のプロセスが保持している場合はfalseを返す。
func (l *RedisLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Unlock は自分が保持しているロックを解放する。
func (l *RedisLock) Unlock(ctx context.Context) error {
	if err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}
