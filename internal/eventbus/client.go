package eventbus

import (
	"context"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"
)

// Connect はredis:// 形式のURLからクライアントを生成し、疎通を確認する。
// 疎通に失敗した場合はクライアントを閉じてエラーを返す。
func Connect(ctx context.Context, redisURL string, timeout time.Duration) (*rdb.Client, error) {
	opts, err := rdb.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := rdb.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}
