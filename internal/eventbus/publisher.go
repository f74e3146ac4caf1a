// Package eventbus はドメインイベントを外部のストリームへ配信する。
// イベントは "<prefix>:<stream>" という名前のRedisストリームにコミット順で追記される。
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	rdb "github.com/redis/go-redis/v9"

	"github.com/hitoshi/googlelogin/internal/model"
)

// defaultMaxLen はストリームごとに保持するおおよその最大件数。
const defaultMaxLen = 100000

// Publisher はイベントを外部ストリームへ配信するインターフェース。
type Publisher interface {
	// Publish はイベントを記載順に配信する。全件成功した場合のみnilを返す。
	Publish(ctx context.Context, events []model.StoredEvent) error
}

// RedisPublisher はRedisストリーム（XADD）へ配信するPublisher。
type RedisPublisher struct {
	client rdb.Cmdable
	prefix string
	maxLen int64
}

// NewRedisPublisher はRedisPublisherを生成する。maxLenが0以下の場合は既定値を使う。
func NewRedisPublisher(client rdb.Cmdable, prefix string, maxLen int64) *RedisPublisher {
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &RedisPublisher{client: client, prefix: prefix, maxLen: maxLen}
}

// StreamName はイベントストリーム名に対応するRedisのキーを返す。
func (p *RedisPublisher) StreamName(stream string) string {
	if p.prefix == "" {
		return stream
	}
	return p.prefix + ":" + stream
}

// Publish はイベントを1回のパイプラインでXADDする。
func (p *RedisPublisher) Publish(ctx context.Context, events []model.StoredEvent) error {
	if len(events) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for _, ev := range events {
		pipe.XAdd(ctx, &rdb.XAddArgs{
			Stream: p.StreamName(ev.Stream),
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]any{
				"seq":        strconv.FormatInt(ev.Seq, 10),
				"type":       ev.Type,
				"key":        ev.Key,
				"payload":    string(ev.Payload),
				"created_at": ev.CreatedAt.UTC().Format(time.RFC3339Nano),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish %d events to redis: %w", len(events), err)
	}
	return nil
}

// LogPublisher はイベントを構造化ログに書き出すPublisher。
// REDIS_URLを設定しない単一プロセス構成で使う。
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher はLogPublisherを生成する。
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish は各イベントをINFOログとして出力する。
func (p *LogPublisher) Publish(ctx context.Context, events []model.StoredEvent) error {
	for _, ev := range events {
		p.logger.InfoContext(ctx, "event",
			slog.Int64("seq", ev.Seq),
			slog.String("stream", ev.Stream),
			slog.String("type", ev.Type),
			slog.String("key", ev.Key),
			slog.String("payload", string(ev.Payload)),
		)
	}
	return nil
}

// compile-time interface check
var (
	_ Publisher = (*RedisPublisher)(nil)
	_ Publisher = (*LogPublisher)(nil)
)
