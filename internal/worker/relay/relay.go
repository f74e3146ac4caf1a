// Package relay はイベントログを外部ストリームへ中継するワーカーを提供する。
// コミット済みで未中継のイベントをseq順に取り出して配信し、配信できたものだけを中継済みにする。
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/googlelogin/internal/eventbus"
	"github.com/hitoshi/googlelogin/internal/metrics"
	"github.com/hitoshi/googlelogin/internal/model"
)

// defaultBatchSize は1回の取得で扱うイベントの既定件数。
const defaultBatchSize = 100

// EventSource は未中継イベントの取得と中継済みの記録を行うインターフェース。
type EventSource interface {
	ListUnrelayed(ctx context.Context, limit int) ([]model.StoredEvent, error)
	MarkRelayed(ctx context.Context, seqs []int64) error
}

// Locker は複数プロセス間の排他を行うインターフェース。
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Relay はイベントログからPublisherへの中継を行う。
type Relay struct {
	source    EventSource
	publisher eventbus.Publisher
	locker    Locker
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	batchSize int

	consecutiveErrors int
}

// NewRelay はRelayの新しいインスタンスを生成する。
// lockerがnilの場合は排他を行わない。batchSizeが0以下の場合は既定値100を使用する。
func NewRelay(
	source EventSource,
	publisher eventbus.Publisher,
	locker Locker,
	m metrics.MetricsCollector,
	logger *slog.Logger,
	batchSize int,
) *Relay {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Relay{
		source:    source,
		publisher: publisher,
		locker:    locker,
		metrics:   m,
		logger:    logger,
		batchSize: batchSize,
	}
}

// Start はintervalごとに中継を実行する。失敗が続く間は指数バックオフで間隔を広げる。
// コンテキストがキャンセルされるまで実行を継続する。
func (r *Relay) Start(ctx context.Context, interval time.Duration) {
	r.logger.Info("イベント中継を開始しました",
		slog.Duration("interval", interval),
		slog.Int("batch_size", r.batchSize),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("イベント中継を停止しました")
			return
		case <-timer.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.consecutiveErrors++
				r.logger.Error("イベント中継に失敗しました",
					slog.String("error", err.Error()),
					slog.Int("consecutive_errors", r.consecutiveErrors),
				)
			} else {
				r.consecutiveErrors = 0
			}
			timer.Reset(CalculateBackoff(interval, r.consecutiveErrors))
		}
	}
}

// RunOnce は未中継イベントが無くなるまでバッチ単位で中継し、中継した件数を返す。
// 他のプロセスがロックを保持している場合は何もしない。
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	if r.locker != nil {
		ok, err := r.locker.TryLock(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			r.logger.Debug("他のworkerが中継中のためスキップします")
			return 0, nil
		}
		defer func() {
			if err := r.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("中継ロックの解放に失敗しました", slog.String("error", err.Error()))
			}
		}()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		events, err := r.source.ListUnrelayed(ctx, r.batchSize)
		if err != nil {
			return total, fmt.Errorf("未中継イベントの取得に失敗: %w", err)
		}
		if len(events) == 0 {
			break
		}

		if err := r.publisher.Publish(ctx, events); err != nil {
			return total, fmt.Errorf("イベントの配信に失敗: %w", err)
		}

		seqs := make([]int64, len(events))
		for i, ev := range events {
			seqs[i] = ev.Seq
		}
		if err := r.source.MarkRelayed(ctx, seqs); err != nil {
			return total, fmt.Errorf("中継済みの記録に失敗: %w", err)
		}

		total += len(events)
		r.metrics.RecordEventsRelayed(len(events))

		if len(events) < r.batchSize {
			break
		}
	}

	if total > 0 {
		r.logger.Info("イベントを中継しました", slog.Int("count", total))
	}
	return total, nil
}
