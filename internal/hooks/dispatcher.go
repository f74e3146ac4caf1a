// Package hooks はライフサイクルトリガーのディスパッチを提供する。
// 他のサブシステムはトリガー名にハンドラを登録し、登録・ログイン・削除の
// 各時点で呼び出される。
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/googlelogin/internal/model"
)

// Handler はトリガーを処理する関数。
type Handler func(ctx context.Context, t model.Trigger) error

// Dispatcher はトリガー名ごとのハンドラを保持し、登録順に逐次呼び出す。
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// On はトリガー名にハンドラを登録する。
func (d *Dispatcher) On(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = append(d.handlers[name], h)
}

// Trigger は登録済みハンドラを登録順に呼び出す。
// いずれかのハンドラがエラーを返した時点で中断し、そのエラーを返す。
// ハンドラが未登録の場合は何もしない。
func (d *Dispatcher) Trigger(ctx context.Context, t model.Trigger) error {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers[t.Type]...)
	d.mu.RUnlock()

	for i, h := range handlers {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("trigger %s canceled: %w", t.Type, err)
		}
		if err := h(ctx, t); err != nil {
			d.logger.Warn("trigger handler failed",
				slog.String("trigger", t.Type),
				slog.Int("handler", i),
				slog.String("user_id", t.User),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("trigger %s handler %d failed: %w", t.Type, i, err)
		}
	}
	return nil
}

// Count はトリガー名に登録済みのハンドラ数を返す。
func (d *Dispatcher) Count(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[name])
}
