package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/googlelogin/internal/metrics"
	"github.com/hitoshi/googlelogin/internal/model"
	"github.com/hitoshi/googlelogin/internal/repository"
)

// ErrEmptyUserID はユーザーIDが空であることを表す。
// 空のIDではbyUserインデックスの範囲が全ユーザーに及ぶため拒否する。
var ErrEmptyUserID = errors.New("user id is required")

// DeletionCascade はユーザー削除時に、そのユーザーを指すLoginレコードを全て削除する。
type DeletionCascade struct {
	logins  repository.LoginRepository
	events  repository.EventRepository
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewDeletionCascade はDeletionCascadeを生成する。
func NewDeletionCascade(
	logins repository.LoginRepository,
	events repository.EventRepository,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *DeletionCascade {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeletionCascade{logins: logins, events: events, metrics: m, logger: logger}
}

// HandleUserDeleted はUserDeletedトリガーのハンドラ。
// googleLoginストリームにUserDeletedを追記してからLoginレコードを削除する。
func (c *DeletionCascade) HandleUserDeleted(ctx context.Context, t model.Trigger) error {
	if t.User == "" {
		return ErrEmptyUserID
	}
	if err := c.events.Append(ctx, model.NewUserDeletedEvent(model.StreamGoogleLogin, t.User)); err != nil {
		return fmt.Errorf("failed to append UserDeleted event: %w", err)
	}
	if _, err := c.Purge(ctx, t.User); err != nil {
		return err
	}
	return nil
}

// Purge はuserIDを指すLoginレコードを全て削除し、削除件数を返す。
// 何度実行しても結果は同じで、既に削除済みのレコードは数えない。
func (c *DeletionCascade) Purge(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrEmptyUserID
	}

	lower, upper := model.ByUserRange(userID)
	entries, err := c.logins.RangeScan(ctx, repository.IndexByUser, lower, upper)
	if err != nil {
		return 0, fmt.Errorf("failed to scan logins of user %s: %w", userID, err)
	}

	deleted := 0
	for _, e := range entries {
		ok, err := c.logins.DeleteByID(ctx, e.To)
		if err != nil {
			c.metrics.RecordCascadeDeletions(deleted)
			return deleted, fmt.Errorf("failed to delete login %s: %w", e.To, err)
		}
		if ok {
			deleted++
		}
	}

	c.metrics.RecordCascadeDeletions(deleted)
	c.logger.Info("login records purged",
		slog.String("user_id", userID),
		slog.Int("deleted", deleted),
	)
	return deleted, nil
}
