// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/googlelogin/internal/model"
	"github.com/hitoshi/googlelogin/internal/repository"
)

// TriggerDispatcher はライフサイクルトリガーを発火するインターフェース。
type TriggerDispatcher interface {
	Trigger(ctx context.Context, t model.Trigger) error
}

// Service はユーザー管理のサービス層。
// ユーザー削除のビジネスロジックを提供する。
type Service struct {
	userRepo  repository.UserRepository
	eventRepo repository.EventRepository
	hooks     TriggerDispatcher
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	eventRepo repository.EventRepository,
	hooks TriggerDispatcher,
) *Service {
	return &Service{
		userRepo:  userRepo,
		eventRepo: eventRepo,
		hooks:     hooks,
	}
}

// Delete はユーザーを削除する。
// 削除順序: user → usersストリームへUserDeleted → UserDeletedトリガー（Loginレコードの削除）
// ユーザーが既に存在しない場合もトリガーは再実行し、前回失敗したLoginレコードの削除を完了させてから
// USER_NOT_FOUNDを返す。
func (s *Service) Delete(ctx context.Context, userID string) error {
	if userID == "" {
		return model.NewInvalidRequestError("ユーザーIDが指定されていません")
	}

	// ユーザー存在確認
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		if err := s.triggerUserDeleted(ctx, userID); err != nil {
			return err
		}
		return model.NewUserNotFoundError()
	}

	slog.Info("ユーザー削除を開始します",
		slog.String("user_id", userID),
	)

	// 1. ユーザーを削除
	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	// 2. 削除イベントを追記
	if err := s.eventRepo.Append(ctx, model.NewUserDeletedEvent(model.StreamUsers, userID)); err != nil {
		return fmt.Errorf("削除イベントの追記に失敗しました: %w", err)
	}

	// 3. 購読側に通知（Loginレコードの削除はここで行われる）
	if err := s.triggerUserDeleted(ctx, userID); err != nil {
		return err
	}

	slog.Info("ユーザー削除が完了しました",
		slog.String("user_id", userID),
	)

	return nil
}

// triggerUserDeleted はUserDeletedトリガーを発火する。ハンドラは何度実行しても結果が同じであること。
func (s *Service) triggerUserDeleted(ctx context.Context, userID string) error {
	if s.hooks == nil {
		return nil
	}
	if err := s.hooks.Trigger(ctx, model.Trigger{Type: model.TriggerUserDeleted, User: userID}); err != nil {
		return fmt.Errorf("UserDeletedトリガーの処理に失敗しました: %w", err)
	}
	return nil
}
