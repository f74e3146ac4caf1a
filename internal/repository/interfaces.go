// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/googlelogin/internal/model"
)

// IndexByUser はLoginレコードのユーザー別セカンダリインデックス名。
const IndexByUser = "byUser"

// LoginRepository はLoginレコード（外部subject ID → 内部ユーザーID）の永続化インターフェース。
type LoginRepository interface {
	// FindByID はsubject IDでLoginレコードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Login, error)

	// RangeScan はセカンダリインデックスをlowerからupperまで（両端を含む）キー順に走査する。
	RangeScan(ctx context.Context, index, lower, upper string) ([]model.IndexEntry, error)

	// DeleteByID は指定IDのLoginレコードを削除する。
	// 存在しない場合は何もせずfalseを返す。
	DeleteByID(ctx context.Context, id string) (bool, error)
}

// RegistrationRepository は新規登録の書き込みを担うインターフェース。
type RegistrationRepository interface {
	// Register はLogin、User、イベント列を1トランザクションで書き込む。
	// 同じIDのLoginが既に存在する場合は何も書き込まずmodel.ErrLoginExistsを返す。
	Register(ctx context.Context, reg *model.Registration) error
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// UpdatePicture はユーザーのプロフィール画像を更新する。
	UpdatePicture(ctx context.Context, id, picture string) error

	// DeleteByID は指定IDのユーザーを削除する。
	// Loginレコードは削除しない（DeletionCascadeが担当する）。
	DeleteByID(ctx context.Context, id string) error
}

// EventRepository はドメインイベントログの永続化インターフェース。
type EventRepository interface {
	// Append はイベントを記載順に追記する。
	Append(ctx context.Context, events ...model.Event) error

	// ListUnrelayed は外部ストリームへ未中継のイベントを最大limit件返す。
	// 同一トランザクション内は追記順、トランザクション間はtxid順で、
	// 一度返した位置より前に新しいイベントが現れることはない。
	ListUnrelayed(ctx context.Context, limit int) ([]model.StoredEvent, error)

	// MarkRelayed は指定seqのイベントを中継済みにする。
	MarkRelayed(ctx context.Context, seqs []int64) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
