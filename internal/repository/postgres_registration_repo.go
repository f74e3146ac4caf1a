package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/googlelogin/internal/model"
	"github.com/lib/pq"
)

// PostgresRegistrationRepo は新規登録をPostgreSQLの1トランザクションで書き込むリポジトリ。
type PostgresRegistrationRepo struct {
	db *sql.DB
}

// NewPostgresRegistrationRepo はPostgresRegistrationRepoを生成する。
func NewPostgresRegistrationRepo(db *sql.DB) *PostgresRegistrationRepo {
	return &PostgresRegistrationRepo{db: db}
}

// Register はLogin、User、イベント列を同一トランザクションで作成する。
// LoginのINSERTはON CONFLICT DO NOTHINGで行い、挿入されなかった場合は
// 何もコミットせずmodel.ErrLoginExistsを返す。
func (r *PostgresRegistrationRepo) Register(ctx context.Context, reg *model.Registration) error {
	if reg == nil || reg.Login == nil || reg.User == nil {
		return fmt.Errorf("registration requires login and user")
	}

	extra, err := json.Marshal(reg.User.Profile.Extra)
	if err != nil {
		return fmt.Errorf("failed to marshal user extra profile: %w", err)
	}
	if reg.User.Profile.Extra == nil {
		extra = []byte("{}")
	}

	roles := reg.User.Roles
	if roles == nil {
		roles = []string{}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Loginを条件付きで作成
	login := reg.Login
	result, err := tx.ExecContext(ctx,
		`INSERT INTO logins (id, name, email, user_id, by_user_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		login.ID, login.Name, login.Email, login.UserID,
		[]byte(model.ByUserKey(login.UserID, login.ID)), login.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert login: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if inserted == 0 {
		return model.ErrLoginExists
	}

	// ユーザーを作成
	user := reg.User
	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, roles, name, email, first_name, last_name, extra, slug, display, picture, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		user.ID, pq.Array(roles),
		user.Profile.Name, user.Profile.Email, user.Profile.FirstName, user.Profile.LastName, extra,
		user.Slug, user.Display, user.Picture, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}

	// イベントを記載順に追記
	if err := insertEvents(ctx, tx, reg.Events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// compile-time interface check
var _ RegistrationRepository = (*PostgresRegistrationRepo)(nil)
