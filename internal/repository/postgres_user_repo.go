package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/googlelogin/internal/model"
	"github.com/lib/pq"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	var extra []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, roles, name, email, first_name, last_name, extra, slug, display, picture, created_at, updated_at
		 FROM users WHERE id = $1`,
		id,
	).Scan(
		&user.ID, pq.Array(&user.Roles),
		&user.Profile.Name, &user.Profile.Email, &user.Profile.FirstName, &user.Profile.LastName, &extra,
		&user.Slug, &user.Display, &user.Picture, &user.CreatedAt, &user.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}

	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &user.Profile.Extra); err != nil {
			return nil, fmt.Errorf("failed to decode user extra profile: %w", err)
		}
	}
	if len(user.Profile.Extra) == 0 {
		user.Profile.Extra = nil
	}

	return user, nil
}

// UpdatePicture はユーザーのプロフィール画像を更新する。
func (r *PostgresUserRepo) UpdatePicture(ctx context.Context, id, picture string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET picture = $2, updated_at = now() WHERE id = $1`,
		id, picture,
	)
	if err != nil {
		return fmt.Errorf("failed to update user picture: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %s", id)
	}
	return nil
}

// DeleteByID は指定IDのユーザーを削除する。
// loginsはCASCADE削除されないため、UserDeletedトリガー経由で削除する。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %s", id)
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
