package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/googlelogin/internal/model"
)

// PostgresLoginRepo はPostgreSQLを使用したLoginリポジトリ。
// 新規Loginの書き込みはPostgresRegistrationRepoが担当する。
type PostgresLoginRepo struct {
	db *sql.DB
}

// NewPostgresLoginRepo はPostgresLoginRepoを生成する。
func NewPostgresLoginRepo(db *sql.DB) *PostgresLoginRepo {
	return &PostgresLoginRepo{db: db}
}

// FindByID はsubject IDでLoginレコードを取得する。見つからない場合はnilを返す。
func (r *PostgresLoginRepo) FindByID(ctx context.Context, id string) (*model.Login, error) {
	login := &model.Login{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, email, user_id, created_at FROM logins WHERE id = $1`,
		id,
	).Scan(&login.ID, &login.Name, &login.Email, &login.UserID, &login.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find login by ID: %w", err)
	}

	return login, nil
}

// RangeScan はbyUserインデックスをlowerからupperまでキー順に走査する。
// キーはbyteaで保持しているため、上限に0xFFを含む範囲もそのまま比較できる。
func (r *PostgresLoginRepo) RangeScan(ctx context.Context, index, lower, upper string) ([]model.IndexEntry, error) {
	if index != IndexByUser {
		return nil, fmt.Errorf("unknown login index: %s", index)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT by_user_key, id FROM logins
		 WHERE by_user_key >= $1 AND by_user_key <= $2
		 ORDER BY by_user_key`,
		[]byte(lower), []byte(upper),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan logins by user: %w", err)
	}
	defer rows.Close()

	var entries []model.IndexEntry
	for rows.Next() {
		var key []byte
		var entry model.IndexEntry
		if err := rows.Scan(&key, &entry.To); err != nil {
			return nil, fmt.Errorf("failed to scan login index entry: %w", err)
		}
		entry.Key = string(key)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate login index: %w", err)
	}
	return entries, nil
}

// DeleteByID は指定IDのLoginレコードを削除する。存在しない場合はfalseを返す。
func (r *PostgresLoginRepo) DeleteByID(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM logins WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete login: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// compile-time interface check
var _ LoginRepository = (*PostgresLoginRepo)(nil)
