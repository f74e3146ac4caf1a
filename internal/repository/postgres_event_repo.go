package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/googlelogin/internal/model"
	"github.com/lib/pq"
)

// execer は*sql.DBと*sql.Txの共通部分。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresEventRepo はPostgreSQLを使用したイベントログリポジトリ。
type PostgresEventRepo struct {
	db *sql.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

// Append はイベントを記載順に1トランザクションで追記する。
func (r *PostgresEventRepo) Append(ctx context.Context, events ...model.Event) error {
	if len(events) == 0 {
		return nil
	}
	if len(events) == 1 {
		return insertEvents(ctx, r.db, events)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListUnrelayed は未中継のイベントを(txid, seq)順に最大limit件返す。
// seqはコミット順ではないため、実行中のトランザクションより新しいtxidの行は返さない。
// これにより後から古いtxidの行がコミットされて先に中継済みの行を追い越すことはない。
func (r *PostgresEventRepo) ListUnrelayed(ctx context.Context, limit int) ([]model.StoredEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq, stream, type, key, payload, created_at
		 FROM events
		 WHERE relayed_at IS NULL
		   AND txid < pg_snapshot_xmin(pg_current_snapshot())
		 ORDER BY txid, seq
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unrelayed events: %w", err)
	}
	defer rows.Close()

	var events []model.StoredEvent
	for rows.Next() {
		var ev model.StoredEvent
		var payload []byte
		if err := rows.Scan(&ev.Seq, &ev.Stream, &ev.Type, &ev.Key, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// MarkRelayed は指定seqのイベントのrelayed_atを現在時刻にする。
func (r *PostgresEventRepo) MarkRelayed(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE events SET relayed_at = now() WHERE seq = ANY($1) AND relayed_at IS NULL`,
		pq.Array(seqs),
	)
	if err != nil {
		return fmt.Errorf("failed to mark events relayed: %w", err)
	}
	return nil
}

// insertEvents はイベントを1件ずつINSERTする。seqは挿入順に採番される。
func insertEvents(ctx context.Context, db execer, events []model.Event) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
		}
		_, err = db.ExecContext(ctx,
			`INSERT INTO events (stream, type, key, payload) VALUES ($1, $2, $3, $4)`,
			ev.Stream, ev.Type, ev.Key, payload,
		)
		if err != nil {
			return fmt.Errorf("failed to insert %s event: %w", ev.Type, err)
		}
	}
	return nil
}

// compile-time interface check
var _ EventRepository = (*PostgresEventRepo)(nil)
