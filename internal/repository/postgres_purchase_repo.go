package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/fansync/internal/model"
)

// PostgresPurchaseRepo はPostgreSQLを使用した購入イベント台帳リポジトリ。
// purchasesテーブルとsync_cursorテーブル（単一行）を管理する。
type PostgresPurchaseRepo struct {
	db *sql.DB
}

// NewPostgresPurchaseRepo はPostgresPurchaseRepoを生成する。
func NewPostgresPurchaseRepo(db *sql.DB) *PostgresPurchaseRepo {
	return &PostgresPurchaseRepo{db: db}
}

// Insert は購入イベントを冪等に挿入する。
// (post_id, buyer_uuid) の重複はON CONFLICT DO NOTHINGで無視する。
func (r *PostgresPurchaseRepo) Insert(ctx context.Context, tx *model.Transaction) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO purchases (post_id, buyer_uuid, occurred_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (post_id, buyer_uuid) DO NOTHING`,
		tx.PostID, tx.BuyerUUID, tx.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}
	return nil
}

// BuyersByPost は指定コンテンツの購入者UUID一覧を返す。
func (r *PostgresPurchaseRepo) BuyersByPost(ctx context.Context, postID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT buyer_uuid FROM purchases WHERE post_id = $1`,
		postID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query buyers: %w", err)
	}
	defer rows.Close()

	var buyers []string
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			return nil, fmt.Errorf("failed to scan buyer: %w", err)
		}
		buyers = append(buyers, uuid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate buyers: %w", err)
	}

	return buyers, nil
}

// Cursor は同期カーソルを返す。未同期（NULL）の場合はnilを返す。
func (r *PostgresPurchaseRepo) Cursor(ctx context.Context) (*time.Time, error) {
	var cursor sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT last_synced_at FROM sync_cursor WHERE id = 1`,
	).Scan(&cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync cursor: %w", err)
	}

	if !cursor.Valid {
		return nil, nil
	}
	t := cursor.Time
	return &t, nil
}

// SetCursor は同期カーソルを更新する。
func (r *PostgresPurchaseRepo) SetCursor(ctx context.Context, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_cursor SET last_synced_at = $1 WHERE id = 1`,
		at,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync cursor: %w", err)
	}
	return nil
}

// compile-time interface check
var _ PurchaseRepository = (*PostgresPurchaseRepo)(nil)
