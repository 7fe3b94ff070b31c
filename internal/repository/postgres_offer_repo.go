package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresOfferRepo はPostgreSQLを使用した案内メッセージ送信記録リポジトリ。
type PostgresOfferRepo struct {
	db *sql.DB
}

// NewPostgresOfferRepo はPostgresOfferRepoを生成する。
func NewPostgresOfferRepo(db *sql.DB) *PostgresOfferRepo {
	return &PostgresOfferRepo{db: db}
}

// TryRecord は(userID, triggerID)の送信記録をアトミックに挿入する。
// ON CONFLICT DO NOTHINGの結果、影響行数が1なら挿入成功（送信してよい）、
// 0なら既に記録済み（送信しない）。2つの同時呼び出しでは必ず片方のみがtrueを得る。
func (r *PostgresOfferRepo) TryRecord(ctx context.Context, userID, triggerID string, sentAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO sent_offers (user_id, trigger_id, sent_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, trigger_id) DO NOTHING`,
		userID, triggerID, sentAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record offer: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check inserted rows: %w", err)
	}

	return affected == 1, nil
}

// compile-time interface check
var _ OfferRepository = (*PostgresOfferRepo)(nil)
