package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/fansync/internal/model"
)

// PostgresIdentityLinkRepo はPostgreSQLを使用したIdentityLinkリポジトリ。
type PostgresIdentityLinkRepo struct {
	db *sql.DB
}

// NewPostgresIdentityLinkRepo はPostgresIdentityLinkRepoを生成する。
func NewPostgresIdentityLinkRepo(db *sql.DB) *PostgresIdentityLinkRepo {
	return &PostgresIdentityLinkRepo{db: db}
}

// Upsert はIdentityLinkを挿入または更新する。
// 既存行の更新時はcreated_atを維持し、updated_atのみ進める。
func (r *PostgresIdentityLinkRepo) Upsert(ctx context.Context, link *model.IdentityLink) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO identity_links
		   (fanvue_uuid, destination_account_id, access_token, refresh_token, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (fanvue_uuid) DO UPDATE SET
		   destination_account_id = EXCLUDED.destination_account_id,
		   access_token           = EXCLUDED.access_token,
		   refresh_token          = EXCLUDED.refresh_token,
		   expires_at             = EXCLUDED.expires_at,
		   updated_at             = EXCLUDED.updated_at`,
		link.FanvueUUID, link.DestinationAccountID, link.AccessToken,
		link.RefreshToken, link.ExpiresAt, link.CreatedAt, link.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert identity link: %w", err)
	}
	return nil
}

// FindByFanvueUUID は指定Fanvue UUIDのリンクを取得する。見つからない場合はErrNotLinked。
func (r *PostgresIdentityLinkRepo) FindByFanvueUUID(ctx context.Context, fanvueUUID string) (*model.IdentityLink, error) {
	return r.findOne(ctx,
		`SELECT fanvue_uuid, destination_account_id, access_token, refresh_token, expires_at, created_at, updated_at
		 FROM identity_links
		 WHERE fanvue_uuid = $1`,
		fanvueUUID,
	)
}

// FindByDestinationAccountID は連携先アカウントIDからリンクを逆引きする。
// 見つからない場合はErrNotLinked。
func (r *PostgresIdentityLinkRepo) FindByDestinationAccountID(ctx context.Context, accountID string) (*model.IdentityLink, error) {
	return r.findOne(ctx,
		`SELECT fanvue_uuid, destination_account_id, access_token, refresh_token, expires_at, created_at, updated_at
		 FROM identity_links
		 WHERE destination_account_id = $1`,
		accountID,
	)
}

// UpdateTokens はトークンリフレッシュ結果を保存する。
func (r *PostgresIdentityLinkRepo) UpdateTokens(ctx context.Context, fanvueUUID, accessToken, refreshToken string, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE identity_links
		 SET access_token = $2, refresh_token = $3, expires_at = $4, updated_at = now()
		 WHERE fanvue_uuid = $1`,
		fanvueUUID, accessToken, refreshToken, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check updated rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no identity link for %s: %w", fanvueUUID, model.ErrNotLinked)
	}

	return nil
}

func (r *PostgresIdentityLinkRepo) findOne(ctx context.Context, query, arg string) (*model.IdentityLink, error) {
	link := &model.IdentityLink{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&link.FanvueUUID, &link.DestinationAccountID, &link.AccessToken,
		&link.RefreshToken, &link.ExpiresAt, &link.CreatedAt, &link.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("identity link %s: %w", arg, model.ErrNotLinked)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity link: %w", err)
	}

	return link, nil
}

// compile-time interface check
var _ IdentityLinkRepository = (*PostgresIdentityLinkRepo)(nil)
