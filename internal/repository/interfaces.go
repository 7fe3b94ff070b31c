// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/fansync/internal/model"
)

// PurchaseRepository は購入イベント台帳の永続化インターフェース。
// 台帳は追記専用で、行の更新・削除は通常運用では発生しない。
type PurchaseRepository interface {
	// Insert は購入イベントを冪等に挿入する。
	// (postID, buyerUUID) が既に存在する場合は何もしない（エラーではない）。
	Insert(ctx context.Context, tx *model.Transaction) error

	// BuyersByPost は指定コンテンツの購入者UUID一覧を返す。ネットワークアクセスなし。
	BuyersByPost(ctx context.Context, postID string) ([]string, error)

	// Cursor は同期カーソル（最後に観測した取引時刻）を返す。未同期の場合はnil。
	Cursor(ctx context.Context) (*time.Time, error)

	// SetCursor は同期カーソルを更新する。
	// 呼び出し元が単調増加を保証する（過去方向への巻き戻しは行わない）。
	SetCursor(ctx context.Context, at time.Time) error
}

// IdentityLinkRepository はFanvue UUIDと連携先アカウントの紐付けの永続化インターフェース。
type IdentityLinkRepository interface {
	// Upsert はIdentityLinkを挿入または更新する。
	// 既存行の更新時はcreated_atを維持する（再リンクでも初回リンク日時が残る）。
	Upsert(ctx context.Context, link *model.IdentityLink) error

	// FindByFanvueUUID は指定Fanvue UUIDのリンクを取得する。見つからない場合はErrNotLinked。
	FindByFanvueUUID(ctx context.Context, fanvueUUID string) (*model.IdentityLink, error)

	// FindByDestinationAccountID は連携先アカウントIDからリンクを逆引きする。
	// 見つからない場合はErrNotLinked。destination_account_idにインデックスがあること。
	FindByDestinationAccountID(ctx context.Context, accountID string) (*model.IdentityLink, error)

	// UpdateTokens はトークンリフレッシュ結果を保存する。created_atは変更しない。
	UpdateTokens(ctx context.Context, fanvueUUID, accessToken, refreshToken string, expiresAt time.Time) error
}

// OfferRepository は案内メッセージ送信記録の永続化インターフェース。
type OfferRepository interface {
	// TryRecord は(userID, triggerID)の送信記録をアトミックに挿入する。
	// 挿入できた場合はtrue、既に記録が存在する場合はfalseを返す。
	// 「既に存在」はエラーではなく「送信しない」の合図。
	TryRecord(ctx context.Context, userID, triggerID string, sentAt time.Time) (bool, error)
}
