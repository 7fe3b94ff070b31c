// Package model はドメインモデルを定義する。
package model

import "time"

// Fan はFanvue側のユーザーのスナップショットを表す。
// サブスクライバー一覧・フォロワー一覧APIから毎サイクル取得し、永続化しない。
type Fan struct {
	UUID         string
	Handle       string
	IsSubscriber bool
	IsTopSpender bool
}

// FanInsights はファン単位の消費インサイトを表す。
// インサイトAPIが404を返した場合はインサイトなし（総額0）として扱う。
type FanInsights struct {
	TotalSpendGrossCents int64
}

// Transaction はコンテンツ購入イベントを表す。
// (PostID, BuyerUUID) が主キーで、重複挿入はエラーではなく無視される。
type Transaction struct {
	PostID     string
	BuyerUUID  string
	OccurredAt time.Time
}

// IdentityLink はFanvue UUIDと連携先アカウントIDの紐付けを表す。
// OAuthトークン一式を保持し、再リンク時もCreatedAtは最初のリンク日時を維持する。
type IdentityLink struct {
	FanvueUUID           string
	DestinationAccountID string
	AccessToken          string
	RefreshToken         string
	ExpiresAt            time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// OfferRecord は一度きりの案内メッセージの送信記録を表す。
// (UserID, TriggerID) が主キー。行の存在そのものが「送信済み」を意味する。
type OfferRecord struct {
	UserID    string
	TriggerID string
	SentAt    time.Time
}
