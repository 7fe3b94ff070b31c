// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// UpstreamError は上流APIからの429以外の非2xx応答を表す。
// 進行中のページング取得はこのエラーで中断され、そのサイクルでは
// 「新しいデータなし」として扱う。取得済みの項目は壊れていない。
type UpstreamError struct {
	Endpoint string
	Status   int
	Body     string
}

// Error はerrorインターフェースを実装する。
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d: %s", e.Endpoint, e.Status, e.Body)
}

// ErrLinkExpired はリフレッシュトークンの失効などでトークン更新に失敗したことを表す。
// 呼び出し元はそのユーザーを「未リンク」として当該サイクルの施行対象から外す。
var ErrLinkExpired = errors.New("identity link expired")

// ErrNotLinked は指定ユーザーのIdentityLinkが存在しないことを表す。
var ErrNotLinked = errors.New("identity not linked")

// ErrInvalidState はOAuth stateが不正、期限切れ、または再利用されたことを表す。
var ErrInvalidState = errors.New("invalid or replayed oauth state")
