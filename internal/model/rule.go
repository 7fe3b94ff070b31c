package model

// Kind はメンバーシップルールの種別。
type Kind string

const (
	// KindSubscription は現役サブスクライバーにマッチする。
	KindSubscription Kind = "subscription"
	// KindSpending は生涯グロス支出が下限以上のファンにマッチする。
	KindSpending Kind = "spending"
	// KindTopSpender はトップスペンダーフラグ保持者にマッチする。
	KindTopSpender Kind = "top_spender"
	// KindUnlock は特定投稿の購入者にマッチする。
	KindUnlock Kind = "unlock"
	// KindFanvueList はキュレーションリストのメンバーにマッチする。
	KindFanvueList Kind = "fanvue_list"
)

// ExpiryPolicy は資格を失ったメンバーの扱い。
type ExpiryPolicy string

const (
	// ExpiryRemove は付与したロール・メンバーシップのみを剥奪する。
	ExpiryRemove ExpiryPolicy = "remove"
	// ExpiryExclude は宛先から完全に除外する。
	ExpiryExclude ExpiryPolicy = "exclude"
	// ExpiryIgnore は何もしない(既得権として残す)。
	ExpiryIgnore ExpiryPolicy = "ignore"
)

// Rule は1つのメンバーシップルール。種別ごとに使うフィールドが異なる。
// ルールは純粋な述語であり、評価結果のUUID集合は宛先単位でOR結合される。
type Rule struct {
	Kind Kind

	// subscription
	RequireActive bool

	// spending
	MinLifetimeCents int64
	// Approximate が真の場合、インサイト取得を省略して
	// トップスペンダーフラグで近似する。
	Approximate bool

	// unlock
	ContentID string

	// fanvue_list
	ListID   string
	ListKind string
}

// RuleSet は1つの宛先に対するルール一式と失効ポリシー。
type RuleSet struct {
	Rules    []Rule
	OnExpiry ExpiryPolicy
}
