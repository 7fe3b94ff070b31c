package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/fansync/internal/metrics"
	"github.com/hitoshi/fansync/internal/model"
)

// FanSource はルール評価に必要なアップストリーム読み取りを提供する。
type FanSource interface {
	Subscribers(ctx context.Context) ([]model.Fan, error)
	Followers(ctx context.Context) ([]model.Fan, error)
	FanInsights(ctx context.Context, fanUUID string) (*model.FanInsights, error)
	ListMembers(ctx context.Context, listID, kind string) ([]model.Fan, error)
}

// LedgerSource は購入台帳への問い合わせを提供する。
type LedgerSource interface {
	Sync(ctx context.Context) error
	Unlockers(ctx context.Context, postID string) (map[string]struct{}, error)
}

// Engine は宛先ごとのルールを評価して資格者UUID集合を計算する。
type Engine struct {
	source   FanSource
	ledger   LedgerSource
	ruleSets map[string]model.RuleSet
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
}

// NewEngine はEngineを生成する。
func NewEngine(source FanSource, ledger LedgerSource, ruleSets map[string]model.RuleSet, logger *slog.Logger, collector metrics.MetricsCollector) *Engine {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Engine{
		source:   source,
		ledger:   ledger,
		ruleSets: ruleSets,
		logger:   logger,
		metrics:  collector,
	}
}

// RuleSets は設定済みの宛先ごとのルールセットを返す。
func (e *Engine) RuleSets() map[string]model.RuleSet {
	return e.ruleSets
}

// runCache は1回のComputeMembership内でのみ有効なメモ。
// インサイトとリストメンバーシップは同一実行内で1度だけ取得する。
type runCache struct {
	insights map[string]int64
	lists    map[string]map[string]struct{}
}

func newRunCache() *runCache {
	return &runCache{
		insights: make(map[string]int64),
		lists:    make(map[string]map[string]struct{}),
	}
}

// ComputeMembership は全宛先の資格者UUID集合を計算する。
// 1つの宛先・ルールの失敗は記録した上で残りの評価を続行し、
// 失敗した宛先の部分結果はそのまま有効とする。
// ただしファン一覧スナップショットの取得に失敗した場合、
// スナップショットに依存する宛先は結果から除外する。
// 空の集合を返すと差分適用が既存メンバーを全員剥奪してしまうため、
// その宛先は「今サイクルは適用なし」として扱う。
func (e *Engine) ComputeMembership(ctx context.Context) map[string]map[string]struct{} {
	// 台帳の更新失敗は「今サイクルは新しい購入なし」として続行する
	if err := e.ledger.Sync(ctx); err != nil {
		e.logger.Error("購入台帳の同期に失敗しました。既存データで評価を続行します",
			slog.Any("error", err),
		)
	}

	fans, fetchErr := e.fetchFans(ctx)
	if fetchErr != nil {
		e.logger.Error("ファン一覧の取得に失敗しました。スナップショット依存の宛先は今サイクル適用対象外とします",
			slog.Any("error", fetchErr),
		)
	}

	cache := newRunCache()
	result := make(map[string]map[string]struct{}, len(e.ruleSets))

	for destination, ruleSet := range e.ruleSets {
		if fetchErr != nil && needsFanSnapshot(ruleSet) {
			e.logger.Warn("ファン一覧が取得できなかったため宛先の評価をスキップします",
				slog.String("destination", destination),
			)
			continue
		}

		matched := make(map[string]struct{})
		for _, rule := range ruleSet.Rules {
			if err := e.evaluate(ctx, rule, fans, cache, matched); err != nil {
				e.logger.Error("ルールの評価に失敗しました。この宛先の部分結果で続行します",
					slog.String("destination", destination),
					slog.String("rule_kind", string(rule.Kind)),
					slog.Any("error", err),
				)
			}
		}
		result[destination] = matched
	}
	return result
}

// needsFanSnapshot はルールセットがファン一覧スナップショットに依存するかを返す。
// unlockとfanvue_listはスナップショットを参照しないため、取得失敗時も評価できる。
func needsFanSnapshot(ruleSet model.RuleSet) bool {
	for _, rule := range ruleSet.Rules {
		switch rule.Kind {
		case model.KindSubscription, model.KindTopSpender, model.KindSpending:
			return true
		}
	}
	return false
}

// fetchFans はサブスクライバーとフォロワーの和集合スナップショットを取得する。
// 両方に現れるUUIDはサブスクライバーのレコードが勝つ。
func (e *Engine) fetchFans(ctx context.Context) (map[string]model.Fan, error) {
	fans := make(map[string]model.Fan)

	subscribers, err := e.source.Subscribers(ctx)
	if err != nil {
		return fans, fmt.Errorf("failed to fetch subscribers: %w", err)
	}
	for _, f := range subscribers {
		fans[f.UUID] = f
	}

	followers, err := e.source.Followers(ctx)
	if err != nil {
		return fans, fmt.Errorf("failed to fetch followers: %w", err)
	}
	for _, f := range followers {
		if _, ok := fans[f.UUID]; !ok {
			fans[f.UUID] = f
		}
	}
	return fans, nil
}

// evaluate は1ルールを評価し、マッチしたUUIDをmatchedに加える。
func (e *Engine) evaluate(ctx context.Context, rule model.Rule, fans map[string]model.Fan, cache *runCache, matched map[string]struct{}) error {
	switch rule.Kind {
	case model.KindSubscription:
		if !rule.RequireActive {
			return nil
		}
		for uuid, fan := range fans {
			if fan.IsSubscriber {
				matched[uuid] = struct{}{}
			}
		}
		return nil

	case model.KindTopSpender:
		for uuid, fan := range fans {
			if fan.IsTopSpender {
				matched[uuid] = struct{}{}
			}
		}
		return nil

	case model.KindSpending:
		return e.evaluateSpending(ctx, rule, fans, cache, matched)

	case model.KindUnlock:
		buyers, err := e.ledger.Unlockers(ctx, rule.ContentID)
		if err != nil {
			return err
		}
		for uuid := range buyers {
			matched[uuid] = struct{}{}
		}
		return nil

	case model.KindFanvueList:
		members, err := e.listMembers(ctx, rule, cache)
		if err != nil {
			return err
		}
		for uuid := range members {
			matched[uuid] = struct{}{}
		}
		return nil

	default:
		return fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
}

// evaluateSpending は生涯グロス支出が下限以上のファンを選ぶ。
// 候補全員のインサイトを取得する(実行内キャッシュあり)ため最も高コスト。
// Approximateが有効ならインサイト取得を省略してトップスペンダーフラグで近似する。
func (e *Engine) evaluateSpending(ctx context.Context, rule model.Rule, fans map[string]model.Fan, cache *runCache, matched map[string]struct{}) error {
	if rule.Approximate {
		for uuid, fan := range fans {
			if fan.IsTopSpender {
				matched[uuid] = struct{}{}
			}
		}
		return nil
	}

	var firstErr error
	for uuid := range fans {
		spend, ok := cache.insights[uuid]
		if !ok {
			insights, err := e.source.FanInsights(ctx, uuid)
			if err != nil {
				// 1人分の失敗で全体を止めない。残りの候補は評価する
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to fetch insights for %s: %w", uuid, err)
				}
				continue
			}
			if insights != nil {
				spend = insights.TotalSpendGrossCents
			}
			cache.insights[uuid] = spend
		}

		if spend >= rule.MinLifetimeCents {
			matched[uuid] = struct{}{}
		}
	}
	return firstErr
}

// listMembers はリストメンバーシップを取得する(実行内キャッシュあり)。
func (e *Engine) listMembers(ctx context.Context, rule model.Rule, cache *runCache) (map[string]struct{}, error) {
	key := rule.ListKind + ":" + rule.ListID
	if members, ok := cache.lists[key]; ok {
		return members, nil
	}

	fans, err := e.source.ListMembers(ctx, rule.ListID, rule.ListKind)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch list %s members: %w", rule.ListID, err)
	}

	members := make(map[string]struct{}, len(fans))
	for _, f := range fans {
		members[f.UUID] = struct{}{}
	}
	cache.lists[key] = members
	return members, nil
}
