// Package reconcile は資格者集合と宛先の実メンバーシップの差分適用を提供する。
// 差分は毎サイクルゼロから計算されるため、失敗したサイクルがあっても
// 次のサイクルで自然に収束する。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/fansync/internal/metrics"
	"github.com/hitoshi/fansync/internal/model"
)

// Adapter は宛先プラットフォームのメンバーシップ操作を抽象化する。
// 宛先エコシステムごとに1実装で、設定時に選択される。
type Adapter interface {
	// ListMembers は宛先の現在のメンバーのアカウントID集合を返す。
	ListMembers(ctx context.Context, destination string) (map[string]struct{}, error)
	// Grant は宛先のメンバーシップ・ロールを付与する。冪等であること。
	Grant(ctx context.Context, destination, accountID string) error
	// RevokeGrant は付与したメンバーシップ・ロールのみを剥奪する。
	RevokeGrant(ctx context.Context, destination, accountID string) error
	// RemoveFromDestination は宛先からアカウントを完全に除外する。
	RemoveFromDestination(ctx context.Context, destination, accountID string) error
}

// LinkResolver はFanvue UUIDを宛先アカウントIDに解決する。
type LinkResolver interface {
	DestinationID(ctx context.Context, fanvueUUID string) (string, error)
}

// Reconciler は1宛先分の差分計算と適用を行う。
type Reconciler struct {
	adapter  Adapter
	resolver LinkResolver
	logger   *slog.Logger
	metrics  metrics.MetricsCollector

	// serviceAccountID は自分自身のアカウント。差分計算から常に除外し、
	// サービスが自分を宛先から追い出すことを防ぐ。
	serviceAccountID string

	limiter *rate.Limiter
}

// NewReconciler はReconcilerを生成する。
// enforceDelayは宛先への変更呼び出し1件ごとの間隔。
func NewReconciler(adapter Adapter, resolver LinkResolver, serviceAccountID string, enforceDelay time.Duration, logger *slog.Logger, collector metrics.MetricsCollector) *Reconciler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if enforceDelay <= 0 {
		enforceDelay = time.Second
	}
	return &Reconciler{
		adapter:          adapter,
		resolver:         resolver,
		logger:           logger,
		metrics:          collector,
		serviceAccountID: serviceAccountID,
		limiter:          rate.NewLimiter(rate.Every(enforceDelay), 1),
	}
}

// Reconcile は資格者UUID集合を宛先アカウントIDに解決し、
// 実メンバーシップとの差分を失効ポリシーに従って適用する。
// 個々の付与・剥奪の失敗は記録して残りの処理を続行する。
func (r *Reconciler) Reconcile(ctx context.Context, destination string, entitled map[string]struct{}, policy model.ExpiryPolicy) error {
	target := r.resolveTargets(ctx, destination, entitled)

	actual, err := r.adapter.ListMembers(ctx, destination)
	if err != nil {
		return fmt.Errorf("failed to list members of %s: %w", destination, err)
	}
	delete(actual, r.serviceAccountID)

	toAdd, toRemove := diff(target, actual)

	r.logger.Info("差分を適用します",
		slog.String("destination", destination),
		slog.Int("entitled", len(target)),
		slog.Int("actual", len(actual)),
		slog.Int("to_add", len(toAdd)),
		slog.Int("to_remove", len(toRemove)),
	)

	for accountID := range toAdd {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := r.adapter.Grant(ctx, destination, accountID); err != nil {
			r.logger.Error("メンバーシップの付与に失敗しました",
				slog.String("destination", destination),
				slog.String("account_id", accountID),
				slog.Any("error", err),
			)
			r.metrics.RecordEnforcementFailure(destination)
			continue
		}
		r.metrics.RecordGrant(destination)
	}

	for accountID := range toRemove {
		if policy == model.ExpiryIgnore {
			// 既得権として残す。変更呼び出しは発生させない
			r.logger.Info("失効メンバーを無視ポリシーに従い残します",
				slog.String("destination", destination),
				slog.String("account_id", accountID),
			)
			continue
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := r.applyExpiry(ctx, destination, accountID, policy); err != nil {
			r.logger.Error("失効処理に失敗しました",
				slog.String("destination", destination),
				slog.String("account_id", accountID),
				slog.String("policy", string(policy)),
				slog.Any("error", err),
			)
			r.metrics.RecordEnforcementFailure(destination)
			continue
		}
		r.metrics.RecordRevoke(destination, string(policy))
	}

	return nil
}

// resolveTargets は資格者UUIDを宛先アカウントIDに解決する。
// 未リンク・リンク失効のユーザーは今サイクルの対象から外す。
func (r *Reconciler) resolveTargets(ctx context.Context, destination string, entitled map[string]struct{}) map[string]struct{} {
	target := make(map[string]struct{}, len(entitled))
	for fanvueUUID := range entitled {
		accountID, err := r.resolver.DestinationID(ctx, fanvueUUID)
		if err != nil {
			if errors.Is(err, model.ErrNotLinked) || errors.Is(err, model.ErrLinkExpired) {
				continue
			}
			r.logger.Error("アカウントIDの解決に失敗しました",
				slog.String("destination", destination),
				slog.String("fanvue_uuid", fanvueUUID),
				slog.Any("error", err),
			)
			continue
		}
		target[accountID] = struct{}{}
	}
	return target
}

// applyExpiry は失効ポリシーに応じた剥奪操作を実行する。
func (r *Reconciler) applyExpiry(ctx context.Context, destination, accountID string, policy model.ExpiryPolicy) error {
	switch policy {
	case model.ExpiryRemove:
		return r.adapter.RevokeGrant(ctx, destination, accountID)
	case model.ExpiryExclude:
		return r.adapter.RemoveFromDestination(ctx, destination, accountID)
	default:
		return fmt.Errorf("unknown expiry policy %q", policy)
	}
}

// diff はtoAdd = target − actual、toRemove = actual − targetを計算する。
func diff(target, actual map[string]struct{}) (toAdd, toRemove map[string]struct{}) {
	toAdd = make(map[string]struct{})
	for id := range target {
		if _, ok := actual[id]; !ok {
			toAdd[id] = struct{}{}
		}
	}
	toRemove = make(map[string]struct{})
	for id := range actual {
		if _, ok := target[id]; !ok {
			toRemove[id] = struct{}{}
		}
	}
	return toAdd, toRemove
}
