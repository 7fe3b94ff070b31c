// Package poll はメンバーシップ同期のポーリングループを提供する。
// 一定間隔でルール評価と差分適用を1サイクルとして実行する。
// サイクル同士は重ならず、前のサイクルの完了後に次の間隔を待つ。
package poll

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/fansync/internal/metrics"
	"github.com/hitoshi/fansync/internal/model"
)

// MembershipComputer は宛先ごとの資格者UUID集合を計算する。
type MembershipComputer interface {
	ComputeMembership(ctx context.Context) map[string]map[string]struct{}
	RuleSets() map[string]model.RuleSet
}

// Reconciler は1宛先分の差分適用を行う。
type Reconciler interface {
	Reconcile(ctx context.Context, destination string, entitled map[string]struct{}, policy model.ExpiryPolicy) error
}

// Scheduler はポーリングループ本体。
type Scheduler struct {
	engine     MembershipComputer
	reconciler Reconciler
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(engine MembershipComputer, reconciler Reconciler, logger *slog.Logger, collector metrics.MetricsCollector) *Scheduler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Scheduler{
		engine:     engine,
		reconciler: reconciler,
		logger:     logger,
		metrics:    collector,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は1回の同期サイクルを実行する。
// 宛先単位の失敗は記録して残りの宛先の処理を続行する。
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()

	entitled := s.engine.ComputeMembership(ctx)
	ruleSets := s.engine.RuleSets()

	for destination, uuids := range entitled {
		policy := ruleSets[destination].OnExpiry
		if err := s.reconciler.Reconcile(ctx, destination, uuids, policy); err != nil {
			s.logger.Error("宛先の同期に失敗しました",
				slog.String("destination", destination),
				slog.String("error", err.Error()),
			)
			s.metrics.RecordCycleError()
		}
	}

	duration := time.Since(start)
	s.metrics.RecordCycleDuration(duration)
	s.logger.Info("同期サイクルが完了しました",
		slog.Int("destination_count", len(entitled)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}
