// Package ledger は購入トランザクションの取り込みとカーソル管理を提供する。
// アップストリームから有料投稿の購入イベントを差分取得し、冪等に永続化する。
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/fansync/internal/fanvue"
	"github.com/hitoshi/fansync/internal/metrics"
	"github.com/hitoshi/fansync/internal/model"
	"github.com/hitoshi/fansync/internal/repository"
)

// EarningsSource は購入イベントのストリーミング取得を提供する。
type EarningsSource interface {
	Earnings(ctx context.Context, since *time.Time, sources []string, yield func(fanvue.Earning) error) error
}

// Ledger は購入台帳。取り込みはカーソルからの差分取得で、
// 同一イベントを何度受け取っても重複登録しない。
type Ledger struct {
	source  EarningsSource
	repo    repository.PurchaseRepository
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewLedger はLedgerを生成する。
func NewLedger(source EarningsSource, repo repository.PurchaseRepository, logger *slog.Logger, collector metrics.MetricsCollector) *Ledger {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Ledger{
		source:  source,
		repo:    repo,
		logger:  logger,
		metrics: collector,
	}
}

// Sync はカーソル以降の購入イベントを取り込み、カーソルを前進させる。
// カーソルを進めるのは最後まで完走したパスのみ。途中で失敗したパスは
// 未取得ページに古い日時のイベントが残っている可能性があり、そこで
// カーソルを進めると次回以降そのイベントを永久に取りこぼす。
// 取り込み済みのイベント自体は確定しており、重複挿入は無視されるため
// 次のパスで同じ区間をやり直しても安全。
func (l *Ledger) Sync(ctx context.Context) error {
	cursor, err := l.repo.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sync cursor: %w", err)
	}

	var (
		ingested int
		maxSeen  time.Time
	)

	streamErr := l.source.Earnings(ctx, cursor, []string{"post"}, func(e fanvue.Earning) error {
		buyer := e.BuyerUUID()
		if e.PostUUID == "" || buyer == "" {
			l.logger.Warn("購入イベントに必要な項目がないためスキップします",
				slog.String("post_uuid", e.PostUUID),
				slog.String("date", e.Date),
			)
			return nil
		}

		occurredAt, err := e.OccurredAt()
		if err != nil {
			l.logger.Warn("購入イベントの日時が不正なためスキップします",
				slog.String("post_uuid", e.PostUUID),
				slog.String("date", e.Date),
			)
			return nil
		}

		tx := &model.Transaction{
			PostID:     e.PostUUID,
			BuyerUUID:  buyer,
			OccurredAt: occurredAt,
		}
		if err := l.repo.Insert(ctx, tx); err != nil {
			return fmt.Errorf("failed to record purchase %s/%s: %w", e.PostUUID, buyer, err)
		}

		ingested++
		if occurredAt.After(maxSeen) {
			maxSeen = occurredAt
		}
		return nil
	})

	if streamErr != nil {
		return fmt.Errorf("earnings stream failed: %w", streamErr)
	}

	if ingested > 0 && (cursor == nil || maxSeen.After(*cursor)) {
		if err := l.repo.SetCursor(ctx, maxSeen); err != nil {
			return fmt.Errorf("failed to advance sync cursor: %w", err)
		}
	}

	l.metrics.RecordPurchasesIngested(ingested)
	if ingested > 0 {
		l.logger.Info("購入イベントを取り込みました",
			slog.Int("count", ingested),
			slog.Time("cursor", maxSeen),
		)
	}
	return nil
}

// Unlockers は指定投稿を購入済みのファンUUID集合を返す。
func (l *Ledger) Unlockers(ctx context.Context, postID string) (map[string]struct{}, error) {
	buyers, err := l.repo.BuyersByPost(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to load buyers for post %s: %w", postID, err)
	}

	set := make(map[string]struct{}, len(buyers))
	for _, b := range buyers {
		set[b] = struct{}{}
	}
	return set, nil
}
