// Package offer はワンタイムオファー送信の重複排除を提供する。
// 同一の(ユーザー, トリガー)組に対してオファーは最大1回しか送られない。
package offer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hitoshi/fansync/internal/metrics"
	"github.com/hitoshi/fansync/internal/repository"
)

// BoostTrigger はSKU購入ではなくブースト系エンタイトルメントを表す
// 仮想トリガーID。
const BoostTrigger = "SERVER_BOOST"

// Sender はオファーメッセージの実送信を行う。宛先アダプターの責務。
type Sender interface {
	SendOffer(ctx context.Context, userID, message string) error
}

// Service はエンタイトルメント通知を受けてアップセルオファーを送る。
// 送信判定はOfferRepositoryのアトミックな挿入で行い、並行する同一通知の
// うち勝った1件だけが送信する。
type Service struct {
	repo         repository.OfferRepository
	sender       Sender
	eligibleSKUs []string
	upsellBoost  bool
	message      string
	logger       *slog.Logger
	metrics      metrics.MetricsCollector

	now func() time.Time
}

// NewService はServiceを生成する。
func NewService(repo repository.OfferRepository, sender Sender, eligibleSKUs []string, upsellBoost bool, message string, logger *slog.Logger, collector metrics.MetricsCollector) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		repo:         repo,
		sender:       sender,
		eligibleSKUs: eligibleSKUs,
		upsellBoost:  upsellBoost,
		message:      message,
		logger:       logger,
		metrics:      collector,
		now:          time.Now,
	}
}

// HandleEntitlement はエンタイトルメント通知を処理する。
// SKUが対象外なら何もしない。対象なら重複排除ガードを通った場合のみ
// オファーを送信する。「送信済み」はエラーではない。
func (s *Service) HandleEntitlement(ctx context.Context, userID, skuID string) error {
	if !s.eligible(skuID) {
		s.logger.Debug("対象外のSKUのためオファーを送りません",
			slog.String("user_id", userID),
			slog.String("sku_id", skuID),
		)
		return nil
	}

	won, err := s.repo.TryRecord(ctx, userID, skuID, s.now())
	if err != nil {
		return fmt.Errorf("failed to record offer for %s/%s: %w", userID, skuID, err)
	}
	if !won {
		s.logger.Info("オファーは送信済みのためスキップします",
			slog.String("user_id", userID),
			slog.String("sku_id", skuID),
		)
		return nil
	}

	if err := s.sender.SendOffer(ctx, userID, s.message); err != nil {
		return fmt.Errorf("failed to send offer to %s: %w", userID, err)
	}

	s.metrics.RecordOfferSent()
	s.logger.Info("オファーを送信しました",
		slog.String("user_id", userID),
		slog.String("sku_id", skuID),
	)
	return nil
}

// eligible はSKUがオファー対象か判定する。
func (s *Service) eligible(skuID string) bool {
	if skuID == BoostTrigger {
		return s.upsellBoost
	}
	return slices.Contains(s.eligibleSKUs, skuID)
}
