package reconcile

import (
	"context"
	"log/slog"
)

// LogAdapter は変更を実行せずログに記録するだけのAdapter。
// 宛先固有のアダプターを設定するまでのドライラン用で、
// オファー送信側のインターフェースも同様に満たす。
type LogAdapter struct {
	logger *slog.Logger
}

// NewLogAdapter はLogAdapterを生成する。
func NewLogAdapter(logger *slog.Logger) *LogAdapter {
	return &LogAdapter{logger: logger}
}

// ListMembers は常に空集合を返す。
func (a *LogAdapter) ListMembers(_ context.Context, destination string) (map[string]struct{}, error) {
	a.logger.Info("dry-run: メンバー一覧を返します(空)",
		slog.String("destination", destination),
	)
	return map[string]struct{}{}, nil
}

// Grant は付与をログに記録する。
func (a *LogAdapter) Grant(_ context.Context, destination, accountID string) error {
	a.logger.Info("dry-run: メンバーシップを付与します",
		slog.String("destination", destination),
		slog.String("account_id", accountID),
	)
	return nil
}

// RevokeGrant は剥奪をログに記録する。
func (a *LogAdapter) RevokeGrant(_ context.Context, destination, accountID string) error {
	a.logger.Info("dry-run: メンバーシップを剥奪します",
		slog.String("destination", destination),
		slog.String("account_id", accountID),
	)
	return nil
}

// RemoveFromDestination は除外をログに記録する。
func (a *LogAdapter) RemoveFromDestination(_ context.Context, destination, accountID string) error {
	a.logger.Info("dry-run: 宛先から除外します",
		slog.String("destination", destination),
		slog.String("account_id", accountID),
	)
	return nil
}

// SendOffer はオファー送信をログに記録する。
func (a *LogAdapter) SendOffer(_ context.Context, userID, message string) error {
	a.logger.Info("dry-run: オファーを送信します",
		slog.String("user_id", userID),
		slog.String("message", message),
	)
	return nil
}

var _ Adapter = (*LogAdapter)(nil)
