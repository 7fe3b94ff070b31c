package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/fansync/internal/metrics"
	"github.com/hitoshi/fansync/internal/model"
	"github.com/hitoshi/fansync/internal/repository"
)

// tokenRefreshSkew はリンクトークン失効のこの時間前からリフレッシュを行う。
const tokenRefreshSkew = 60 * time.Second

// LinkStore はアカウントリンクのライフサイクルを管理する。
// リンクの確立、トークンの自動リフレッシュ、双方向のID解決を提供する。
type LinkStore struct {
	provider Provider
	states   *StateRegistry
	repo     repository.IdentityLinkRepository
	logger   *slog.Logger
	metrics  metrics.MetricsCollector

	// ユーザーごとのリフレッシュ直列化。全体ロックにすると
	// あるユーザーのリフレッシュが他ユーザーの読み取りを塞ぐ。
	refreshMu sync.Mutex
	refreshes map[string]*sync.Mutex

	now func() time.Time
}

// NewLinkStore はLinkStoreを生成する。
func NewLinkStore(provider Provider, repo repository.IdentityLinkRepository, logger *slog.Logger, collector metrics.MetricsCollector) *LinkStore {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &LinkStore{
		provider:  provider,
		states:    NewStateRegistry(),
		repo:      repo,
		logger:    logger,
		metrics:   collector,
		refreshes: make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// BeginLink はリンクフローを開始し、認可ページのURLを返す。
func (s *LinkStore) BeginLink(fanvueUUID string) string {
	state := s.states.Issue(fanvueUUID)
	return s.provider.AuthURL(state)
}

// CompleteLink はコールバックのcodeとstateを検証してリンクを確立する。
// 同一Fanvue UUIDの再リンクは既存行を上書きするが、初回リンク日時は保持される。
func (s *LinkStore) CompleteLink(ctx context.Context, code, state string) (*model.IdentityLink, error) {
	fanvueUUID, err := s.states.Consume(state)
	if err != nil {
		return nil, err
	}

	tokens, err := s.provider.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	accountID, err := s.provider.AccountID(ctx, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination account: %w", err)
	}

	// 再リンク時のcreated_atの維持はリポジトリ側のUpsertが行う
	now := s.now()
	link := &model.IdentityLink{
		FanvueUUID:           fanvueUUID,
		DestinationAccountID: accountID,
		AccessToken:          tokens.AccessToken,
		RefreshToken:         tokens.RefreshToken,
		ExpiresAt:            tokens.ExpiresAt,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.repo.Upsert(ctx, link); err != nil {
		return nil, fmt.Errorf("failed to persist identity link: %w", err)
	}

	s.metrics.RecordLinkCompleted()
	s.logger.Info("アカウントリンクを確立しました",
		slog.String("fanvue_uuid", fanvueUUID),
		slog.String("destination_account_id", accountID),
	)
	return link, nil
}

// ActiveToken は指定ユーザーの有効なアクセストークンを返す。
// 失効まで60秒を切っている場合は先にリフレッシュする。
// リフレッシュに失敗した場合はErrLinkExpiredを返し、再リンクが必要になる。
func (s *LinkStore) ActiveToken(ctx context.Context, fanvueUUID string) (string, error) {
	mu := s.userMutex(fanvueUUID)
	mu.Lock()
	defer mu.Unlock()

	link, err := s.repo.FindByFanvueUUID(ctx, fanvueUUID)
	if err != nil {
		if errors.Is(err, model.ErrNotLinked) {
			return "", err
		}
		return "", fmt.Errorf("failed to load identity link: %w", err)
	}

	if s.now().Before(link.ExpiresAt.Add(-tokenRefreshSkew)) {
		return link.AccessToken, nil
	}

	tokens, err := s.provider.Refresh(ctx, link.RefreshToken)
	if err != nil {
		s.logger.Warn("リンクトークンのリフレッシュに失敗しました。再リンクが必要です",
			slog.String("fanvue_uuid", fanvueUUID),
			slog.Any("error", err),
		)
		return "", fmt.Errorf("%w: %v", model.ErrLinkExpired, err)
	}

	refreshToken := tokens.RefreshToken
	if refreshToken == "" {
		refreshToken = link.RefreshToken
	}
	if err := s.repo.UpdateTokens(ctx, fanvueUUID, tokens.AccessToken, refreshToken, tokens.ExpiresAt); err != nil {
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	return tokens.AccessToken, nil
}

// DestinationID はFanvue UUIDから外部アカウントIDを解決する。
// 未リンクの場合はErrNotLinked。
func (s *LinkStore) DestinationID(ctx context.Context, fanvueUUID string) (string, error) {
	link, err := s.repo.FindByFanvueUUID(ctx, fanvueUUID)
	if err != nil {
		return "", err
	}
	return link.DestinationAccountID, nil
}

// FanvueUUID は外部アカウントIDからFanvue UUIDを逆引きする。
// 未リンクの場合はErrNotLinked。
func (s *LinkStore) FanvueUUID(ctx context.Context, destinationAccountID string) (string, error) {
	link, err := s.repo.FindByDestinationAccountID(ctx, destinationAccountID)
	if err != nil {
		return "", err
	}
	return link.FanvueUUID, nil
}

// userMutex はユーザーごとのリフレッシュ用ミューテックスを返す。
func (s *LinkStore) userMutex(fanvueUUID string) *sync.Mutex {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	mu, ok := s.refreshes[fanvueUUID]
	if !ok {
		mu = &sync.Mutex{}
		s.refreshes[fanvueUUID] = mu
	}
	return mu
}
