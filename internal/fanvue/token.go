package fanvue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// refreshSkew はトークン失効のこの時間前からリフレッシュを行う。
const refreshSkew = 60 * time.Second

// TokenSource は各リクエストに付与するBearerトークンを提供する。
type TokenSource interface {
	// Token は有効なアクセストークンを返す。
	// 必要に応じて内部でリフレッシュを行う。
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource は固定トークンを返すTokenSource。テストおよび短命な用途向け。
type StaticTokenSource string

// Token は固定トークンをそのまま返す。
func (s StaticTokenSource) Token(_ context.Context) (string, error) {
	return string(s), nil
}

// RefreshingTokenSource はrefresh_tokenグラントでアクセストークンを維持するTokenSource。
// 失効の60秒前から先回りでリフレッシュする。並行呼び出しはミューテックスで直列化し、
// 同一トークンの二重リフレッシュを防ぐ。
type RefreshingTokenSource struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time

	now func() time.Time // テスト用に差し替え可能
}

// RefreshingTokenSourceConfig はRefreshingTokenSourceの設定。
type RefreshingTokenSourceConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// NewRefreshingTokenSource はRefreshingTokenSourceを生成する。
// httpClientがnilの場合は10秒タイムアウトのデフォルトクライアントを使用する。
func NewRefreshingTokenSource(httpClient *http.Client, cfg RefreshingTokenSourceConfig) *RefreshingTokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &RefreshingTokenSource{
		httpClient:   httpClient,
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		refreshToken: cfg.RefreshToken,
		now:          time.Now,
	}
}

// tokenResponse はトークンエンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Token は有効なアクセストークンを返す。
// 失効まで60秒を切っている場合は先にリフレッシュする。
func (s *RefreshingTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && s.now().Before(s.expiresAt.Add(-refreshSkew)) {
		return s.accessToken, nil
	}

	if err := s.refreshLocked(ctx); err != nil {
		return "", err
	}
	return s.accessToken, nil
}

// refreshLocked はrefresh_tokenグラントでトークンを更新する。muを保持して呼ぶこと。
func (s *RefreshingTokenSource) refreshLocked(ctx context.Context) error {
	if s.refreshToken == "" {
		return fmt.Errorf("no refresh token available")
	}

	data := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
		"refresh_token": {s.refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return fmt.Errorf("empty access token in response")
	}

	s.accessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		s.refreshToken = tr.RefreshToken
	}
	expiresIn := tr.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	s.expiresAt = s.now().Add(time.Duration(expiresIn) * time.Second)

	return nil
}

// compile-time interface check
var _ TokenSource = (*RefreshingTokenSource)(nil)
var _ TokenSource = StaticTokenSource("")
