// Package identity はFanvueアカウントと外部プラットフォームアカウントの
// ひも付けを提供する。OAuth認可コードフローでリンクを確立し、トークンを
// 失効前に自動リフレッシュする。
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Tokens はOAuthトークン一式。
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Provider は外部プラットフォームのOAuthエンドポイント操作を抽象化する。
type Provider interface {
	// AuthURL は認可ページのURLを返す。stateはコールバックで検証される。
	AuthURL(state string) string
	// Exchange は認可コードをトークンに交換する。
	Exchange(ctx context.Context, code string) (*Tokens, error)
	// Refresh はリフレッシュトークンで新しいトークンを取得する。
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
	// AccountID はアクセストークンの持ち主のアカウントIDを返す。
	AccountID(ctx context.Context, accessToken string) (string, error)
}

// OAuthProviderConfig はOAuthProviderの設定。
type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
	AccountURL   string
}

// OAuthProvider は標準的な認可コードフローを実装するProvider。
type OAuthProvider struct {
	httpClient *http.Client
	cfg        OAuthProviderConfig
	now        func() time.Time
}

// NewOAuthProvider はOAuthProviderを生成する。
// httpClientがnilの場合は10秒タイムアウトのデフォルトクライアントを使用する。
func NewOAuthProvider(httpClient *http.Client, cfg OAuthProviderConfig) *OAuthProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &OAuthProvider{
		httpClient: httpClient,
		cfg:        cfg,
		now:        time.Now,
	}
}

// AuthURL は認可ページのURLを返す。
func (p *OAuthProvider) AuthURL(state string) string {
	query := url.Values{
		"client_id":     {p.cfg.ClientID},
		"redirect_uri":  {p.cfg.RedirectURL},
		"response_type": {"code"},
		"scope":         {strings.Join(p.cfg.Scopes, " ")},
		"state":         {state},
	}
	return p.cfg.AuthURL + "?" + query.Encode()
}

// Exchange は認可コードをトークンに交換する。
func (p *OAuthProvider) Exchange(ctx context.Context, code string) (*Tokens, error) {
	data := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {p.cfg.RedirectURL},
	}
	return p.tokenRequest(ctx, data)
}

// Refresh はリフレッシュトークンで新しいトークンを取得する。
func (p *OAuthProvider) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return p.tokenRequest(ctx, data)
}

// tokenRequest はトークンエンドポイントへのPOSTを実行する。
func (p *OAuthProvider) tokenRequest(ctx context.Context, data url.Values) (*Tokens, error) {
	data.Set("client_id", p.cfg.ClientID)
	data.Set("client_secret", p.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	expiresIn := payload.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	return &Tokens{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    p.now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// AccountID はアクセストークンの持ち主のアカウントIDを返す。
func (p *OAuthProvider) AccountID(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.AccountURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create account request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("account request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read account response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("account endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("failed to parse account response: %w", err)
	}
	if payload.ID == "" {
		return "", fmt.Errorf("empty account id in response")
	}
	return payload.ID, nil
}

// compile-time interface check
var _ Provider = (*OAuthProvider)(nil)
