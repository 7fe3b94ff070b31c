// Package fanvue はFanvue APIのレート制限付きページングクライアントを提供する。
// 429応答は内部でリトライし、残量ヘッダーが閾値を下回ったらリセット時刻まで
// 自律的に待機する。外部スケジューラなしでセルフスロットリングする。
package fanvue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/fansync/internal/metrics"
	"github.com/hitoshi/fansync/internal/model"
)

const (
	// apiVersion はX-Fanvue-API-Versionヘッダーに設定するAPIバージョン。
	apiVersion = "2025-06-26"
	// pageSize は一覧系エンドポイントの1ページあたりの件数。
	pageSize = 50
	// remainingFloor は残量ヘッダーがこの値を下回ったら先回りで待機する閾値。
	remainingFloor = 5
	// defaultRetryAfter はRetry-Afterヘッダーがない場合の待機秒数。
	defaultRetryAfter = 5 * time.Second
)

// Client はFanvue APIクライアント。
// すべての読み取りはページング付きで、429とクォータ残量に応じて自動待機する。
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	logger     *slog.Logger
	metrics    metrics.MetricsCollector

	sleep func(time.Duration) // テスト用に差し替え可能
	now   func() time.Time
}

// NewClient はClientを生成する。
// httpClientがnilの場合は30秒タイムアウトのデフォルトクライアントを使用する。
func NewClient(httpClient *http.Client, baseURL string, tokens TokenSource, logger *slog.Logger, collector metrics.MetricsCollector) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		logger:     logger,
		metrics:    collector,
		sleep:      time.Sleep,
		now:        time.Now,
	}
}

// getJSON は1回の論理GETを実行しレスポンスJSONをoutにデコードする。
// 429は同一ページをリトライし、論理的な失敗として数えない。
// それ以外の非2xxはUpstreamErrorとして返す。
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Fanvue-API-Version", apiVersion)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request to %s failed: %w", path, err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read response from %s: %w", path, err)
		}

		c.metrics.RecordUpstreamStatus(resp.StatusCode)

		// 429: 宣言された間隔+1秒待機して同一ページをリトライ
		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfter(resp.Header)
			c.logger.Warn("レート制限に達しました。待機してリトライします",
				slog.String("endpoint", path),
				slog.Duration("wait", wait),
			)
			c.metrics.RecordRateLimitWait(wait)
			c.sleep(wait)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &model.UpstreamError{
				Endpoint: path,
				Status:   resp.StatusCode,
				Body:     string(body),
			}
		}

		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to parse response from %s: %w", path, err)
		}

		// 先回りスロットリング: 残量が閾値を下回ったらリセット時刻+1秒まで待機
		if wait, ok := c.quotaWait(resp.Header); ok {
			c.logger.Info("レート制限の残量が少ないため待機します",
				slog.String("endpoint", path),
				slog.Duration("wait", wait),
			)
			c.metrics.RecordRateLimitWait(wait)
			c.sleep(wait)
		}

		return nil
	}
}

// retryAfter はRetry-Afterヘッダーから待機時間を求める。宣言値+1秒。
func retryAfter(h http.Header) time.Duration {
	sec, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || sec < 0 {
		return defaultRetryAfter + time.Second
	}
	return time.Duration(sec)*time.Second + time.Second
}

// quotaWait は残量ヘッダーに基づく先回り待機時間を返す。
// 残量が閾値以上、またはヘッダーが不正な場合は待機しない。
func (c *Client) quotaWait(h http.Header) (time.Duration, bool) {
	remStr := h.Get("X-RateLimit-Remaining")
	if remStr == "" {
		return 0, false
	}
	remaining, err := strconv.Atoi(remStr)
	if err != nil || remaining >= remainingFloor {
		return 0, false
	}

	reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return 0, false
	}
	wait := time.Unix(reset, 0).Sub(c.now())
	if wait <= 0 {
		return 0, false
	}
	return wait + time.Second, true
}

// fanPayload は一覧系エンドポイントの1件分のレスポンス。
type fanPayload struct {
	UUID         string `json:"uuid"`
	Handle       string `json:"handle"`
	IsTopSpender bool   `json:"isTopSpender"`
}

// fanListEnvelope は一覧系エンドポイントの共通エンベロープ。
type fanListEnvelope struct {
	Data       []fanPayload `json:"data"`
	Pagination struct {
		HasMore bool `json:"hasMore"`
	} `json:"pagination"`
}

// fetchFanPages はページ番号方式の一覧エンドポイントを最終ページまで読み切る。
// 途中で失敗した場合はエラーを返し、呼び出し元は「今サイクルは新データなし」として扱う。
func (c *Client) fetchFanPages(ctx context.Context, path string, extra url.Values, isSubscriber bool) ([]model.Fan, error) {
	var fans []model.Fan

	for page := 1; ; page++ {
		query := url.Values{
			"page": {strconv.Itoa(page)},
			"size": {strconv.Itoa(pageSize)},
		}
		for k, vs := range extra {
			query[k] = vs
		}

		var envelope fanListEnvelope
		if err := c.getJSON(ctx, path, query, &envelope); err != nil {
			return nil, err
		}

		for _, p := range envelope.Data {
			fans = append(fans, model.Fan{
				UUID:         p.UUID,
				Handle:       p.Handle,
				IsSubscriber: isSubscriber,
				IsTopSpender: p.IsTopSpender,
			})
		}

		if !envelope.Pagination.HasMore {
			return fans, nil
		}
	}
}

// Subscribers はアクティブなサブスクライバー全件を取得する。
func (c *Client) Subscribers(ctx context.Context) ([]model.Fan, error) {
	return c.fetchFanPages(ctx, "/subscribers", nil, true)
}

// Followers はフォロワー全件を取得する。
func (c *Client) Followers(ctx context.Context) ([]model.Fan, error) {
	return c.fetchFanPages(ctx, "/followers", nil, false)
}

// ListMembers はキュレーションリストのメンバー全件を取得する。
// kindは"custom"または"smart"。
func (c *Client) ListMembers(ctx context.Context, listID, kind string) ([]model.Fan, error) {
	extra := url.Values{"type": {kind}}
	return c.fetchFanPages(ctx, "/lists/"+url.PathEscape(listID)+"/members", extra, false)
}

// insightsEnvelope はファンインサイトエンドポイントのレスポンス。
type insightsEnvelope struct {
	Spending struct {
		Total struct {
			Gross int64 `json:"gross"`
		} `json:"total"`
	} `json:"spending"`
}

// FanInsights は指定ファンの消費インサイトを取得する。
// 404はインサイトなしを意味し、(nil, nil)を返す。
func (c *Client) FanInsights(ctx context.Context, fanUUID string) (*model.FanInsights, error) {
	var envelope insightsEnvelope
	err := c.getJSON(ctx, "/insights/fans/"+url.PathEscape(fanUUID), nil, &envelope)
	if err != nil {
		var ue *model.UpstreamError
		if errors.As(err, &ue) && ue.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	return &model.FanInsights{TotalSpendGrossCents: envelope.Spending.Total.Gross}, nil
}

// EarningParty は取引イベントに含まれるユーザー参照。
type EarningParty struct {
	UUID string `json:"uuid"`
}

// Earning は収益ストリームの1取引イベント。
type Earning struct {
	PostUUID string        `json:"postUuid"`
	Date     string        `json:"date"`
	User     *EarningParty `json:"user"`
	Sender   *EarningParty `json:"sender"`
}

// BuyerUUID は購入者UUIDを返す。userを優先し、なければsenderを見る。
// どちらもない場合は空文字列。
func (e Earning) BuyerUUID() string {
	if e.User != nil && e.User.UUID != "" {
		return e.User.UUID
	}
	if e.Sender != nil {
		return e.Sender.UUID
	}
	return ""
}

// OccurredAt は取引時刻をパースして返す。
func (e Earning) OccurredAt() (time.Time, error) {
	return time.Parse(time.RFC3339, e.Date)
}

// earningsEnvelope は収益ストリームエンドポイントのエンベロープ。
type earningsEnvelope struct {
	Data       []Earning `json:"data"`
	NextCursor string    `json:"nextCursor"`
}

// Earnings は収益ストリームをカーソルページングで読み、1件ずつyieldに渡す。
// sinceを指定するとその時刻以降の取引に絞り込む。途中のページ取得失敗は
// そこで中断しエラーを返すが、既にyieldへ渡した項目は有効なまま。
func (c *Client) Earnings(ctx context.Context, since *time.Time, sources []string, yield func(Earning) error) error {
	cursor := ""

	for {
		query := url.Values{"size": {strconv.Itoa(pageSize)}}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		if since != nil {
			query.Set("startDate", since.Format(time.RFC3339))
		}
		if len(sources) > 0 {
			query.Set("source", strings.Join(sources, ","))
		}

		var envelope earningsEnvelope
		if err := c.getJSON(ctx, "/insights/earnings", query, &envelope); err != nil {
			return err
		}

		for _, e := range envelope.Data {
			if err := yield(e); err != nil {
				return err
			}
		}

		cursor = envelope.NextCursor
		if cursor == "" {
			return nil
		}
	}
}
