// Package linkserver はアカウントリンク用のHTTPエンドポイントを提供する。
// /linkで認可フローを開始し、/callbackでOAuthコード交換を完了する。
// エンタイトルメント通知(/notify/entitlement)とヘルスチェック、
// Prometheusメトリクスも同じリスナーで受ける。
package linkserver

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/fansync/internal/middleware"
	"github.com/hitoshi/fansync/internal/model"
)

// Linker はアカウントリンクフローの開始と完了を行う。
type Linker interface {
	BeginLink(fanvueUUID string) string
	CompleteLink(ctx context.Context, code, state string) (*model.IdentityLink, error)
}

// EntitlementHandler はエンタイトルメント通知を処理する。
type EntitlementHandler interface {
	HandleEntitlement(ctx context.Context, userID, skuID string) error
}

// Pinger は依存先の死活確認を行う。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps はNewRouterに必要な依存関係をまとめた構造体。
type Deps struct {
	Linker       Linker
	Entitlements EntitlementHandler
	DB           Pinger
	Metrics      http.Handler
	Logger       *slog.Logger
}

var linkPage = template.Must(template.New("link").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>アカウント連携</title></head>
<body>
<h1>アカウント連携</h1>
<p>下のリンクから連携を開始してください。</p>
<p><a href="{{.AuthURL}}">連携をはじめる</a></p>
</body>
</html>
`))

var resultPage = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>アカウント連携</title></head>
<body>
{{if .OK}}<h1>連携が完了しました</h1><p>このページは閉じて構いません。</p>
{{else}}<h1>連携に失敗しました</h1><p>{{.Message}}</p>{{end}}
</body>
</html>
`))

// NewRouter はリンクサーバーの全ルーティングを構成したハンドラーを返す。
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	h := &handler{deps: deps}

	r.Get("/link", h.link)
	r.Get("/callback", h.callback)
	r.Post("/notify/entitlement", h.notifyEntitlement)
	r.Get("/health", h.health)
	r.Method(http.MethodGet, "/metrics", deps.Metrics)

	return r
}

type handler struct {
	deps *Deps
}

// link は認可ページへのリンクを載せたランディングページを返す。
func (h *handler) link(w http.ResponseWriter, r *http.Request) {
	subjectUUID := r.URL.Query().Get("subjectUuid")
	if subjectUUID == "" {
		http.Error(w, "subjectUuid is required", http.StatusBadRequest)
		return
	}

	authURL := h.deps.Linker.BeginLink(subjectUUID)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := linkPage.Execute(w, map[string]any{"AuthURL": template.URL(authURL)}); err != nil {
		h.deps.Logger.Error("リンクページの描画に失敗しました", slog.Any("error", err))
	}
}

// callback はOAuthコールバックを受けてリンクを確立し、結果ページを返す。
func (h *handler) callback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		h.renderResult(w, http.StatusBadRequest, false, "codeとstateが必要です")
		return
	}

	_, err := h.deps.Linker.CompleteLink(r.Context(), code, state)
	if err != nil {
		if errors.Is(err, model.ErrInvalidState) {
			h.renderResult(w, http.StatusBadRequest, false, "リンクの有効期限が切れています。最初からやり直してください。")
			return
		}
		h.deps.Logger.Error("リンクの確立に失敗しました", slog.Any("error", err))
		h.renderResult(w, http.StatusInternalServerError, false, "連携処理中にエラーが発生しました。")
		return
	}

	h.renderResult(w, http.StatusOK, true, "")
}

func (h *handler) renderResult(w http.ResponseWriter, status int, ok bool, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := resultPage.Execute(w, map[string]any{"OK": ok, "Message": message}); err != nil {
		h.deps.Logger.Error("結果ページの描画に失敗しました", slog.Any("error", err))
	}
}

// entitlementRequest は/notify/entitlementのリクエストボディ。
type entitlementRequest struct {
	UserID string `json:"userId"`
	SKUID  string `json:"skuId"`
}

// notifyEntitlement はエンタイトルメント作成通知を受けてオファー判定を行う。
func (h *handler) notifyEntitlement(w http.ResponseWriter, r *http.Request) {
	var req entitlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.SKUID == "" {
		writeJSONError(w, http.StatusBadRequest, "userId and skuId are required")
		return
	}

	if err := h.deps.Entitlements.HandleEntitlement(r.Context(), req.UserID, req.SKUID); err != nil {
		h.deps.Logger.Error("エンタイトルメント通知の処理に失敗しました",
			slog.String("user_id", req.UserID),
			slog.String("sku_id", req.SKUID),
			slog.Any("error", err),
		)
		writeJSONError(w, http.StatusInternalServerError, "failed to process entitlement")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// health は依存先の死活を確認する。
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.DB.PingContext(r.Context()); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
