package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/fansync/internal/config"
	"github.com/hitoshi/fansync/internal/database"
	"github.com/hitoshi/fansync/internal/fanvue"
	"github.com/hitoshi/fansync/internal/identity"
	"github.com/hitoshi/fansync/internal/ledger"
	"github.com/hitoshi/fansync/internal/linkserver"
	"github.com/hitoshi/fansync/internal/logger"
	"github.com/hitoshi/fansync/internal/metrics"
	"github.com/hitoshi/fansync/internal/offer"
	"github.com/hitoshi/fansync/internal/reconcile"
	"github.com/hitoshi/fansync/internal/repository"
	"github.com/hitoshi/fansync/internal/rules"
	pollpkg "github.com/hitoshi/fansync/internal/worker/poll"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// newProvider は連携先OAuthプロバイダーを構築する。
func newProvider(cfg *config.Config) *identity.OAuthProvider {
	return identity.NewOAuthProvider(nil, identity.OAuthProviderConfig{
		ClientID:     cfg.DestOAuthClientID,
		ClientSecret: cfg.DestOAuthClientSecret,
		RedirectURL:  cfg.DestOAuthRedirectURL,
		Scopes:       strings.Fields(cfg.DestOAuthScopes),
		AuthURL:      cfg.DestOAuthAuthURL,
		TokenURL:     cfg.DestOAuthTokenURL,
		AccountURL:   cfg.DestOAuthAccountURL,
	})
}

// runServe はリンクサーバーモードで起動する。
// DB接続を開き、アカウントリンクとエンタイトルメント通知のエンドポイントを提供する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. リポジトリとドメインサービス
	linkRepo := repository.NewPostgresIdentityLinkRepo(db)
	offerRepo := repository.NewPostgresOfferRepo(db)

	provider := newProvider(cfg)
	linkStore := identity.NewLinkStore(provider, linkRepo, slog.Default(), collector)

	// 宛先固有のアダプターを組み込むまではドライラン送信
	sender := reconcile.NewLogAdapter(slog.Default())
	offerService := offer.NewService(
		offerRepo, sender,
		cfg.OfferEligibleSKUs, cfg.UpsellOnBoost, cfg.OfferMessage,
		slog.Default(), collector,
	)

	// 4. ルーターの構築
	router := linkserver.NewRouter(&linkserver.Deps{
		Linker:       linkStore,
		Entitlements: offerService,
		DB:           db,
		Metrics:      metrics.Handler(registry),
		Logger:       slog.Default(),
	})

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("link server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down link server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("link server stopped gracefully")
	return nil
}

// runWorker は同期ワーカーモードで起動する。
// DB接続を開き、ポーリングスケジューラを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. ルール設定の読み込み
	ruleSets, err := rules.LoadFile(cfg.RulesFile)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	// 3. メトリクスとリポジトリ
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	purchaseRepo := repository.NewPostgresPurchaseRepo(db)
	linkRepo := repository.NewPostgresIdentityLinkRepo(db)

	// 4. アップストリームクライアント
	tokens := fanvue.NewRefreshingTokenSource(nil, fanvue.RefreshingTokenSourceConfig{
		TokenURL:     cfg.FanvueAuthBase + "/oauth/token",
		ClientID:     cfg.FanvueClientID,
		ClientSecret: cfg.FanvueClientSecret,
		RefreshToken: cfg.FanvueRefreshToken,
	})
	client := fanvue.NewClient(nil, cfg.FanvueAPIBase, tokens, slog.Default(), collector)

	// 5. ドメインサービス
	purchaseLedger := ledger.NewLedger(client, purchaseRepo, slog.Default(), collector)
	engine := rules.NewEngine(client, purchaseLedger, ruleSets, slog.Default(), collector)

	provider := newProvider(cfg)
	linkStore := identity.NewLinkStore(provider, linkRepo, slog.Default(), collector)

	// 宛先固有のアダプターを組み込むまではドライラン適用
	adapter := reconcile.NewLogAdapter(slog.Default())
	reconciler := reconcile.NewReconciler(
		adapter, linkStore,
		cfg.ServiceAccountID, cfg.EnforceDelay,
		slog.Default(), collector,
	)

	scheduler := pollpkg.NewScheduler(engine, reconciler, slog.Default(), collector)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("poll_interval", cfg.PollInterval),
		slog.Int("destination_count", len(ruleSets)),
	)

	// ポーリングスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.PollInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
