package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/dealwatch/internal/config"
	"github.com/hitoshi/dealwatch/internal/cycle"
	"github.com/hitoshi/dealwatch/internal/ebay"
	"github.com/hitoshi/dealwatch/internal/heartbeat"
	"github.com/hitoshi/dealwatch/internal/logger"
	"github.com/hitoshi/dealwatch/internal/metrics"
	"github.com/hitoshi/dealwatch/internal/notify"
	"github.com/hitoshi/dealwatch/internal/ops"
	"github.com/hitoshi/dealwatch/internal/quota"
	"github.com/hitoshi/dealwatch/internal/search"
	"github.com/hitoshi/dealwatch/internal/security"
	"github.com/hitoshi/dealwatch/internal/seen"
	"github.com/hitoshi/dealwatch/internal/token"
	"github.com/hitoshi/dealwatch/internal/updatecheck"
	"github.com/hitoshi/dealwatch/internal/version"
)

// healthcheckMaxAge はハートビートをこの経過時間まで新鮮とみなす。
// 待機中は30秒ごとに更新されるため、これを超えていればループは止まっている。
const healthcheckMaxAge = 10 * time.Minute

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップする
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		return runHealthcheck()
	}

	if cmd == CommandVersion {
		fmt.Fprintf(w, "dealwatch %s\n", version.Version)
		return nil
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("version", version.Version),
		slog.String("marketplace", cfg.MarketplaceID),
	)

	switch cmd {
	case CommandQuota:
		return runQuota(w, cfg)
	default:
		return runPoller(cfg)
	}
}

// runPoller はポーリングループモードで起動する。
// 全依存関係をワイヤリングし、運用HTTPサーバーとオーケストレータを起動する。
// SIGINT/SIGTERMシグナルまたは停止要求ファイルでグレースフルシャットダウンを行う。
func runPoller(cfg *config.Config) error {
	// 1. 状態ディレクトリの準備
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	// 2. 検索スペックの読み込み（不正なスペックファイルは起動失敗）
	specs, err := config.LoadSearches(cfg.SearchesFile)
	if err != nil {
		return fmt.Errorf("failed to load searches: %w", err)
	}

	slog.Info("search specs loaded",
		slog.Int("count", len(specs)),
		slog.String("file", cfg.SearchesFile),
	)

	// 3. eBay APIクライアントとトークンマネージャ
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	tokens := token.NewManager(token.Config{
		ClientID:     cfg.EbayClientID,
		ClientSecret: cfg.EbayClientSecret,
		Scope:        cfg.OAuthScope,
		StatePath:    filepath.Join(cfg.StateDir, "token_state.json"),
		ExpiryMargin: cfg.TokenExpiryMargin,
		TokenURL:     cfg.TokenURL,
	}, httpClient, slog.Default())

	client := ebay.NewClient(ebay.Config{
		BaseURL:       cfg.APIBaseURL,
		MarketplaceID: cfg.MarketplaceID,
		CampaignID:    cfg.CampaignID,
	}, httpClient, slog.Default())

	// 4. 状態ストア（クォータ・既読アイテム）
	tracker := quota.NewTracker(quota.Config{
		StatePath:       filepath.Join(cfg.StateDir, "quota_state.json"),
		DailyLimit:      cfg.DailyCallLimit,
		Buffer:          cfg.CallBuffer,
		SyncInterval:    cfg.QuotaSyncInterval,
		PostResetWindow: cfg.PostResetWindow,
	}, slog.Default())

	store, err := seen.NewStore(seen.Config{
		Path:       filepath.Join(cfg.StateDir, "seen_items.json"),
		MaxAge:     time.Duration(cfg.SeenMaxAgeDays) * 24 * time.Hour,
		MaxEntries: cfg.SeenMaxEntries,
	}, slog.Default())
	if err != nil {
		// 破損した状態ファイルでは起動を止めず、空のストアで継続する
		slog.Error("seen store load failed, starting empty",
			slog.String("error", err.Error()),
		)
	}

	// 5. セキュリティサービスと検索エグゼキュータ
	sanitizer := security.NewTitleSanitizer()
	ssrfGuard := security.NewSSRFGuard()

	executor := search.NewExecutor(search.Config{
		CallInterval: cfg.CallInterval,
	}, client, tokens, tracker, sanitizer, slog.Default())

	// 6. 通知・アラート・ハートビート・メトリクス
	notifier := notify.NewLogNotifier(slog.Default())
	alerts := notify.NewCooldownAlertSink(
		notify.NewLogAlertSink(slog.Default()),
		cfg.FailureAlertCooldown,
		slog.Default(),
	)
	reporter := heartbeat.NewFileReporter(cfg.HeartbeatFile, "dealwatch", version.Version, slog.Default())

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 7. API更新チェッカー（UPDATE_CHECK_INTERVAL=0で無効化）
	var updateCheck cycle.UpdateChecker
	if cfg.UpdateCheckInterval > 0 {
		checker, err := updatecheck.NewChecker(updatecheck.Config{
			Interval:         cfg.UpdateCheckInterval,
			DeprecationURL:   cfg.UpdateDeprecationURL,
			AnnouncementsURL: cfg.UpdateFeedURL,
			ProbeURL:         strings.TrimSuffix(cfg.APIBaseURL, "/") + "/buy/browse/v1/item_summary/search?limit=1",
			StatePath:        filepath.Join(cfg.StateDir, "update_check.json"),
			Timeout:          cfg.HTTPTimeout,
		}, ssrfGuard, alerts, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to initialize update checker: %w", err)
		}
		updateCheck = checker
	}

	// 8. オーケストレータの構築
	orchestrator := cycle.New(cycle.Config{
		SentinelPath:          cfg.ShutdownFile,
		StatsPath:             filepath.Join(cfg.StateDir, "stats.json"),
		PacingBuffer:          cfg.CallBuffer,
		MinInterval:           cfg.MinCycleInterval,
		MaxInterval:           cfg.MaxCycleInterval,
		FailureAlertThreshold: cfg.FailureAlertThreshold,
	}, cycle.Deps{
		Specs:       specs,
		Searcher:    executor,
		Tokens:      tokens,
		RateLimits:  client,
		Quota:       tracker,
		Seen:        store,
		Notifier:    notifier,
		Alerts:      alerts,
		Heartbeat:   reporter,
		Metrics:     collector,
		UpdateCheck: updateCheck,
		Logger:      slog.Default(),
	})

	// 9. 運用HTTPサーバーの起動（OPS_LISTEN_ADDR=""で無効化）
	var opsServer *ops.Server
	if cfg.OpsListenAddr != "" {
		opsServer = ops.NewServer(cfg.OpsListenAddr, &ops.RouterDeps{
			Logger:  slog.Default(),
			Health:  &heartbeatHealth{path: cfg.HeartbeatFile, maxAge: healthcheckMaxAge},
			Status:  orchestrator,
			Metrics: metrics.Handler(registry),
		}, slog.Default())
		opsServer.Start()
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := orchestrator.Run(ctx)

	if opsServer != nil {
		slog.Info("shutting down ops server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("ops server shutdown failed", slog.String("error", err.Error()))
		}
	}

	slog.Info("application stopped gracefully")
	return runErr
}

// runQuota はAPIのレート制限状態を照会して表示する。
// トークンを取得してレート制限エンドポイントを1回呼び、結果をwへ書き出す。
func runQuota(w io.Writer, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	tokens := token.NewManager(token.Config{
		ClientID:     cfg.EbayClientID,
		ClientSecret: cfg.EbayClientSecret,
		Scope:        cfg.OAuthScope,
		StatePath:    filepath.Join(cfg.StateDir, "token_state.json"),
		ExpiryMargin: cfg.TokenExpiryMargin,
		TokenURL:     cfg.TokenURL,
	}, httpClient, slog.Default())

	client := ebay.NewClient(ebay.Config{
		BaseURL:       cfg.APIBaseURL,
		MarketplaceID: cfg.MarketplaceID,
	}, httpClient, slog.Default())

	tok, err := tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire token: %w", err)
	}

	limits, err := client.RateLimits(ctx, tok)
	if err != nil {
		return fmt.Errorf("failed to fetch rate limits: %w", err)
	}

	tracker := quota.NewTracker(quota.Config{
		StatePath:  filepath.Join(cfg.StateDir, "quota_state.json"),
		DailyLimit: cfg.DailyCallLimit,
	}, slog.Default())
	tracker.RolloverIfNeeded(time.Now())

	fmt.Fprintf(w, "API daily limit:   %d\n", limits.Limit)
	fmt.Fprintf(w, "API remaining:     %d\n", limits.Remaining)
	fmt.Fprintf(w, "Resets at:         %s\n", limits.ResetAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Local calls today: %d (self-imposed limit %d)\n", tracker.CallsUsed(), cfg.DailyCallLimit)

	return nil
}

// runHealthcheck はハートビートファイルの鮮度を検証する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// ハートビートが存在しないか古すぎる場合はエラーを返す。
func runHealthcheck() error {
	path := os.Getenv("HEARTBEAT_FILE")
	if path == "" {
		dir := os.Getenv("STATE_DIR")
		if dir == "" {
			dir = "./state"
		}
		path = filepath.Join(dir, "heartbeat.json")
	}

	status, err := heartbeat.ReadStatus(path, time.Now())
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if !status.Fresh(healthcheckMaxAge) {
		return fmt.Errorf("heartbeat is stale: last beat %s ago", status.Age.Round(time.Second))
	}

	return nil
}

// heartbeatHealth はハートビートファイルの鮮度で/healthzに応答するアダプタ。
type heartbeatHealth struct {
	path   string
	maxAge time.Duration
}

func (h *heartbeatHealth) Healthy() error {
	status, err := heartbeat.ReadStatus(h.path, time.Now())
	if err != nil {
		return err
	}
	if !status.Fresh(h.maxAge) {
		return fmt.Errorf("heartbeat is stale: last beat %s ago", status.Age.Round(time.Second))
	}
	return nil
}
