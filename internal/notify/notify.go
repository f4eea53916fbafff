// Package notify は検索サイクルの成果通知と運用アラートの送出を提供する。
//
// Notifier はサイクルごとの発見(新着・値下がり)をスペック単位のバッチで
// 配送し、AlertSink は連続失敗やAPI廃止予告といった運用異常を通知する。
// リポジトリ内の実装はいずれも構造化ログへ書き出すもので、メール等の
// 外部配送はこのインターフェースの背後に差し替えて導入する。
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/dealwatch/internal/model"
)

// DefaultAlertCooldown は同一サブジェクトのアラート再送を抑制する既定の間隔。
const DefaultAlertCooldown = 60 * time.Minute

// Batch は1つの検索スペックで1サイクル中に見つかった通知対象のまとまり。
type Batch struct {
	SpecName    string
	NewListings []model.ListingResult
	PriceDrops  []model.PriceDrop
}

// Empty は通知する項目が1件もないかどうかを返す。
func (b Batch) Empty() bool {
	return len(b.NewListings) == 0 && len(b.PriceDrops) == 0
}

// Notifier は検索サイクルの成果を利用者へ配送するインターフェース。
type Notifier interface {
	// DispatchBatch はバッチ内の全項目を配送する。空のバッチは何もしない。
	DispatchBatch(ctx context.Context, batch Batch) error
}

// AlertSink は運用上の異常を通知するインターフェース。
type AlertSink interface {
	Alert(ctx context.Context, subject, body string) error
}

// LogNotifier は通知内容を構造化ログとして書き出す Notifier。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier は LogNotifier を生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// DispatchBatch は新着・値下がりを1件ずつINFOログに書き出す。
func (n *LogNotifier) DispatchBatch(ctx context.Context, batch Batch) error {
	if batch.Empty() {
		return nil
	}

	for _, listing := range batch.NewListings {
		n.logger.Info("新着リスティングを検出しました",
			slog.String("spec", batch.SpecName),
			slog.String("item_id", listing.ItemID),
			slog.String("title", listing.Title),
			slog.Float64("price", listing.Price),
			slog.String("currency", listing.Currency),
			slog.String("url", listingURL(listing)),
		)
	}
	for _, drop := range batch.PriceDrops {
		n.logger.Info("値下がりを検出しました",
			slog.String("spec", batch.SpecName),
			slog.String("item_id", drop.Listing.ItemID),
			slog.String("title", drop.Listing.Title),
			slog.Float64("previous_price", drop.PreviousPrice),
			slog.Float64("price", drop.Listing.Price),
			slog.String("url", listingURL(drop.Listing)),
		)
	}
	n.logger.Info("通知バッチを配送しました",
		slog.String("spec", batch.SpecName),
		slog.Int("new_listings", len(batch.NewListings)),
		slog.Int("price_drops", len(batch.PriceDrops)),
	)
	return nil
}

// listingURL はアフィリエイトURLがあればそちらを優先する。
func listingURL(listing model.ListingResult) string {
	if listing.AffiliateURL != "" {
		return listing.AffiliateURL
	}
	return listing.URL
}

// LogAlertSink はアラートをERRORログとして記録する AlertSink。
type LogAlertSink struct {
	logger *slog.Logger
}

// NewLogAlertSink は LogAlertSink を生成する。
func NewLogAlertSink(logger *slog.Logger) *LogAlertSink {
	return &LogAlertSink{logger: logger}
}

// Alert はサブジェクトと本文をERRORログに書き出す。
func (s *LogAlertSink) Alert(ctx context.Context, subject, body string) error {
	s.logger.Error("運用アラート",
		slog.String("subject", subject),
		slog.String("body", body),
	)
	return nil
}

// CooldownAlertSink は同一サブジェクトの連続アラートを抑制するラッパー。
// 配送に成功した時刻をサブジェクトごとに記録し、クールダウン内の再送は
// nilを返して握りつぶす(抑制したこと自体はINFOログに残す)。
type CooldownAlertSink struct {
	next     AlertSink
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time

	nowFn func() time.Time // テスト用に現在時刻を差し替え可能
}

// NewCooldownAlertSink は next をラップする CooldownAlertSink を生成する。
// cooldown が0以下の場合は DefaultAlertCooldown を使う。
func NewCooldownAlertSink(next AlertSink, cooldown time.Duration, logger *slog.Logger) *CooldownAlertSink {
	if cooldown <= 0 {
		cooldown = DefaultAlertCooldown
	}
	return &CooldownAlertSink{
		next:     next,
		cooldown: cooldown,
		logger:   logger,
		lastSent: make(map[string]time.Time),
		nowFn:    time.Now,
	}
}

// Alert はクールダウンを確認してから next に委譲する。
// 配送に失敗した場合はクールダウンを開始せず、次回の再送を妨げない。
func (s *CooldownAlertSink) Alert(ctx context.Context, subject, body string) error {
	s.mu.Lock()
	now := s.nowFn()
	last, sent := s.lastSent[subject]
	s.mu.Unlock()

	if sent && now.Sub(last) < s.cooldown {
		s.logger.Info("クールダウン中のためアラートを抑制しました",
			slog.String("subject", subject),
			slog.Int64("remaining_seconds", int64((s.cooldown-now.Sub(last)).Seconds())),
		)
		return nil
	}

	if err := s.next.Alert(ctx, subject, body); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastSent[subject] = now
	s.mu.Unlock()
	return nil
}

// compile-time interface check
var (
	_ Notifier  = (*LogNotifier)(nil)
	_ AlertSink = (*LogAlertSink)(nil)
	_ AlertSink = (*CooldownAlertSink)(nil)
)
