// Package updatecheck はプロバイダAPIの廃止予告・告知の定期チェックを提供する。
//
// 検索APIのバージョンが廃止されると全サイクルが静かに失敗し続けるため、
// 長い間隔で3つの情報源を確認する:
//   - 開発者向け廃止予告ページ(HTMLのテキストを走査)
//   - 開発者向け告知フィード(RSS/Atom)
//   - 検索エンドポイントへの認証なしプローブ(410 = バージョン撤去)
//
// 取得先URLは運用者が設定で差し替えられるため、フェッチはSSRFガードの
// クライアントを通して行う。
package updatecheck

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"

	"github.com/hitoshi/dealwatch/internal/store"
)

const (
	defaultInterval         = 720 * time.Hour // 30日ごと
	defaultTimeout          = 15 * time.Second
	defaultMaxResponseBytes = 2 << 20
)

// apiKeyword は廃止予告の走査対象となるAPIファミリー名(小文字)。
const apiKeyword = "browse api"

// deprecationWords はいずれかが本文に含まれると廃止予告とみなす語(小文字)。
var deprecationWords = []string{"deprecat", "sunset", "decommission"}

// Config はCheckerの設定。
type Config struct {
	// Interval はチェックの間隔。0以下の場合は720時間(30日)。
	Interval time.Duration
	// DeprecationURL は廃止予告ページのURL。空の場合このチェックはスキップされる。
	DeprecationURL string
	// AnnouncementsURL は開発者向け告知フィードのURL。空の場合このチェックはスキップされる。
	AnnouncementsURL string
	// ProbeURL は認証なしで叩く検索APIのベースURL。空の場合このチェックはスキップされる。
	ProbeURL string
	// StatePath は最終チェック時刻を永続化するファイルパス。
	StatePath string
	// Timeout は各フェッチのタイムアウト。0以下の場合は15秒。
	Timeout time.Duration
	// MaxResponseBytes はレスポンスボディの読み取り上限。0以下の場合は2MiB。
	MaxResponseBytes int64
}

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardServiceを抽象化してテスタビリティを向上させる。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// AlertSink は検出結果の通知先。
type AlertSink interface {
	Alert(ctx context.Context, subject, body string) error
}

// checkState はチェック間隔の判定に使う永続状態。
type checkState struct {
	LastCheckedAt time.Time `json:"lastCheckedAt"`
}

// Checker はAPI更新チェックを実行する。
type Checker struct {
	config Config
	alerts AlertSink
	logger *slog.Logger

	httpClient *http.Client     // テスト用に差し替え可能
	nowFn      func() time.Time // テスト用に現在時刻を差し替え可能
}

// NewChecker はCheckerを生成する。設定されたURLはSSRFガードで事前検証され、
// 危険なURLが含まれる場合はエラーを返す。
func NewChecker(config Config, ssrfGuard SSRFValidator, alerts AlertSink, logger *slog.Logger) (*Checker, error) {
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = defaultMaxResponseBytes
	}

	for _, u := range []string{config.DeprecationURL, config.AnnouncementsURL, config.ProbeURL} {
		if u == "" {
			continue
		}
		if err := ssrfGuard.ValidateURL(u); err != nil {
			return nil, fmt.Errorf("更新チェックURLの検証に失敗した: %w", err)
		}
	}

	return &Checker{
		config:     config,
		alerts:     alerts,
		logger:     logger,
		httpClient: ssrfGuard.NewSafeClient(config.Timeout, config.MaxResponseBytes),
		nowFn:      time.Now,
	}, nil
}

// RunIfDue は前回のチェックからInterval以上経過している場合にチェックを実行する。
// 期限前の場合は何もしない。状態ファイルが壊れている場合はチェックを実行する。
// チェック自体の失敗は記録されず、次の呼び出しで再試行される。
func (c *Checker) RunIfDue(ctx context.Context) error {
	now := c.nowFn()

	state, err := store.Load(c.config.StatePath, checkState{})
	if err != nil {
		c.logger.Warn("更新チェック状態の読み込みに失敗したためチェックを実行します",
			slog.String("error", err.Error()),
		)
		state = checkState{}
	}
	if !state.LastCheckedAt.IsZero() && now.Sub(state.LastCheckedAt) < c.config.Interval {
		return nil
	}

	return c.run(ctx, now)
}

// run は3つのサブチェックを実行し、検出があればアラートを送る。
// 少なくとも1つのサブチェックが完了した場合のみチェック時刻を記録する。
func (c *Checker) run(ctx context.Context, now time.Time) error {
	c.logger.Info("API更新チェックを開始します",
		slog.String("deprecation_url", c.config.DeprecationURL),
		slog.String("announcements_url", c.config.AnnouncementsURL),
	)

	var notices []string
	succeeded := false

	if c.config.DeprecationURL != "" {
		notice, ok := c.checkDeprecationPage(ctx)
		succeeded = succeeded || ok
		if notice != "" {
			notices = append(notices, notice)
		}
	}

	if c.config.AnnouncementsURL != "" {
		found, ok := c.checkAnnouncements(ctx, now.Add(-c.config.Interval))
		succeeded = succeeded || ok
		notices = append(notices, found...)
	}

	if c.config.ProbeURL != "" {
		notice, ok := c.probeSearchEndpoint(ctx)
		succeeded = succeeded || ok
		if notice != "" {
			notices = append(notices, notice)
		}
	}

	if len(notices) > 0 {
		body := strings.Join(notices, "\n")
		if err := c.alerts.Alert(ctx, "eBay API: Potential Deprecation Notice", body); err != nil {
			return fmt.Errorf("更新チェックのアラート送信に失敗した: %w", err)
		}
	}

	if succeeded {
		if err := store.Save(c.config.StatePath, checkState{LastCheckedAt: now}); err != nil {
			return fmt.Errorf("更新チェック状態の保存に失敗した: %w", err)
		}
	}

	c.logger.Info("API更新チェックが完了しました",
		slog.Int("notices", len(notices)),
		slog.Bool("succeeded", succeeded),
	)
	return nil
}

// checkDeprecationPage は廃止予告ページの本文テキストを走査する。
// 戻り値は(検出した通知文, チェック完了フラグ)。
func (c *Checker) checkDeprecationPage(ctx context.Context) (string, bool) {
	body, status, err := c.fetch(ctx, c.config.DeprecationURL)
	if err != nil {
		c.logger.Warn("廃止予告ページの取得に失敗しました",
			slog.String("url", c.config.DeprecationURL),
			slog.String("error", err.Error()),
		)
		return "", false
	}
	if status != http.StatusOK {
		c.logger.Warn("廃止予告ページが200以外を返しました",
			slog.String("url", c.config.DeprecationURL),
			slog.Int("status", status),
		)
		return "", false
	}

	text := pageText(body)
	if strings.Contains(text, apiKeyword) && containsAny(text, deprecationWords) && strings.Contains(text, "v1") {
		return fmt.Sprintf("Deprecation page mentions Browse API v1: %s", c.config.DeprecationURL), true
	}
	return "", true
}

// checkAnnouncements は告知フィードをパースし、since以降の記事から
// APIファミリーの廃止に関する言及を探す。
func (c *Checker) checkAnnouncements(ctx context.Context, since time.Time) ([]string, bool) {
	body, status, err := c.fetch(ctx, c.config.AnnouncementsURL)
	if err != nil {
		c.logger.Warn("告知フィードの取得に失敗しました",
			slog.String("url", c.config.AnnouncementsURL),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if status != http.StatusOK {
		c.logger.Warn("告知フィードが200以外を返しました",
			slog.String("url", c.config.AnnouncementsURL),
			slog.Int("status", status),
		)
		return nil, false
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		c.logger.Warn("告知フィードのパースに失敗しました",
			slog.String("url", c.config.AnnouncementsURL),
			slog.String("error", err.Error()),
		)
		// フィードは取得できているのでチェック完了とみなす
		return nil, true
	}

	var notices []string
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		if item.PublishedParsed != nil && item.PublishedParsed.Before(since) {
			continue
		}
		text := strings.ToLower(item.Title + " " + item.Description)
		if strings.Contains(text, apiKeyword) && containsAny(text, deprecationWords) {
			notices = append(notices, fmt.Sprintf("Announcement: %s (%s)", item.Title, item.Link))
		}
	}
	return notices, true
}

// probeSearchEndpoint は検索APIのベースURLへ認証なしでアクセスする。
// 401は想定内(認証が生きている)、410はバージョン撤去のシグナル。
func (c *Checker) probeSearchEndpoint(ctx context.Context) (string, bool) {
	_, status, err := c.fetch(ctx, c.config.ProbeURL)
	if err != nil {
		c.logger.Warn("APIエンドポイントのプローブに失敗しました",
			slog.String("url", c.config.ProbeURL),
			slog.String("error", err.Error()),
		)
		return "", false
	}

	if status == http.StatusGone {
		return fmt.Sprintf("Search endpoint returned 410 GONE - API version may be retired: %s", c.config.ProbeURL), true
	}
	return "", true
}

// fetch はGETリクエストを実行し、読み取り上限付きでボディを返す。
func (c *Checker) fetch(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("リクエストの生成に失敗した: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("リクエストの実行に失敗した: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("レスポンスの読み取りに失敗した: %w", err)
	}
	return body, resp.StatusCode, nil
}

// pageText はHTMLのテキストノードを抽出し、小文字で連結して返す。
// script/style要素の中身は本文として扱わない。
func pageText(body []byte) string {
	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	var sb strings.Builder

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.ToLower(sb.String())
		case html.TextToken:
			sb.Write(tokenizer.Text())
			sb.WriteByte(' ')
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			if name := string(tn); name == "script" || name == "style" {
				skipElement(tokenizer, name)
			}
		}
	}
}

// skipElement は対応する終了タグまでトークンを読み飛ばす。
func skipElement(tokenizer *html.Tokenizer, name string) {
	depth := 1
	for depth > 0 {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return
		case html.StartTagToken:
			if tn, _ := tokenizer.TagName(); string(tn) == name {
				depth++
			}
		case html.EndTagToken:
			if tn, _ := tokenizer.TagName(); string(tn) == name {
				depth--
			}
		}
	}
}

// containsAny はtextにwordsのいずれかが含まれるかを返す。
func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
