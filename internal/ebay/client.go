// Package ebay はeBay Browse APIとの連携機能を提供する。
// 出品検索エンドポイントの呼び出し、検索フィルタの組み立て、
// Developer Analytics APIからのレート制限取得を含む。
package ebay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/dealwatch/internal/model"
)

const (
	// defaultBaseURL はeBay本番APIのベースURL。
	defaultBaseURL = "https://api.ebay.com"
	// searchPath はBrowse APIの出品検索エンドポイント。
	searchPath = "/buy/browse/v1/item_summary/search"
	// rateLimitPath はDeveloper Analytics APIのレート制限エンドポイント。
	rateLimitPath = "/developer/analytics/v1_beta/rate_limit/"
	// resultsPerSearch は1検索あたりの取得件数。
	// ダウンタイム明けの取りこぼしを減らすため最小値の50ではなく150を使う。
	resultsPerSearch = 150
	// maxResponseBytes はレスポンスボディの読み取り上限。
	maxResponseBytes = 4 << 20
	// dailyWindowSeconds はレート制限レスポンス中の日次ウィンドウの秒数。
	dailyWindowSeconds = 86400
)

// conditionFilters はConditionをeBayのconditionIdsフィルタ値に対応付ける。
// 1000=新品, 1500=開封済み未使用, 2000=メーカー整備済み, 2500=出品者整備済み,
// 3000=中古, 4000=非常に良い, 5000=良い, 6000=可。
var conditionFilters = map[model.Condition]string{
	model.ConditionNew:          "{1000}",
	model.ConditionNewOpenBox:   "{1000|1500}",
	model.ConditionRefurbished:  "{2000|2500}",
	model.ConditionUsed:         "{3000|4000|5000|6000}",
	model.ConditionUsedGood:     "{3000|4000|5000}",
	model.ConditionAnyNotBroken: "{1000|1500|2000|2500|3000|4000|5000|6000}",
}

// bestOfferBuffer はBest Offer出品を想定したサーバー側価格フィルタの
// 上限緩和係数。値引き交渉で帯域内に収まりうる出品を事前に弾かないための
// もので、帯域判定そのものは呼び出し側が設定値どおりに行う。
const bestOfferBuffer = 1.15

// StatusError はAPIが返した非200ステータスを表す。
// エラー分類の下に包まれ、呼び出し元がステータスコードで挙動を
// 変える場合（401での再認証など）に参照される。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("APIがステータス %d を返しました: %s", e.StatusCode, e.Body)
}

// Config はクライアントの設定を保持する。
type Config struct {
	// BaseURL はAPIのベースURL。空ならeBay本番を使う。テスト用に差し替え可能。
	BaseURL string
	// MarketplaceID はX-EBAY-C-MARKETPLACE-IDヘッダーの値。
	MarketplaceID string
	// CampaignID はeBay Partner NetworkのキャンペーンID。
	// 設定時はX-EBAY-C-ENDUSERCTXヘッダーでアフィリエイト追跡を有効にする。
	CampaignID string
}

// Client はeBay APIのクライアント。
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// SearchResult は1回の検索呼び出しの結果を保持する。
type SearchResult struct {
	Listings []model.ListingResult
	Total    int
}

// RateLimit はプロバイダが報告する日次レート制限を表す。
type RateLimit struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// NewClient はClient の新しいインスタンスを生成する。
func NewClient(config Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.MarketplaceID == "" {
		config.MarketplaceID = "EBAY_US"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
	}
}

// BuildFilter はスペックからBrowse APIのfilterパラメータ値を組み立てる。
// 価格上限にはBest Offer分の緩和を掛け、送料無料・即決限定の指定を反映する。
func BuildFilter(spec model.SearchSpec) string {
	var filters []string

	if f, ok := conditionFilters[spec.Condition]; ok {
		filters = append(filters, "conditionIds:"+f)
	}

	if spec.MinPrice > 0 || spec.MaxPrice > 0 {
		lower := spec.MinPrice
		upper := spec.MaxPrice
		if upper > 0 {
			// 浮動小数の端数がフィルタ文字列に漏れないよう切り捨てる
			upper = math.Trunc(upper * bestOfferBuffer)
		}
		switch {
		case lower > 0 && upper > 0:
			filters = append(filters, fmt.Sprintf("price:[%s..%s]", formatPrice(lower), formatPrice(upper)))
		case lower > 0:
			filters = append(filters, fmt.Sprintf("price:[%s..]", formatPrice(lower)))
		default:
			filters = append(filters, fmt.Sprintf("price:[..%s]", formatPrice(upper)))
		}
		filters = append(filters, "priceCurrency:USD")
	}

	if !spec.IncludeAuctions {
		filters = append(filters, "buyingOptions:{FIXED_PRICE}")
	}

	if spec.FreeShippingOnly {
		filters = append(filters, "maxDeliveryCost:0")
	}

	return strings.Join(filters, ",")
}

// formatPrice は価格フィルタ用に末尾ゼロを落として整形する。
func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Search は1つのスペックに対する出品検索を実行する。
// 結果は常に新着順で返すようAPIに要求する。非200ステータスは
// 分類済みエラー（auth/transient/permanent）として返す。
func (c *Client) Search(ctx context.Context, token string, spec model.SearchSpec) (*SearchResult, error) {
	// リクエストURL構築
	reqURL, err := url.Parse(c.config.BaseURL + searchPath)
	if err != nil {
		return nil, &model.CycleError{
			Kind:    model.ErrKindPermanentHTTP,
			Message: "エンドポイントURLのパースに失敗しました",
			Err:     err,
		}
	}

	q := reqURL.Query()
	q.Set("q", spec.Query)
	q.Set("sort", "newlyListed")
	q.Set("limit", strconv.Itoa(resultsPerSearch))
	if filter := BuildFilter(spec); filter != "" {
		q.Set("filter", filter)
	}
	reqURL.RawQuery = q.Encode()

	// HTTPリクエスト作成
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, model.NewTransientHTTPError("HTTPリクエストの作成に失敗しました", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-EBAY-C-MARKETPLACE-ID", c.config.MarketplaceID)
	if c.config.CampaignID != "" {
		req.Header.Set("X-EBAY-C-ENDUSERCTX", "affiliateCampaignId="+c.config.CampaignID)
	}

	// HTTPリクエスト実行
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("検索APIの呼び出しに失敗しました",
			slog.String("spec", spec.Name),
			slog.String("error", err.Error()),
		)
		return nil, model.NewTransientHTTPError("検索APIの呼び出しに失敗しました", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, model.NewTransientHTTPError("レスポンスボディの読み取りに失敗しました", err)
	}

	// HTTPステータスチェック
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("検索APIがエラーステータスを返しました",
			slog.String("spec", spec.Name),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, classifyStatus(resp.StatusCode, body)
	}

	// JSONデコード
	var decoded searchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		c.logger.Error("検索APIのレスポンスのパースに失敗しました",
			slog.String("spec", spec.Name),
			slog.String("error", err.Error()),
		)
		return nil, model.NewTransientHTTPError("レスポンスJSONのパースに失敗しました", err)
	}

	result := &SearchResult{
		Listings: make([]model.ListingResult, 0, len(decoded.ItemSummaries)),
		Total:    decoded.Total,
	}
	for _, item := range decoded.ItemSummaries {
		listing, ok := item.toListing()
		if !ok {
			continue
		}
		result.Listings = append(result.Listings, listing)
	}

	return result, nil
}

// RateLimits はDeveloper Analytics APIから日次レート制限を取得する。
// Browse API (buy.browse) の日次ウィンドウを優先し、見つからなければ
// 最初に見つかった日次ウィンドウを使う。
func (c *Client) RateLimits(ctx context.Context, token string) (*RateLimit, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+rateLimitPath, nil)
	if err != nil {
		return nil, model.NewTransientHTTPError("HTTPリクエストの作成に失敗しました", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("レート制限APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, model.NewTransientHTTPError("レート制限APIの呼び出しに失敗しました", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, model.NewTransientHTTPError("レスポンスボディの読み取りに失敗しました", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("レート制限APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, classifyStatus(resp.StatusCode, body)
	}

	var decoded rateLimitResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, model.NewTransientHTTPError("レスポンスJSONのパースに失敗しました", err)
	}

	rate, ok := decoded.dailyBrowseRate()
	if !ok {
		return nil, model.NewTransientHTTPError("レスポンスにBrowse APIの日次制限が見つかりません", nil)
	}

	limit := &RateLimit{Limit: rate.Limit, Remaining: rate.Remaining}
	if rate.Reset != "" {
		if at, err := time.Parse(time.RFC3339, rate.Reset); err == nil {
			limit.ResetAt = at.UTC()
		}
	}
	return limit, nil
}

// classifyStatus は非200ステータスを閉じたエラー分類に対応付ける。
// 401/403は認証エラー、429と5xxは再試行可能、それ以外の4xxは恒久エラー。
func classifyStatus(statusCode int, body []byte) error {
	cause := &StatusError{StatusCode: statusCode, Body: truncate(string(body), 200)}
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return model.NewAuthError("APIが認証を拒否しました", cause)
	case statusCode == http.StatusTooManyRequests:
		return model.NewTransientHTTPError("APIがリクエスト超過を報告しました", cause)
	case statusCode >= 500:
		return model.NewTransientHTTPError("APIサーバーエラー", cause)
	default:
		return model.NewPermanentHTTPError(statusCode, cause.Body)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
