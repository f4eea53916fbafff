// Package token はOAuthクライアントクレデンシャルフローによる
// ベアラートークンのライフサイクル管理を提供する。
package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/dealwatch/internal/model"
	"github.com/hitoshi/dealwatch/internal/store"
)

const defaultTokenURL = "https://api.ebay.com/identity/v1/oauth2/token"

// Provider はベアラートークンの取得インターフェース。
type Provider interface {
	// Token は有効なトークン文字列を返す。キャッシュが有効期限マージン内に
	// 入っている場合は新規取得する。取得がリトライ上限まで失敗した場合は
	// auth分類のエラーを返す。
	Token(ctx context.Context) (string, error)

	// Invalidate はキャッシュ済みトークンを破棄し、次回のToken呼び出しで
	// 強制的に再取得させる。検索APIが401を返した場合に使用する。
	Invalidate()
}

// Config はトークンマネージャの設定。
type Config struct {
	ClientID     string
	ClientSecret string
	Scope        string
	StatePath    string // トークン状態の永続化先
	ExpiryMargin time.Duration

	// テスト用にオーバーライド可能
	TokenURL    string
	RetryDelays []time.Duration
}

// Manager はトークンの取得・キャッシュ・永続化を管理する。
type Manager struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger

	cached *model.TokenState
	loaded bool
	nowFn  func() time.Time
}

// NewManager はManagerを生成する。
// httpClientがnilの場合はタイムアウト15秒のデフォルトクライアントを使用する。
func NewManager(config Config, httpClient *http.Client, logger *slog.Logger) *Manager {
	if config.TokenURL == "" {
		config.TokenURL = defaultTokenURL
	}
	if config.ExpiryMargin <= 0 {
		config.ExpiryMargin = 5 * time.Minute
	}
	if config.RetryDelays == nil {
		config.RetryDelays = []time.Duration{5 * time.Second, 10 * time.Second}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		nowFn:      time.Now,
	}
}

// Token は有効なベアラートークンを返す。
// キャッシュ（メモリ → ディスク）が有効ならネットワークを介さずに返す。
func (m *Manager) Token(ctx context.Context) (string, error) {
	now := m.nowFn()

	if !m.loaded {
		m.loadFromDisk()
	}

	if m.cached.Valid(now, m.config.ExpiryMargin) {
		return m.cached.Value, nil
	}

	state, err := m.requestToken(ctx)
	if err != nil {
		return "", err
	}

	m.cached = state
	if m.config.StatePath != "" {
		if saveErr := store.Save(m.config.StatePath, state); saveErr != nil {
			// 永続化失敗は致命的ではない。次回起動時に再取得すればよい。
			m.logger.Warn("トークン状態の保存に失敗しました", slog.String("error", saveErr.Error()))
		}
	}

	m.logger.Info("新しいトークンを取得しました",
		slog.Time("expires_at", state.ExpiresAt),
	)
	return state.Value, nil
}

// Invalidate はキャッシュ済みトークンを破棄する。
func (m *Manager) Invalidate() {
	m.cached = nil
}

// loadFromDisk は前回永続化したトークン状態を読み込む。
// 破損時はデフォルト（空）で継続し、次のToken呼び出しで再取得される。
func (m *Manager) loadFromDisk() {
	m.loaded = true
	if m.config.StatePath == "" {
		return
	}
	state, err := store.Load(m.config.StatePath, model.TokenState{})
	if err != nil {
		m.logger.Warn("トークン状態ファイルが破損しています。再取得します",
			slog.String("path", m.config.StatePath),
			slog.String("error", err.Error()),
		)
		return
	}
	if state.Value != "" {
		m.cached = &state
	}
}

// tokenResponse はトークンエンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// requestToken はクライアントクレデンシャルグラントでトークンを取得する。
// 一時的な失敗（ネットワークエラー、429、5xx）はRetryDelaysの回数だけ
// リトライし、最終失敗でauth分類のエラーを返す。401/403は即時失敗。
func (m *Manager) requestToken(ctx context.Context) (*model.TokenState, error) {
	var lastErr error

	maxAttempts := 1 + len(m.config.RetryDelays)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := m.config.RetryDelays[attempt-1]
			m.logger.Warn("トークン取得をリトライします",
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()),
			)
			if err := sleepContext(ctx, delay); err != nil {
				return nil, model.NewAuthError("トークン取得が中断されました", err)
			}
		}

		state, retryable, err := m.exchangeOnce(ctx)
		if err == nil {
			return state, nil
		}
		if !retryable {
			return nil, model.NewAuthError("トークンエンドポイントが認証を拒否しました", err)
		}
		lastErr = err
	}

	return nil, model.NewAuthError("トークン取得がリトライ上限まで失敗しました", lastErr)
}

// exchangeOnce は1回のトークン交換を実行する。
// retryableは失敗が一時的（リトライする価値がある）かどうかを表す。
func (m *Manager) exchangeOnce(ctx context.Context) (state *model.TokenState, retryable bool, err error) {
	data := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {m.config.Scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create token request: %w", err)
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(m.config.ClientID + ":" + m.config.ClientSecret))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Basic "+credentials)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read token response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fallthrough to parse
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// クレデンシャル不正。リトライしても結果は変わらない。
		return nil, false, fmt.Errorf("token exchange rejected with status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("token exchange failed with status %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("token exchange failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, true, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, true, fmt.Errorf("empty access token in response")
	}

	return &model.TokenState{
		Value:     tokenResp.AccessToken,
		ExpiresAt: m.nowFn().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}, false, nil
}

// sleepContext はコンテキストのキャンセルを尊重してdだけ待機する。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// compile-time interface check
var _ Provider = (*Manager)(nil)
