package model

import "time"

// SeenItem は過去に観測した出品1件の記録を表す。
// itemIdをキーとして重複排除と値下がり検出に使用される。
type SeenItem struct {
	ItemID      string    `json:"-"`
	LastPrice   float64   `json:"lastPrice"`
	Title       string    `json:"title,omitempty"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// QuotaState は日次APIコール予算の状態を表す。
// Dateはプロバイダのタイムゾーンにおける課金日（"2006-01-02"形式）であり、
// ローカルの暦日ではない。
type QuotaState struct {
	Date         string     `json:"date"`
	CallsUsed    int        `json:"callsUsed"`
	APILimit     *int       `json:"apiLimit,omitempty"`
	APIRemaining *int       `json:"apiRemaining,omitempty"`
	ResetTimeUTC *time.Time `json:"resetTimeUtc,omitempty"`
	LastSyncAt   *time.Time `json:"lastSyncAt,omitempty"`
}

// TokenState は取得済みのベアラートークンを表す。
// Valueはログに平文で出力してはならない。
type TokenState struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Valid はトークンがsafety margin分の余裕を持ってまだ使用可能かを返す。
func (t *TokenState) Valid(now time.Time, margin time.Duration) bool {
	if t == nil || t.Value == "" {
		return false
	}
	return now.Add(margin).Before(t.ExpiresAt)
}

// Stats はサイクル実行の累積統計を表す。外部のステータスビューア向けに永続化される。
type Stats struct {
	LastRunAt           *time.Time `json:"lastRunAt,omitempty"`
	CyclesCompleted     int64      `json:"cyclesCompleted"`
	NewListingsTotal    int64      `json:"newListingsTotal"`
	PriceDropsTotal     int64      `json:"priceDropsTotal"`
	BatchesDispatched   int64      `json:"batchesDispatched"`
	LastCycleDurationMS int64      `json:"lastCycleDurationMs"`
}
