package model

import "time"

// ListingResult は検索APIから取得した1件の出品を表す。
// 毎サイクル新規に生成される一時データであり、永続化されない。
type ListingResult struct {
	ItemID         string
	Title          string // サニタイズ済み
	Price          float64
	Currency       string
	URL            string
	AffiliateURL   string // アフィリエイトヘッダー設定時のみ
	Condition      string
	EndDate        *time.Time
	Availability   string
	Country        string
	Region         string
	ShippingCost   *float64
	SellerFeedback int
	ImageURL       string
}

// PriceDrop は既知アイテムの値下がりイベントを表す。
// PreviousPriceは上書き前のlastPrice。
type PriceDrop struct {
	Listing       ListingResult
	PreviousPrice float64
}
