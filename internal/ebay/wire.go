package ebay

import (
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/dealwatch/internal/model"
)

// searchResponse はBrowse API item_summary/searchのレスポンス。
type searchResponse struct {
	Total         int           `json:"total"`
	ItemSummaries []itemSummary `json:"itemSummaries"`
}

type itemSummary struct {
	ItemID                  string             `json:"itemId"`
	Title                   string             `json:"title"`
	Price                   moneyValue         `json:"price"`
	ItemWebURL              string             `json:"itemWebUrl"`
	ItemAffiliateWebURL     string             `json:"itemAffiliateWebUrl"`
	Condition               string             `json:"condition"`
	ItemEndDate             string             `json:"itemEndDate"`
	EstimatedAvailabilities []availabilityInfo `json:"estimatedAvailabilities"`
	ItemLocation            locationInfo       `json:"itemLocation"`
	ShippingOptions         []shippingOption   `json:"shippingOptions"`
	Seller                  sellerInfo         `json:"seller"`
	Image                   imageInfo          `json:"image"`
}

// moneyValue は金額フィールド。APIは数値を文字列で返す。
type moneyValue struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type availabilityInfo struct {
	EstimatedAvailabilityStatus string `json:"estimatedAvailabilityStatus"`
}

type locationInfo struct {
	Country         string `json:"country"`
	StateOrProvince string `json:"stateOrProvince"`
}

type shippingOption struct {
	ShippingCost moneyValue `json:"shippingCost"`
}

type sellerInfo struct {
	FeedbackScore int `json:"feedbackScore"`
}

type imageInfo struct {
	ImageURL string `json:"imageUrl"`
}

// toListing はAPIレスポンスの1件をドメインモデルに変換する。
// itemIdが無い、または価格が解釈できない出品は帯域判定ができないため
// 第2戻り値falseで読み飛ばし対象とする。
func (i itemSummary) toListing() (model.ListingResult, bool) {
	if i.ItemID == "" {
		return model.ListingResult{}, false
	}
	price, err := strconv.ParseFloat(i.Price.Value, 64)
	if err != nil {
		return model.ListingResult{}, false
	}

	listing := model.ListingResult{
		ItemID:         i.ItemID,
		Title:          i.Title,
		Price:          price,
		Currency:       i.Price.Currency,
		URL:            i.ItemWebURL,
		AffiliateURL:   i.ItemAffiliateWebURL,
		Condition:      i.Condition,
		Country:        i.ItemLocation.Country,
		Region:         i.ItemLocation.StateOrProvince,
		SellerFeedback: i.Seller.FeedbackScore,
		ImageURL:       i.Image.ImageURL,
	}

	if i.ItemEndDate != "" {
		if at, err := time.Parse(time.RFC3339, i.ItemEndDate); err == nil {
			end := at.UTC()
			listing.EndDate = &end
		}
	}
	if len(i.EstimatedAvailabilities) > 0 {
		listing.Availability = i.EstimatedAvailabilities[0].EstimatedAvailabilityStatus
	}
	if len(i.ShippingOptions) > 0 {
		if cost, err := strconv.ParseFloat(i.ShippingOptions[0].ShippingCost.Value, 64); err == nil {
			listing.ShippingCost = &cost
		}
	}

	return listing, true
}

// rateLimitResponse はDeveloper Analytics APIのレスポンス。
type rateLimitResponse struct {
	RateLimits []apiRateLimit `json:"rateLimits"`
}

type apiRateLimit struct {
	APIName   string         `json:"apiName"`
	Resources []rateResource `json:"resources"`
}

type rateResource struct {
	Name  string     `json:"name"`
	Rates []rateInfo `json:"rates"`
}

type rateInfo struct {
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	Count      int    `json:"count"`
	Reset      string `json:"reset"`
	TimeWindow int    `json:"timeWindow"`
}

// dailyBrowseRate はBrowse API (buy.browse) の日次ウィンドウのレートを探す。
// 見つからない場合は最初に見つかった日次ウィンドウで代用する。
func (r rateLimitResponse) dailyBrowseRate() (rateInfo, bool) {
	for _, rl := range r.RateLimits {
		name := strings.ToLower(rl.APIName)
		if !strings.Contains(name, "browse") && !strings.Contains(name, "buy") {
			continue
		}
		for _, res := range rl.Resources {
			if res.Name != "buy.browse" {
				continue
			}
			for _, rate := range res.Rates {
				if rate.TimeWindow == dailyWindowSeconds {
					return rate, true
				}
			}
		}
	}

	for _, rl := range r.RateLimits {
		for _, res := range rl.Resources {
			for _, rate := range res.Rates {
				if rate.TimeWindow == dailyWindowSeconds {
					return rate, true
				}
			}
		}
	}

	return rateInfo{}, false
}
