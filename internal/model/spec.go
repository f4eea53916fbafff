package model

import "fmt"

// Condition は検索対象の商品状態フィルタを表す。
type Condition string

const (
	// ConditionAny は状態を問わない。
	ConditionAny Condition = "any"
	// ConditionNew は新品のみ。
	ConditionNew Condition = "new"
	// ConditionNewOpenBox は新品および開封済み未使用品。
	ConditionNewOpenBox Condition = "new_open_box"
	// ConditionRefurbished は整備済み品。
	ConditionRefurbished Condition = "refurbished"
	// ConditionUsed は中古品全般。
	ConditionUsed Condition = "used"
	// ConditionUsedGood は状態の良い中古品（パーツ取り・難あり品を除く）。
	ConditionUsedGood Condition = "used_good"
	// ConditionAnyNotBroken はジャンク品以外のすべて。
	ConditionAnyNotBroken Condition = "any_not_broken"
)

// validConditions は設定ファイルで指定可能なConditionの集合。
var validConditions = map[Condition]bool{
	ConditionAny:          true,
	ConditionNew:          true,
	ConditionNewOpenBox:   true,
	ConditionRefurbished:  true,
	ConditionUsed:         true,
	ConditionUsedGood:     true,
	ConditionAnyNotBroken: true,
}

// SearchSpec は1つの監視クエリ設定を表す。
// 設定ファイルから起動時に読み込まれ、サイクル中はイミュータブルとして扱う。
type SearchSpec struct {
	Name             string    `json:"name"`
	Query            string    `json:"query"`
	MinPrice         float64   `json:"minPrice"`
	MaxPrice         float64   `json:"maxPrice"`
	Condition        Condition `json:"condition"`
	IncludeAuctions  bool      `json:"includeAuctions"`
	FreeShippingOnly bool      `json:"freeShippingOnly"`
	ExcludeWords     []string  `json:"excludeWords"`
	RequiredWords    []string  `json:"requiredWords"`
	Enabled          bool      `json:"enabled"`
}

// Validate はスペックの整合性を検証する。
// 起動時に全スペックへ適用され、1件でも不正なら起動失敗とする。
func (s *SearchSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Query == "" {
		return fmt.Errorf("query is required (spec %q)", s.Name)
	}
	if s.MinPrice < 0 {
		return fmt.Errorf("minPrice must be >= 0 (spec %q)", s.Name)
	}
	if s.MaxPrice < s.MinPrice {
		return fmt.Errorf("maxPrice must be >= minPrice (spec %q)", s.Name)
	}
	if s.Condition == "" {
		s.Condition = ConditionAny
	}
	if !validConditions[s.Condition] {
		return fmt.Errorf("unknown condition %q (spec %q)", s.Condition, s.Name)
	}
	return nil
}

// InPriceBand は価格がスペックの許容帯域内にあるかを返す。境界値は帯域に含む。
func (s *SearchSpec) InPriceBand(price float64) bool {
	return price >= s.MinPrice && price <= s.MaxPrice
}
