// Package search は1スペック分の検索実行を提供する。
// APIクライアントの呼び出し、エラー分類に基づく有界リトライ、
// 結果のフィルタリング（終了済み・在庫切れ・タイトル不一致の除外）を行う。
package search

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/hitoshi/dealwatch/internal/model"
)

// minTitleLength はこれ未満のタイトルをノイズとして読み飛ばす閾値。
const minTitleLength = 5

// queryStopwords は必須語の推定時にクエリから除外する語。
var queryStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"in": true, "on": true, "at": true, "to": true, "for": true,
	"of": true, "with": true, "new": true, "used": true,
}

// TitleMatcher は1スペック分のタイトル照合条件をコンパイル済みで保持する。
// 照合は大文字小文字を区別しない。除外語は部分一致、必須語は単語境界一致。
type TitleMatcher struct {
	required []*regexp.Regexp
	exclude  []string
}

// NewTitleMatcher はスペックから照合条件を構築する。
// requiredWordsが指定されていればそれを、無ければクエリ文字列から
// ストップワードと1文字語（数字を除く）を落とした語を必須語とする。
func NewTitleMatcher(spec model.SearchSpec) *TitleMatcher {
	words := spec.RequiredWords
	if len(words) == 0 {
		words = significantQueryWords(spec.Query)
	}

	m := &TitleMatcher{
		required: make([]*regexp.Regexp, 0, len(words)),
		exclude:  make([]string, 0, len(spec.ExcludeWords)),
	}
	for _, w := range words {
		pattern := `\b` + regexp.QuoteMeta(strings.ToLower(w)) + `\b`
		m.required = append(m.required, regexp.MustCompile(pattern))
	}
	for _, w := range spec.ExcludeWords {
		m.exclude = append(m.exclude, strings.ToLower(w))
	}
	return m
}

// significantQueryWords はクエリから照合に使う意味のある語を取り出す。
func significantQueryWords(query string) []string {
	var words []string
	for _, w := range strings.Fields(query) {
		runes := []rune(w)
		if len(runes) == 1 && !unicode.IsDigit(runes[0]) {
			continue
		}
		if queryStopwords[strings.ToLower(w)] {
			continue
		}
		words = append(words, w)
	}
	return words
}

// Accept はタイトルが照合条件を満たすかを返す。
// 短すぎるタイトル、除外語を含むタイトル、必須語を欠くタイトルはfalse。
func (m *TitleMatcher) Accept(title string) bool {
	if len(title) < minTitleLength {
		return false
	}
	lower := strings.ToLower(title)

	for _, w := range m.exclude {
		if strings.Contains(lower, w) {
			return false
		}
	}
	for _, re := range m.required {
		if !re.MatchString(lower) {
			return false
		}
	}
	return true
}
