// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TitleSanitizerService は外部APIから取得した出品タイトルをサニタイズし、
// 通知やログに埋め込まれるHTML断片・制御文字を除去する。
// bluemondayライブラリの全タグ除去ポリシーを使用する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TitleSanitizerService は出品タイトルのサニタイズ機能のインターフェースを定義する。
// 検索結果の取り込み時、通知バッチに載る前に使用される。
type TitleSanitizerService interface {
	// Sanitize はタイトルからHTMLタグを全て除去し、前後の空白を取り除いて返す。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(title string) string
}

// titleSanitizer はTitleSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type titleSanitizer struct {
	policy *bluemonday.Policy
}

// NewTitleSanitizer はTitleSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicyは全てのタグと属性を除去し、テキストのみを残す。
func NewTitleSanitizer() *titleSanitizer {
	return &titleSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はタイトルからHTMLタグを除去する。
// bluemondayはテキストを再エスケープするため、プレーンテキストに戻してから返す。
func (s *titleSanitizer) Sanitize(title string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(title)))
}

// compile-time interface check
var _ TitleSanitizerService = (*titleSanitizer)(nil)
