// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind はサイクル処理中に発生するエラーの分類を表す。
// 検索スペック処理境界ではこの閉じた集合のいずれかに必ず分類され、
// 呼び出し側はswitchで全種別を明示的に処理する。
type ErrorKind string

const (
	// ErrKindAuth は認証情報の取得・更新がリトライ上限まで失敗したことを表す。
	// 当該サイクルの残りスペックには致命的だが、プロセスは継続する。
	ErrKindAuth ErrorKind = "auth"
	// ErrKindRateLimit はローカルまたはプロバイダ報告のコール予算が尽きたことを表す。
	// リトライせずスキップする。
	ErrKindRateLimit ErrorKind = "rate_limit"
	// ErrKindTransientHTTP はリトライ可能なネットワーク/サーバー障害を表す。
	ErrKindTransientHTTP ErrorKind = "transient_http"
	// ErrKindPermanentHTTP は401/429以外の4xxを表す。リトライしない。
	ErrKindPermanentHTTP ErrorKind = "permanent_http"
	// ErrKindStorageCorruption は永続化ファイルが読み取れないことを表す。
	// デフォルト状態にフォールバックし、プロセスは落とさない。
	ErrKindStorageCorruption ErrorKind = "storage_corruption"
)

// CycleError は分類済みのサイクル内エラーを表す。
type CycleError struct {
	Kind    ErrorKind
	Message string
	Err     error // 原因エラー（存在する場合）
}

// Error はerrorインターフェースを実装する。
func (e *CycleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *CycleError) Unwrap() error {
	return e.Err
}

// NewAuthError は認証エラーを生成する。
func NewAuthError(message string, cause error) *CycleError {
	return &CycleError{
		Kind:    ErrKindAuth,
		Message: message,
		Err:     cause,
	}
}

// NewRateLimitError はコール予算枯渇エラーを生成する。
func NewRateLimitError(message string) *CycleError {
	return &CycleError{
		Kind:    ErrKindRateLimit,
		Message: message,
	}
}

// NewTransientHTTPError はリトライ可能なHTTP/ネットワーク障害エラーを生成する。
func NewTransientHTTPError(message string, cause error) *CycleError {
	return &CycleError{
		Kind:    ErrKindTransientHTTP,
		Message: message,
		Err:     cause,
	}
}

// NewPermanentHTTPError はリトライ不可のHTTPエラーを生成する。
func NewPermanentHTTPError(statusCode int, body string) *CycleError {
	return &CycleError{
		Kind:    ErrKindPermanentHTTP,
		Message: fmt.Sprintf("APIがステータス%dを返しました: %s", statusCode, body),
	}
}

// NewStorageCorruptionError は永続化ファイル破損エラーを生成する。
func NewStorageCorruptionError(path string, cause error) *CycleError {
	return &CycleError{
		Kind:    ErrKindStorageCorruption,
		Message: fmt.Sprintf("状態ファイルを読み取れません: %s", path),
		Err:     cause,
	}
}

// KindOf は任意のエラーをErrorKindに分類する。
// 分類済みでないエラー（ネットワーク層の素のエラーなど）はtransient_http扱いとする。
func KindOf(err error) ErrorKind {
	var ce *CycleError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrKindTransientHTTP
}
