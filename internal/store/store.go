// Package store はJSON状態ファイルのアトミックな読み書きを提供する。
// 書き込みは同一ディレクトリ内の一時ファイルへの書き出し・fsync・renameで行い、
// 途中でクラッシュしても部分的に書かれたファイルが観測されることはない。
// 外部のステータスビューアが同じファイルを並行して読んでも常に完全な内容が見える。
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hitoshi/dealwatch/internal/model"
)

// Save はvalueをJSONとしてpathへアトミックに書き込む。
// 一時ファイルはpathと同じディレクトリに作成する。rename(2)は同一ファイル
// システム内でのみアトミック性が保証されるため、別ディレクトリは使わない。
func Save(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Load はpathのJSONファイルをTとして読み込む。
// ファイルが存在しない場合はdefを返す（エラーなし、初回起動の正常系）。
// ファイルが読めない・パースできない場合はdefとStorageCorruption分類の
// エラーを返す。呼び出し側はエラーをログに出しdefで処理を継続する。
func Load[T any](path string, def T) (T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return def, nil
		}
		return def, model.NewStorageCorruptionError(path, err)
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return def, model.NewStorageCorruptionError(path, err)
	}
	return value, nil
}
