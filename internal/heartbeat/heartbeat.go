// Package heartbeat は外部ステータスビューア向けの生存報告を提供する。
// サイクルごと・スリープ刻みごとに更新されるJSONファイルを介して、
// プロセス外からポーリングループの生存を確認できる。
package heartbeat

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/dealwatch/internal/store"
)

// Record は1回の生存報告の内容。timestampはUNIX秒(小数)。
type Record struct {
	Timestamp float64 `json:"timestamp"`
	Datetime  string  `json:"datetime"`
	Source    string  `json:"source"`
	Version   string  `json:"version"`
}

// Status は読み取った生存報告に経過時間を添えたもの。
type Status struct {
	Record
	Age time.Duration
}

// Fresh は報告がmaxAge以内に更新されたものかどうかを返す。
func (s Status) Fresh(maxAge time.Duration) bool {
	return s.Age >= 0 && s.Age <= maxAge
}

// Reporter は生存報告の送出先。
type Reporter interface {
	Beat()
}

// FileReporter は Record をJSONファイルへアトミックに書き出す Reporter。
type FileReporter struct {
	path    string
	source  string
	version string
	logger  *slog.Logger

	nowFn func() time.Time // テスト用に現在時刻を差し替え可能
}

// NewFileReporter は FileReporter を生成する。
func NewFileReporter(path, source, version string, logger *slog.Logger) *FileReporter {
	return &FileReporter{
		path:    path,
		source:  source,
		version: version,
		logger:  logger,
		nowFn:   time.Now,
	}
}

// Beat は現在時刻の Record を書き込む。
// 生存報告は補助機能であり、書き込み失敗でポーリングを止めない。
func (r *FileReporter) Beat() {
	now := r.nowFn()
	rec := Record{
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
		Datetime:  now.Format(time.RFC3339),
		Source:    r.source,
		Version:   r.version,
	}
	if err := store.Save(r.path, rec); err != nil {
		r.logger.Warn("ハートビートの書き込みに失敗しました",
			slog.String("path", r.path),
			slog.String("error", err.Error()),
		)
	}
}

// ReadStatus はpathの生存報告を読み、nowとの差を添えて返す。
// ファイルが存在しない場合もエラーを返す(healthcheckでは異常扱い)。
func ReadStatus(path string, now time.Time) (Status, error) {
	rec, err := store.Load(path, Record{})
	if err != nil {
		return Status{}, err
	}
	if rec.Timestamp == 0 {
		return Status{}, fmt.Errorf("ハートビートファイルが存在しない: %s", path)
	}

	beatAt := time.Unix(0, int64(rec.Timestamp*float64(time.Second)))
	return Status{Record: rec, Age: now.Sub(beatAt)}, nil
}

// compile-time interface check
var _ Reporter = (*FileReporter)(nil)
