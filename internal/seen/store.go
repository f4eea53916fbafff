// Package seen は既読アイテムの永続ストアを提供する。
// アイテムIDをキーに最終価格と初回・最終確認時刻を保持し、TTLを過ぎた
// エントリの退避と件数上限の強制を行う。永続化は常にマップ全体の
// アトミック書き換えで、部分的に壊れたファイルが残ることはない。
package seen

import (
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/hitoshi/dealwatch/internal/model"
	"github.com/hitoshi/dealwatch/internal/store"
)

// Config はストアの設定を保持する。
type Config struct {
	// Path は状態ファイルのパス。空文字列なら永続化しない（テスト用）。
	Path string
	// MaxAge はこの期間確認されなかったエントリを退避する。
	MaxAge time.Duration
	// MaxEntries は保持件数の上限。0以下なら無制限。
	MaxEntries int
}

// Store は既読アイテムのインメモリマップとその永続化を管理する。
// 並行アクセスの調停は呼び出し側（オーケストレーター）が行う。
type Store struct {
	config  Config
	logger  *slog.Logger
	entries map[string]model.SeenItem
}

// NewStore はファイルから状態を読み込んでストアを作る。
// ファイルが無ければ空で開始する。ファイルが破損している場合は
// 空のストアとStorageCorruptionエラーの両方を返す。呼び出し側は
// エラーを記録した上で空のストアで処理を継続できる。
func NewStore(config Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		config:  config,
		logger:  logger,
		entries: make(map[string]model.SeenItem),
	}

	if config.Path == "" {
		return s, nil
	}

	raw, err := store.Load(config.Path, map[string]json.RawMessage{})
	if err != nil {
		return s, err
	}
	s.entries = decodeEntries(raw, time.Now().UTC(), logger)
	return s, nil
}

// decodeEntries は新旧どちらの形式のエントリも受け入れる。
// 旧形式では値が true（既読フラグのみ）またはタイムスタンプ文字列
// だったため、それらは読み込み時刻を起点とするエントリに引き上げる。
// 解釈できない値は件数だけ警告して読み飛ばす。
func decodeEntries(raw map[string]json.RawMessage, now time.Time, logger *slog.Logger) map[string]model.SeenItem {
	entries := make(map[string]model.SeenItem, len(raw))
	dropped := 0

	for id, value := range raw {
		var item model.SeenItem
		if err := json.Unmarshal(value, &item); err == nil && !item.LastSeenAt.IsZero() {
			item.ItemID = id
			entries[id] = item
			continue
		}

		var ts string
		if err := json.Unmarshal(value, &ts); err == nil {
			if at, perr := time.Parse(time.RFC3339, ts); perr == nil {
				entries[id] = model.SeenItem{ItemID: id, FirstSeenAt: at, LastSeenAt: at}
				continue
			}
		}

		var flag bool
		if err := json.Unmarshal(value, &flag); err == nil && flag {
			entries[id] = model.SeenItem{ItemID: id, FirstSeenAt: now, LastSeenAt: now}
			continue
		}

		dropped++
	}

	if dropped > 0 {
		logger.Warn("解釈できない既読エントリを読み飛ばしました",
			slog.Int("dropped", dropped),
		)
	}
	return entries
}

// RecordSeen はアイテムを記録し、更新前のエントリを返す。
// 既存エントリがある場合は初回確認時刻を保ち、最終確認時刻と価格を更新する。
// 戻り値の第2値は既存エントリがあったかどうか。
func (s *Store) RecordSeen(itemID string, price float64, title string, now time.Time) (model.SeenItem, bool) {
	prev, found := s.entries[itemID]

	item := model.SeenItem{
		ItemID:      itemID,
		LastPrice:   price,
		Title:       title,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if found {
		item.FirstSeenAt = prev.FirstSeenAt
	}
	s.entries[itemID] = item

	return prev, found
}

// Lookup はエントリを返す。存在しなければ第2値がfalse。
func (s *Store) Lookup(itemID string) (model.SeenItem, bool) {
	item, found := s.entries[itemID]
	return item, found
}

// Len は現在のエントリ数を返す。
func (s *Store) Len() int {
	return len(s.entries)
}

// EvictExpired はMaxAgeを超えて確認されていないエントリを削除し、件数を返す。
func (s *Store) EvictExpired(now time.Time) int {
	if s.config.MaxAge <= 0 {
		return 0
	}
	cutoff := now.Add(-s.config.MaxAge)
	evicted := 0
	for id, item := range s.entries {
		if item.LastSeenAt.Before(cutoff) {
			delete(s.entries, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Info("期限切れの既読エントリを退避しました",
			slog.Int("evicted", evicted),
			slog.Int("remaining", len(s.entries)),
		)
	}
	return evicted
}

// EnforceCap は件数上限を超えた分を最終確認時刻の古い順に削除し、件数を返す。
func (s *Store) EnforceCap() int {
	if s.config.MaxEntries <= 0 || len(s.entries) <= s.config.MaxEntries {
		return 0
	}

	type aged struct {
		id string
		at time.Time
	}
	all := make([]aged, 0, len(s.entries))
	for id, item := range s.entries {
		all = append(all, aged{id: id, at: item.LastSeenAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	excess := len(s.entries) - s.config.MaxEntries
	for _, entry := range all[:excess] {
		delete(s.entries, entry.id)
	}

	s.logger.Warn("既読エントリが上限を超えたため古い順に削除しました",
		slog.Int("removed", excess),
		slog.Int("cap", s.config.MaxEntries),
	)
	return excess
}

// Flush はマップ全体をアトミックに永続化する。
func (s *Store) Flush() error {
	if s.config.Path == "" {
		return nil
	}
	return store.Save(s.config.Path, s.entries)
}
