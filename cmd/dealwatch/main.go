// Command dealwatch is an eBay listing poller.
//
// Usage:
//
//	dealwatch              # ポーリングループを起動する（runと同じ）
//	dealwatch run          # ポーリングループを起動する
//	dealwatch quota        # 現在のAPIレート制限を表示する
//	dealwatch healthcheck  # ハートビートの鮮度を検証する（Docker HEALTHCHECK用）
//	dealwatch version      # バージョンを表示する
package main

import (
	"fmt"
	"os"

	// distrolessイメージにはタイムゾーンDBがないため埋め込む。
	// クォータの日次境界はAmerica/Los_Angeles基準で計算される。
	_ "time/tzdata"

	"github.com/hitoshi/dealwatch/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dealwatch: %v\n", err)
		os.Exit(1)
	}
}
