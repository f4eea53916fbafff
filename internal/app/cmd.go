package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandRun はポーリングループを起動することを示す。
	CommandRun Command = "run"
	// CommandQuota はAPIのレート制限状態を照会して表示することを示す。
	CommandQuota Command = "quota"
	// CommandHealthcheck はハートビートの鮮度検証を実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandVersion はバージョン文字列を表示することを示す。
	CommandVersion Command = "version"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandRunを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandRun
	}

	switch args[0] {
	case "run":
		return CommandRun
	case "quota":
		return CommandQuota
	case "healthcheck":
		return CommandHealthcheck
	case "version":
		return CommandVersion
	default:
		return CommandRun
	}
}
