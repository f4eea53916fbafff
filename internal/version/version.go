// Package version はプロセスのバージョン文字列を提供する。
package version

// Version はビルド時に -ldflags "-X ...version.Version=x.y.z" で上書きされる。
var Version = "dev"
