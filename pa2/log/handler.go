package log

import (
	"log/slog"
)

// Setup はファイルロガーを開き、slog のデフォルトロガーにする。
// debug のときは Debug レベルまで出力する
func Setup(filename string, debug bool) (*Logger, error) {
	l, err := NewLogger(filename)
	if err != nil {
		return nil, err
	}
	SetLogger(l)
	SetDebug(debug)
	slog.SetDefault(slog.New(slog.NewTextHandler(l, &slog.HandlerOptions{Level: &level})))
	return l, nil
}

// level は Setup で作ったハンドラが参照する。実行中に SetDebug で切り替える
var level slog.LevelVar

// SetDebug は Debug レベルの出力を切り替える
func SetDebug(debug bool) {
	if debug {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
}

// IsDebug は Debug レベルが有効かどうか
func IsDebug() bool {
	return level.Level() <= slog.LevelDebug
}
