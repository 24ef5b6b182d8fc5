package pa2

import (
	"errors"
	"log/slog"
	"strings"
)

// MaxBufferedChunks を超えて未デコードのチャンクが溜まったら同期がずれたとみなして捨てる
const MaxBufferedChunks = 100

// MessageBuffer は行境界に揃っていないチャンク列を受け取り、メッセージ単位に切り出す
// 並行に Push しないこと (呼び出し側で直列化する)
type MessageBuffer struct {
	chunks    []string
	onMessage func(Message)
}

// NewMessageBuffer はデコードしたメッセージを順に onMessage へ渡すバッファを作る
func NewMessageBuffer(onMessage func(Message)) *MessageBuffer {
	return &MessageBuffer{onMessage: onMessage}
}

// Push はチャンクを追加する。
// 直近のチャンクが改行で終わっているときだけ、溜まっている全体をまとめてデコードする。
// デコードに失敗してもバッファは残し、次の改行終わりのチャンクで再試行する。
// 返すエラーは記録済みなので、呼び出し側は致命的に扱わなくてよい。
func (b *MessageBuffer) Push(chunk []byte) error {
	data := string(chunk)
	b.chunks = append(b.chunks, data)

	if len(b.chunks) > MaxBufferedChunks {
		slog.Error("未デコードのチャンクが上限を超えたため破棄します",
			"chunks", len(b.chunks), "head", preview(b.chunks[0]))
		b.chunks = nil
		return ErrBufferOverflow
	}

	if !strings.HasSuffix(data, "\n") {
		return nil
	}

	text := strings.Join(b.chunks, "")
	messages, err := ParseLines(text)
	if err != nil {
		if errors.Is(err, ErrIncompleteBlock) {
			slog.Debug("ls ブロックの続きを待ちます", "err", err, "chunks", len(b.chunks))
		} else {
			slog.Warn("デコードエラー", "err", err, "chunks", len(b.chunks))
		}
		return err
	}

	b.chunks = nil
	for _, msg := range messages {
		b.onMessage(msg)
	}
	return nil
}

// Pending は未デコードのチャンク数
func (b *MessageBuffer) Pending() int {
	return len(b.chunks)
}

// Reset は溜まっているチャンクを捨てる
func (b *MessageBuffer) Reset() {
	b.chunks = nil
}

func preview(s string) string {
	const limit = 80
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
