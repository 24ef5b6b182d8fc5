package pa2

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidPath はワイヤに載せられないパス
	ErrInvalidPath = errors.New("invalid path")

	// ErrInvalidValue は引用符や改行を含む値
	ErrInvalidValue = errors.New("invalid value")

	// ErrIncompleteBlock は endls がまだ届いていない ls ブロック
	ErrIncompleteBlock = errors.New("incomplete ls block")

	// ErrBufferOverflow は未デコードのチャンクが上限を超えたことを示す
	ErrBufferOverflow = errors.New("message buffer overflow")

	// ErrNotConnected は接続が無い状態での操作
	ErrNotConnected = errors.New("not connected")

	// ErrClientClosed は Close 済みのクライアントへの操作、または Close で打ち切られたリクエスト
	ErrClientClosed = errors.New("client closed")

	// ErrAlreadyStarted は二重に開始しようとしたことを示す
	ErrAlreadyStarted = errors.New("already started")
)

// TransportError は接続やソケットの失敗
type TransportError struct {
	Op  string // "dial", "handshake", "write" など
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthError はハンドシェイクでデバイスに拒否されたことを示す
type AuthError struct {
	Reason string // デバイスから届いた行
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected: %s", e.Reason)
}

// ProtocolDecodeError は文法に合わない行またはブロック
type ProtocolDecodeError struct {
	Line   int // バッチ内の行番号 (1始まり)
	Text   string
	Reason string
}

func (e *ProtocolDecodeError) Error() string {
	return fmt.Sprintf("decode error at line %d (%s): %q", e.Line, e.Reason, e.Text)
}

// RequestTimeoutError は期限内に対応する応答が来なかったリクエスト
type RequestTimeoutError struct {
	Kind    Kind
	Path    Path
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("%s %s: no reply within %v", e.Kind, e.Path, e.Timeout)
}

// DeviceError はリクエスト待ちの間に届いた error メッセージ
type DeviceError struct {
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error: %s", e.Message)
}
