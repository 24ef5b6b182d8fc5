package handler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"pa2-control/pa2"
)

const (
	DefaultUsername         = "administrator"
	DefaultPassword         = "administrator"
	DefaultHandshakeTimeout = 5 * time.Second

	handshakeSuccessPrefix = "connect logged in"
	handshakeFailurePrefix = "error could not connect"
)

// ConnectionState は制御接続の状態
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Credentials は接続コマンドに載せる認証情報
type Credentials struct {
	Username string
	Password string
}

// DefaultCredentials は工場出荷時の認証情報
func DefaultCredentials() Credentials {
	return Credentials{Username: DefaultUsername, Password: DefaultPassword}
}

// Transport は認証済みの制御接続。
// ハンドシェイクで読み込んだ残りのデータを失わないよう、bufio.Reader 経由で読む
type Transport struct {
	conn    net.Conn
	reader  *bufio.Reader
	device  Device
	once    sync.Once
	onClose func()
}

// Device は接続先
func (t *Transport) Device() Device { return t.device }

func (t *Transport) Read(p []byte) (int, error) {
	return t.reader.Read(p)
}

func (t *Transport) Write(p []byte) (int, error) {
	n, err := t.conn.Write(p)
	if err != nil {
		return n, &pa2.TransportError{Op: "write", Err: err}
	}
	return n, nil
}

// Close は接続を閉じる。何度呼んでもよい
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		err = t.conn.Close()
		if t.onClose != nil {
			t.onClose()
		}
	})
	return err
}

// StateListener は状態が変わるたびに呼ばれる
type StateListener func(state ConnectionState, device Device)

type ConnectorOptions struct {
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
}

// Connector は1回の Connect につき1本の認証済み Transport を作る。
// 同時に存在する接続は1本だけで、新しい Connect は前の接続を先に破棄する
type Connector struct {
	opts ConnectorOptions

	mu         sync.Mutex
	state      ConnectionState
	device     Device
	current    net.Conn // 接続試行中または確立済みの接続
	generation uint64

	listeners *ListenerRegistry[struct{}, StateListener]
}

func NewConnector(opts ConnectorOptions) *Connector {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Connector{
		opts:      opts,
		listeners: NewListenerRegistry[struct{}, StateListener](),
	}
}

// OnStateChange は状態変化のリスナーを登録する
func (c *Connector) OnStateChange(fn StateListener) ListenerToken {
	return c.listeners.Add(struct{}{}, fn)
}

func (c *Connector) RemoveStateListener(token ListenerToken) {
	c.listeners.Remove(token)
}

// State は現在の状態
func (c *Connector) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState は gen が最新の試行のときだけ状態を更新する。リスナーはロックの外で呼ぶ
func (c *Connector) setState(gen uint64, state ConnectionState) {
	c.mu.Lock()
	if gen != c.generation || c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	device := c.device
	c.mu.Unlock()

	slog.Debug("接続状態が変化しました", "state", state, "device", device)
	c.listeners.Each(struct{}{}, func(fn StateListener) {
		fn(state, device)
	})
}

// Connect は device へ TCP 接続し、認証コマンドを送って結果を待つ。
// 成功すると Transport を返し、以後の読み書きは呼び出し側の責任になる
func (c *Connector) Connect(ctx context.Context, device Device, cred Credentials) (*Transport, error) {
	auth, err := pa2.EncodeConnect(cred.Username, cred.Password)
	if err != nil {
		return nil, err
	}

	// 前の接続は待たずに破棄する
	c.mu.Lock()
	old := c.current
	c.current = nil
	c.generation++
	gen := c.generation
	c.device = device
	c.mu.Unlock()
	if old != nil {
		slog.Info("既存の接続を破棄します")
		_ = old.Close()
	}
	c.setState(gen, StateConnecting)

	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", device.Address())
	if err != nil {
		c.setState(gen, StateDisconnected)
		return nil, &pa2.TransportError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	if gen != c.generation {
		// 待っている間に別の Connect が始まった
		c.mu.Unlock()
		_ = conn.Close()
		return nil, &pa2.TransportError{Op: "dial", Err: errors.New("superseded by a newer connection")}
	}
	c.current = conn
	c.mu.Unlock()

	fail := func(err error) (*Transport, error) {
		_ = conn.Close()
		c.mu.Lock()
		if c.current == conn {
			c.current = nil
		}
		c.mu.Unlock()
		c.setState(gen, StateDisconnected)
		return nil, err
	}

	slog.Info("接続しました。認証しています...", "device", device)
	if _, err := conn.Write(auth); err != nil {
		return fail(&pa2.TransportError{Op: "handshake", Err: err})
	}
	c.setState(gen, StateAuthenticating)

	reader := bufio.NewReader(conn)
	if err := c.handshake(ctx, conn, reader); err != nil {
		return fail(err)
	}

	transport := &Transport{
		conn:   conn,
		reader: reader,
		device: device,
	}
	transport.onClose = func() {
		c.mu.Lock()
		if c.current == conn {
			c.current = nil
		}
		c.mu.Unlock()
		c.setState(gen, StateDisconnected)
	}
	c.setState(gen, StateConnected)
	slog.Info("認証に成功しました", "device", device)
	return transport, nil
}

// handshake は成功または失敗の行が届くまで読む。それ以外の行は読み捨てる
func (c *Connector) handshake(ctx context.Context, conn net.Conn, reader *bufio.Reader) error {
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer func() {
		stop()
		_ = conn.SetReadDeadline(time.Time{})
	}()

	for {
		line, err := reader.ReadString('\n')
		text := strings.TrimSpace(line)
		if text != "" {
			switch {
			case strings.HasPrefix(text, handshakeSuccessPrefix):
				return nil
			case strings.HasPrefix(text, handshakeFailurePrefix):
				return &pa2.AuthError{Reason: text}
			default:
				slog.Debug("ハンドシェイク中の行を読み捨てます", "line", text)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			} else if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return &pa2.TransportError{Op: "handshake", Err: err}
		}
	}
}

// Disconnect は現在の接続を閉じる
func (c *Connector) Disconnect() {
	c.mu.Lock()
	conn := c.current
	c.current = nil
	gen := c.generation
	c.mu.Unlock()

	if conn == nil {
		return
	}
	c.setState(gen, StateClosing)
	_ = conn.Close()
	c.setState(gen, StateDisconnected)
}
