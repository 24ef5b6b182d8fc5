package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"pa2-control/pa2"
)

const (
	DefaultRequestTimeout = 1000 * time.Millisecond
	DefaultDebounce       = 50 * time.Millisecond

	readBufferSize = 4096
)

type ClientOptions struct {
	RequestTimeout time.Duration // get/asyncget/ls の応答待ち
	Debounce       time.Duration // SyncedValue の書き込み間隔
	Clock          Clock
}

func (o *ClientOptions) applyDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Clock == nil {
		o.Clock = RealClock{}
	}
}

// ValueCallback は購読中のパスの値が届くたびに呼ばれる
type ValueCallback func(value string)

// MessageCallback は指定した種類のメッセージが届くたびに呼ばれる
type MessageCallback func(msg pa2.Message)

// requestKey は応答との対応付けに使う (種類, パス) の組
type requestKey struct {
	kind pa2.Kind
	path string
}

type requestResult struct {
	msg pa2.Message
	err error
}

// pendingRequest は応答待ちのリクエスト。結果は必ず1回だけ done に入る
type pendingRequest struct {
	key     requestKey
	done    chan requestResult
	settled bool
}

// Client は1本の接続の上でリクエストと応答、購読を多重化する。
// 受信データは Feed (または Run) で渡し、コールバックは Feed を呼んだ goroutine で実行される。
// コールバックの中で Get などの応答待ちをすると受信が止まるので、別 goroutine で行うこと
type Client struct {
	w    io.Writer
	opts ClientOptions

	writeMu sync.Mutex
	feedMu  sync.Mutex
	buffer  *pa2.MessageBuffer

	mu      sync.Mutex
	pending map[requestKey][]*pendingRequest
	closed  bool

	subscriptions *ListenerRegistry[string, ValueCallback]
	listeners     *ListenerRegistry[pa2.Kind, MessageCallback]
}

// NewClient は w にコマンドを書き込むクライアントを作る
func NewClient(w io.Writer, opts ClientOptions) *Client {
	opts.applyDefaults()
	c := &Client{
		w:             w,
		opts:          opts,
		pending:       make(map[requestKey][]*pendingRequest),
		subscriptions: NewListenerRegistry[string, ValueCallback](),
		listeners:     NewListenerRegistry[pa2.Kind, MessageCallback](),
	}
	c.buffer = pa2.NewMessageBuffer(c.dispatch)
	return c
}

// Options は既定値を埋めた設定
func (c *Client) Options() ClientOptions {
	return c.opts
}

// Feed は受信した1チャンクを渡す。
// デコードできない入力はコーデック内でログに残して処理を続け、ここにはバッファ溢れだけを返す
func (c *Client) Feed(chunk []byte) error {
	c.feedMu.Lock()
	defer c.feedMu.Unlock()

	err := c.buffer.Push(chunk)
	if errors.Is(err, pa2.ErrBufferOverflow) {
		return err
	}
	return nil
}

// Run は r から読み続けて Feed する。r が EOF になると nil を返す。
// ctx がキャンセルされると、r が io.Closer なら閉じて読み込みを打ち切る
func (c *Client) Run(ctx context.Context, r io.Reader) error {
	if closer, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() {
			_ = closer.Close()
		})
		defer stop()
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if ferr := c.Feed(chunk); ferr != nil {
				slog.Warn("受信バッファを破棄しました", "err", ferr)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &pa2.TransportError{Op: "read", Err: err}
		}
	}
}

func (c *Client) write(b []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return pa2.ErrClientClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(b); err != nil {
		var te *pa2.TransportError
		if errors.As(err, &te) {
			return err
		}
		return &pa2.TransportError{Op: "write", Err: err}
	}
	return nil
}

// Get は get コマンドを送り、同じパスの get 応答を待つ
func (c *Client) Get(ctx context.Context, path pa2.Path) (string, error) {
	return c.getValue(ctx, pa2.VerbGet, path)
}

// AsyncGet は asyncget コマンドを送る。応答は get と同じ形で届く
func (c *Client) AsyncGet(ctx context.Context, path pa2.Path) (string, error) {
	return c.getValue(ctx, pa2.VerbAsyncGet, path)
}

func (c *Client) getValue(ctx context.Context, verb pa2.Verb, path pa2.Path) (string, error) {
	msg, err := c.request(ctx, verb, pa2.KindGet, path)
	if err != nil {
		return "", err
	}
	return msg.(pa2.Get).Value, nil
}

// Ls は ls コマンドを送り、子ノードの一覧を返す
func (c *Client) Ls(ctx context.Context, path pa2.Path) ([]pa2.LsEntry, error) {
	msg, err := c.request(ctx, pa2.VerbLs, pa2.KindLs, path)
	if err != nil {
		return nil, err
	}
	return msg.(pa2.Ls).Children, nil
}

// request は応答待ちを登録してからコマンドを送り、
// 一致する応答、error メッセージ、タイムアウトのいずれか1つで終わる
func (c *Client) request(ctx context.Context, verb pa2.Verb, kind pa2.Kind, path pa2.Path) (pa2.Message, error) {
	line, err := pa2.EncodeCommand(verb, path)
	if err != nil {
		return nil, err
	}

	req := &pendingRequest{
		key:  requestKey{kind: kind, path: path.Key()},
		done: make(chan requestResult, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, pa2.ErrClientClosed
	}
	c.pending[req.key] = append(c.pending[req.key], req)
	c.mu.Unlock()

	if err := c.write(line); err != nil {
		c.settle(req, requestResult{err: err})
		res := <-req.done
		return res.msg, res.err
	}

	timeout := c.opts.RequestTimeout
	expired := make(chan struct{})
	timer := c.opts.Clock.AfterFunc(timeout, func() { close(expired) })
	defer timer.Stop()

	select {
	case res := <-req.done:
		return res.msg, res.err
	case <-ctx.Done():
		c.settle(req, requestResult{err: ctx.Err()})
	case <-expired:
		if c.settle(req, requestResult{err: &pa2.RequestTimeoutError{Kind: kind, Path: path, Timeout: timeout}}) {
			slog.Debug("応答がタイムアウトしました", "verb", verb, "path", path, "timeout", timeout)
		}
	}
	// settle に負けた場合も、先に入った結果を返す
	res := <-req.done
	return res.msg, res.err
}

// settle は req の結果を確定させ、待ち行列から外す。既に確定していれば false
func (c *Client) settle(req *pendingRequest, result requestResult) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settleLocked(req, result)
}

func (c *Client) settleLocked(req *pendingRequest, result requestResult) bool {
	if req.settled {
		return false
	}
	req.settled = true

	queue := c.pending[req.key]
	for i, r := range queue {
		if r == req {
			queue = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(c.pending, req.key)
	} else {
		c.pending[req.key] = queue
	}

	req.done <- result
	return true
}

// resolve は key を待っている最も古いリクエストを msg で解決する
func (c *Client) resolve(key requestKey, msg pa2.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.pending[key]
	if len(queue) == 0 {
		return
	}
	c.settleLocked(queue[0], requestResult{msg: msg})
}

// rejectAll は待っている全てのリクエストを err で終わらせる
func (c *Client) rejectAll(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, queue := range c.pending {
		for _, req := range append([]*pendingRequest(nil), queue...) {
			if c.settleLocked(req, requestResult{err: err}) {
				n++
			}
		}
	}
	return n
}

// PendingRequests は応答待ちのリクエスト数
func (c *Client) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, queue := range c.pending {
		n += len(queue)
	}
	return n
}

// Set は set コマンドを送る。応答は待たない
func (c *Client) Set(path pa2.Path, value string) error {
	line, err := pa2.EncodeSet(path, value)
	if err != nil {
		return err
	}
	return c.write(line)
}

// Subscribe は sub コマンドを送り、path の値が届くたびに fn を呼ぶ。
// 戻り値の関数は unsub を送ってこの fn だけを外す。2回目以降の呼び出しは何もしない
func (c *Client) Subscribe(path pa2.Path, fn ValueCallback) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("nil callback")
	}
	subLine, err := pa2.EncodeCommand(pa2.VerbSub, path)
	if err != nil {
		return nil, err
	}
	unsubLine, _ := pa2.EncodeCommand(pa2.VerbUnsub, path)

	token := c.subscriptions.Add(path.Key(), fn)
	if err := c.write(subLine); err != nil {
		c.subscriptions.Remove(token)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subscriptions.Remove(token)
			if err := c.write(unsubLine); err != nil && !errors.Is(err, pa2.ErrClientClosed) {
				slog.Warn("unsub の送信に失敗しました", "path", path, "err", err)
			}
		})
	}, nil
}

// Subscribers は path の購読者数
func (c *Client) Subscribers(path pa2.Path) int {
	return c.subscriptions.Len(path.Key())
}

// AddMessageListener は kind のメッセージが届くたびに fn を呼ぶ
func (c *Client) AddMessageListener(kind pa2.Kind, fn MessageCallback) ListenerToken {
	return c.listeners.Add(kind, fn)
}

func (c *Client) RemoveMessageListener(token ListenerToken) {
	c.listeners.Remove(token)
}

// Poll は interval ごとに asyncget を送り、届いた値を fn に渡す。
// ctx がキャンセルされるかクライアントが閉じられるまで戻らない
func (c *Client) Poll(ctx context.Context, path pa2.Path, interval time.Duration, fn ValueCallback) error {
	if err := path.Validate(); err != nil {
		return err
	}
	for {
		value, err := c.AsyncGet(ctx, path)
		switch {
		case err == nil:
			fn(value)
		case errors.Is(err, pa2.ErrClientClosed):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			slog.Debug("ポーリングに失敗しました", "path", path, "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.opts.Clock.After(interval):
		}
	}
}

// Close は待っている全てのリクエストを ErrClientClosed で終わらせ、購読とリスナーを外す。
// 何も送信しない
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if n := c.rejectAll(pa2.ErrClientClosed); n > 0 {
		slog.Debug("応答待ちのリクエストを打ち切りました", "count", n)
	}
	c.subscriptions.Clear()
	c.listeners.Clear()
}

// Closed は Close 済みかどうか
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// dispatch はデコードされたメッセージを1つずつ処理する
func (c *Client) dispatch(msg pa2.Message) {
	switch m := msg.(type) {
	case pa2.Get:
		c.resolve(requestKey{kind: pa2.KindGet, path: m.Path.Key()}, m)
		c.notify(m.Path, m.Value)
	case pa2.Set:
		c.notify(m.Path, m.Value)
	case pa2.SetR:
		c.notify(m.Path, m.Value)
	case pa2.SubR:
		c.notify(m.Path, m.Value)
	case pa2.Ls:
		c.resolve(requestKey{kind: pa2.KindLs, path: m.Path.Key()}, m)
	case pa2.Error:
		if n := c.rejectAll(&pa2.DeviceError{Message: m.Message}); n > 0 {
			slog.Warn("デバイスがエラーを返しました", "message", m.Message, "rejected", n)
		} else {
			slog.Debug("デバイスがエラーを返しました", "message", m.Message)
		}
	case pa2.Unknown:
		slog.Debug("不明な行を受信しました", "raw", m.Raw)
	case pa2.Sub, pa2.Unsub, pa2.UnsubR:
		// 応答待ちも購読者もいない
	}

	c.listeners.Each(msg.Kind(), func(fn MessageCallback) {
		fn(msg)
	})
}

func (c *Client) notify(path pa2.Path, value string) {
	c.subscriptions.Each(path.Key(), func(fn ValueCallback) {
		fn(value)
	})
}
