package mqtt

import (
	"fmt"
	"log/slog"
	"sync"

	"pa2-control/pa2"
	"pa2-control/pa2/handler"
)

// Broker はブリッジが使うブローカー側の操作。*Client が実装する
type Broker interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler MessageHandler) error
}

// Controller はブリッジが使う機器側の操作。*handler.PA2Handler が実装する
type Controller interface {
	State() handler.ConnectionState
	OnConnection(fn func(handler.ConnectionEvent)) handler.ListenerToken
	RemoveConnectionListener(token handler.ListenerToken)
	SyncedValue(path pa2.Path, onChange handler.ValueCallback) (*handler.SyncedValue, error)
}

var _ Controller = (*handler.PA2Handler)(nil)

// Bridge は設定されたパスを MQTT に写す。
// 機器の値は state トピックに retained で出し、set トピックへの書き込みは SyncedValue.Set で間引いて送る
type Bridge struct {
	broker     Broker
	controller Controller
	topics     Topics
	paths      []pa2.Path

	mu     sync.Mutex
	values map[string]*handler.SyncedValue
	token  handler.ListenerToken
	closed bool
}

// NewBridge は設定のパス文字列を解釈してブリッジを作る
func NewBridge(broker Broker, controller Controller, prefix string, paths []string) (*Bridge, error) {
	topics := Topics{Prefix: prefix}
	parsed := make([]pa2.Path, 0, len(paths))
	for _, p := range paths {
		path, err := pa2.ParsePath(p)
		if err != nil {
			return nil, fmt.Errorf("mqtt.paths の %q: %w", p, err)
		}
		if _, err := topics.State(path); err != nil {
			return nil, fmt.Errorf("mqtt.paths の %q: %w", p, err)
		}
		parsed = append(parsed, path)
	}
	return &Bridge{
		broker:     broker,
		controller: controller,
		topics:     topics,
		paths:      parsed,
		values:     make(map[string]*handler.SyncedValue),
	}, nil
}

// Start は set トピックを購読し、接続状態の変化に合わせて同期を始める
func (b *Bridge) Start() error {
	if err := b.broker.Subscribe(b.topics.AllSets(), b.handleSet); err != nil {
		return err
	}
	b.mu.Lock()
	b.token = b.controller.OnConnection(b.handleConnection)
	b.mu.Unlock()

	// 既に接続済みなら今すぐ同期する
	if state := b.controller.State(); state == handler.StateConnected {
		b.handleConnection(handler.ConnectionEvent{State: state})
	}
	return nil
}

func (b *Bridge) handleConnection(ev handler.ConnectionEvent) {
	if err := b.broker.Publish(b.topics.Connection(), []byte(ev.State.String()), true); err != nil {
		slog.Debug("接続状態を publish できませんでした", "err", err)
	}

	switch ev.State {
	case handler.StateConnected:
		b.syncAll()
	case handler.StateDisconnected:
		b.releaseAll()
	}
}

// syncAll は設定されたパスをすべて購読する。既にあるものはそのまま
func (b *Bridge) syncAll() {
	for _, path := range b.paths {
		b.mu.Lock()
		_, exists := b.values[path.Key()]
		closed := b.closed
		b.mu.Unlock()
		if exists || closed {
			continue
		}

		sv, err := b.controller.SyncedValue(path, b.publisher(path))
		if err != nil {
			slog.Warn("パスを購読できませんでした", "path", path, "err", err)
			continue
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			sv.Close()
			return
		}
		b.values[path.Key()] = sv
		b.mu.Unlock()
	}
}

func (b *Bridge) releaseAll() {
	b.mu.Lock()
	values := b.values
	b.values = make(map[string]*handler.SyncedValue)
	b.mu.Unlock()

	for _, sv := range values {
		sv.Close()
	}
}

// publisher は機器から届いた値を state トピックに出すコールバックを作る
func (b *Bridge) publisher(path pa2.Path) handler.ValueCallback {
	topic, _ := b.topics.State(path)
	return func(value string) {
		if err := b.broker.Publish(topic, []byte(value), true); err != nil {
			slog.Warn("値を publish できませんでした", "topic", topic, "err", err)
		}
	}
}

// handleSet は set トピックのメッセージを機器に送る
func (b *Bridge) handleSet(topic string, payload []byte) error {
	path, ok := b.topics.PathFromSetTopic(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}

	b.mu.Lock()
	sv, ok := b.values[path.Key()]
	b.mu.Unlock()
	if !ok {
		if b.controller.State() != handler.StateConnected {
			return pa2.ErrNotConnected
		}
		return fmt.Errorf("%w: %s", ErrPathNotBridged, path)
	}
	return sv.Set(string(payload))
}

// Paths は同期するパス
func (b *Bridge) Paths() []pa2.Path {
	return b.paths
}

// Close は同期をやめる
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	token := b.token
	b.mu.Unlock()

	b.controller.RemoveConnectionListener(token)
	b.releaseAll()
}
