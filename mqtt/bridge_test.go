package mqtt

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"pa2-control/pa2"
	"pa2-control/pa2/handler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic    string
	payload  string
	retained bool
}

type fakeBroker struct {
	mu       sync.Mutex
	messages []published
	handlers map[string]MessageHandler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: map[string]MessageHandler{}}
}

func (b *fakeBroker) Publish(topic string, payload []byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, published{topic, string(payload), retained})
	return nil
}

func (b *fakeBroker) Subscribe(topic string, h MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
	return nil
}

func (b *fakeBroker) deliver(topic, payload string) error {
	b.mu.Lock()
	h := b.handlers["pa2/set/#"]
	b.mu.Unlock()
	return h(topic, []byte(payload))
}

func (b *fakeBroker) last(topic string) (published, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.messages) - 1; i >= 0; i-- {
		if b.messages[i].topic == topic {
			return b.messages[i], true
		}
	}
	return published{}, false
}

// wire は Client が書いた行を記録する
type wire struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *wire) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *wire) lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Split(strings.TrimSuffix(w.buf.String(), "\n"), "\n")
}

type fakeController struct {
	mu        sync.Mutex
	state     handler.ConnectionState
	client    *handler.Client
	listeners *handler.ListenerRegistry[struct{}, func(handler.ConnectionEvent)]
}

func newFakeController() *fakeController {
	return &fakeController{
		state:     handler.StateDisconnected,
		listeners: handler.NewListenerRegistry[struct{}, func(handler.ConnectionEvent)](),
	}
}

func (f *fakeController) State() handler.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) OnConnection(fn func(handler.ConnectionEvent)) handler.ListenerToken {
	return f.listeners.Add(struct{}{}, fn)
}

func (f *fakeController) RemoveConnectionListener(token handler.ListenerToken) {
	f.listeners.Remove(token)
}

func (f *fakeController) SyncedValue(path pa2.Path, onChange handler.ValueCallback) (*handler.SyncedValue, error) {
	f.mu.Lock()
	client := f.client
	f.mu.Unlock()
	if client == nil {
		return nil, pa2.ErrNotConnected
	}
	return client.SyncedValue(path, onChange)
}

// connect は新しい Client を用意して Connected を通知する
func (f *fakeController) connect() (*handler.Client, *wire) {
	w := &wire{}
	client := handler.NewClient(w, handler.ClientOptions{Clock: handler.NewMockClock()})
	f.mu.Lock()
	f.client = client
	f.state = handler.StateConnected
	f.mu.Unlock()
	f.listeners.Each(struct{}{}, func(fn func(handler.ConnectionEvent)) {
		fn(handler.ConnectionEvent{State: handler.StateConnected})
	})
	return client, w
}

func (f *fakeController) disconnect() {
	f.mu.Lock()
	client := f.client
	f.client = nil
	f.state = handler.StateDisconnected
	f.mu.Unlock()
	if client != nil {
		client.Close()
	}
	f.listeners.Each(struct{}{}, func(fn func(handler.ConnectionEvent)) {
		fn(handler.ConnectionEvent{State: handler.StateDisconnected})
	})
}

func TestNewBridge_InvalidPath(t *testing.T) {
	_, err := NewBridge(newFakeBroker(), newFakeController(), "pa2", []string{"Preset/Mute", ""})
	assert.ErrorIs(t, err, pa2.ErrInvalidPath)

	_, err = NewBridge(newFakeBroker(), newFakeController(), "pa2", []string{"Preset/#"})
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

func TestBridge_SyncsConfiguredPaths(t *testing.T) {
	broker := newFakeBroker()
	ctrl := newFakeController()
	bridge, err := NewBridge(broker, ctrl, "pa2", []string{`\\Preset\Mute`, "Preset/Gain"})
	require.NoError(t, err)
	require.NoError(t, bridge.Start())
	defer bridge.Close()

	// 接続前の書き込み要求は送れない
	assert.ErrorIs(t, broker.deliver("pa2/set/Preset/Mute", "On"), pa2.ErrNotConnected)

	client, w := ctrl.connect()
	assert.Equal(t, []string{`sub "\\Preset\Mute"`, `sub "\\Preset\Gain"`}, w.lines())
	conn, ok := broker.last("pa2/connection")
	require.True(t, ok)
	assert.Equal(t, published{"pa2/connection", "connected", true}, conn)

	// 機器の値は retained で state に出る
	require.NoError(t, client.Feed([]byte("subr \"\\\\Preset\\Mute\" \"Off\"\n")))
	state, ok := broker.last("pa2/state/Preset/Mute")
	require.True(t, ok)
	assert.Equal(t, published{"pa2/state/Preset/Mute", "Off", true}, state)

	// set トピックは SyncedValue 経由で送る
	require.NoError(t, broker.deliver("pa2/set/Preset/Mute", "On"))
	assert.Equal(t, `set "\\Preset\Mute" "On"`, w.lines()[2])

	assert.ErrorIs(t, broker.deliver("pa2/set/Preset/Other", "1"), ErrPathNotBridged)
	assert.ErrorIs(t, broker.deliver("pa2/set/Preset/Mute", "\"quoted\""), pa2.ErrInvalidValue)
}

func TestBridge_StartWhileConnectedAndReconnect(t *testing.T) {
	broker := newFakeBroker()
	ctrl := newFakeController()
	_, first := ctrl.connect()

	bridge, err := NewBridge(broker, ctrl, "pa2", []string{"Preset/Mute"})
	require.NoError(t, err)
	require.NoError(t, bridge.Start())
	defer bridge.Close()
	assert.Equal(t, []string{`sub "\\Preset\Mute"`}, first.lines())

	ctrl.disconnect()
	conn, _ := broker.last("pa2/connection")
	assert.Equal(t, "disconnected", conn.payload)

	_, second := ctrl.connect()
	assert.Equal(t, []string{`sub "\\Preset\Mute"`}, second.lines())
	require.NoError(t, broker.deliver("pa2/set/Preset/Mute", "On"))
	assert.Equal(t, `set "\\Preset\Mute" "On"`, second.lines()[1])
}

func TestBridge_Close(t *testing.T) {
	broker := newFakeBroker()
	ctrl := newFakeController()
	_, w := ctrl.connect()

	bridge, err := NewBridge(broker, ctrl, "pa2", []string{"Preset/Mute"})
	require.NoError(t, err)
	require.NoError(t, bridge.Start())
	bridge.Close()

	assert.Equal(t, []string{`sub "\\Preset\Mute"`, `unsub "\\Preset\Mute"`}, w.lines())
	assert.Equal(t, 0, ctrl.listeners.Len(struct{}{}))
}
