package handler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"pa2-control/pa2"

	"golang.org/x/exp/slices"
)

// ConnectionEvent は接続状態の変化の通知
type ConnectionEvent struct {
	State  ConnectionState
	Device Device
}

type PA2HandlerOptions struct {
	Discovery   DiscoveryOptions
	Connector   ConnectorOptions
	Client      ClientOptions
	Credentials Credentials
}

// PA2Handler は探索、接続、パラメータ操作をまとめるファサード。
// 接続は常に1本で、新しい Connect は今の接続を破棄してから始める
type PA2Handler struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   PA2HandlerOptions

	discovery *Discovery
	connector *Connector

	mu        sync.Mutex
	client    *Client
	transport *Transport
	devices   []Device
	wg        sync.WaitGroup

	deviceListeners     *ListenerRegistry[struct{}, DevicesCallback]
	connectionListeners *ListenerRegistry[struct{}, func(ConnectionEvent)]
}

// NewPA2Handler は PA2Handler を作る。探索は StartDiscovery で始める
func NewPA2Handler(ctx context.Context, opts PA2HandlerOptions) *PA2Handler {
	handlerCtx, cancel := context.WithCancel(ctx)
	if opts.Credentials.Username == "" {
		opts.Credentials = DefaultCredentials()
	}

	h := &PA2Handler{
		ctx:                 handlerCtx,
		cancel:              cancel,
		opts:                opts,
		connector:           NewConnector(opts.Connector),
		deviceListeners:     NewListenerRegistry[struct{}, DevicesCallback](),
		connectionListeners: NewListenerRegistry[struct{}, func(ConnectionEvent)](),
	}
	h.discovery = NewDiscovery(opts.Discovery, h.publishDevices)
	h.connector.OnStateChange(func(state ConnectionState, device Device) {
		// Connected はクライアントを用意してから ConnectWith が通知する
		if state == StateConnected {
			return
		}
		h.publishConnection(ConnectionEvent{State: state, Device: device})
	})
	return h
}

func (h *PA2Handler) publishConnection(ev ConnectionEvent) {
	h.connectionListeners.Each(struct{}{}, func(fn func(ConnectionEvent)) {
		fn(ev)
	})
}

func (h *PA2Handler) publishDevices(devices []Device) {
	h.mu.Lock()
	h.devices = slices.Clone(devices)
	h.mu.Unlock()

	h.deviceListeners.Each(struct{}{}, func(fn DevicesCallback) {
		fn(slices.Clone(devices))
	})
}

// OnDevices は探索の周期ごとに機器一覧を受け取るリスナーを登録する
func (h *PA2Handler) OnDevices(fn DevicesCallback) ListenerToken {
	return h.deviceListeners.Add(struct{}{}, fn)
}

func (h *PA2Handler) RemoveDevicesListener(token ListenerToken) {
	h.deviceListeners.Remove(token)
}

// OnConnection は接続状態の変化を受け取るリスナーを登録する。
// Connected の時点で Client は使えるが、受信ループの開始前なのでリスナー内で応答を待ってはいけない
func (h *PA2Handler) OnConnection(fn func(ConnectionEvent)) ListenerToken {
	return h.connectionListeners.Add(struct{}{}, fn)
}

func (h *PA2Handler) RemoveConnectionListener(token ListenerToken) {
	h.connectionListeners.Remove(token)
}

// StartDiscovery は機器の探索を始める
func (h *PA2Handler) StartDiscovery() error {
	return h.discovery.Start(h.ctx)
}

// StopDiscovery は探索を止める
func (h *PA2Handler) StopDiscovery() {
	h.discovery.Stop()
}

// Devices は最後に通知された機器一覧
func (h *PA2Handler) Devices() []Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.devices)
}

// State は接続状態
func (h *PA2Handler) State() ConnectionState {
	return h.connector.State()
}

// ConnectedDevice は接続中の機器
func (h *PA2Handler) ConnectedDevice() (Device, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.transport == nil {
		return Device{}, false
	}
	return h.transport.Device(), true
}

// Connect は device に接続して認証し、受信ループを始める
func (h *PA2Handler) Connect(ctx context.Context, device Device) error {
	return h.ConnectWith(ctx, device, h.opts.Credentials)
}

// ConnectWith は認証情報を指定して接続する
func (h *PA2Handler) ConnectWith(ctx context.Context, device Device, cred Credentials) error {
	h.teardown()

	transport, err := h.connector.Connect(ctx, device, cred)
	if err != nil {
		slog.Warn("接続に失敗しました", "device", device, "err", err)
		return err
	}

	client := NewClient(transport, h.opts.Client)

	h.mu.Lock()
	h.client = client
	h.transport = transport
	h.mu.Unlock()

	// 受信ループより先に通知して Connected と Disconnected の順序を保つ
	h.publishConnection(ConnectionEvent{State: StateConnected, Device: device})

	h.wg.Add(1)
	go h.readLoop(client, transport)
	return nil
}

func (h *PA2Handler) readLoop(client *Client, transport *Transport) {
	defer h.wg.Done()

	err := client.Run(h.ctx, transport)
	switch {
	case err == nil:
		slog.Info("デバイスが接続を閉じました", "device", transport.Device())
	case errors.Is(err, context.Canceled):
	case client.Closed():
		// 自分で閉じた
	default:
		slog.Warn("受信中にエラーが発生しました", "device", transport.Device(), "err", err)
	}

	// 接続が切れたら上位の状態を捨てる
	client.Close()
	_ = transport.Close()

	h.mu.Lock()
	if h.client == client {
		h.client = nil
		h.transport = nil
	}
	h.mu.Unlock()
}

// teardown は今の接続とクライアントを破棄する
func (h *PA2Handler) teardown() {
	h.mu.Lock()
	client := h.client
	transport := h.transport
	h.client = nil
	h.transport = nil
	h.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if transport != nil {
		_ = transport.Close()
	}
}

// Disconnect は接続を閉じる
func (h *PA2Handler) Disconnect() {
	h.connector.Disconnect()
	h.teardown()
}

// Client は接続中のクライアント。接続が無ければ pa2.ErrNotConnected
func (h *PA2Handler) Client() (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil {
		return nil, pa2.ErrNotConnected
	}
	return h.client, nil
}

func (h *PA2Handler) Get(ctx context.Context, path pa2.Path) (string, error) {
	client, err := h.Client()
	if err != nil {
		return "", err
	}
	return client.Get(ctx, path)
}

func (h *PA2Handler) AsyncGet(ctx context.Context, path pa2.Path) (string, error) {
	client, err := h.Client()
	if err != nil {
		return "", err
	}
	return client.AsyncGet(ctx, path)
}

func (h *PA2Handler) Ls(ctx context.Context, path pa2.Path) ([]pa2.LsEntry, error) {
	client, err := h.Client()
	if err != nil {
		return nil, err
	}
	return client.Ls(ctx, path)
}

func (h *PA2Handler) Set(path pa2.Path, value string) error {
	client, err := h.Client()
	if err != nil {
		return err
	}
	return client.Set(path, value)
}

func (h *PA2Handler) Subscribe(path pa2.Path, fn ValueCallback) (func(), error) {
	client, err := h.Client()
	if err != nil {
		return nil, err
	}
	return client.Subscribe(path, fn)
}

func (h *PA2Handler) SyncedValue(path pa2.Path, onChange ValueCallback) (*SyncedValue, error) {
	client, err := h.Client()
	if err != nil {
		return nil, err
	}
	return client.SyncedValue(path, onChange)
}

func (h *PA2Handler) Poll(ctx context.Context, path pa2.Path, interval time.Duration, fn ValueCallback) error {
	client, err := h.Client()
	if err != nil {
		return err
	}
	return client.Poll(ctx, path, interval, fn)
}

// Close は探索と接続を止める
func (h *PA2Handler) Close() error {
	h.discovery.Stop()
	h.Disconnect()
	h.cancel()
	h.wg.Wait()
	return nil
}
